package discordtools

import (
	"context"
	"errors"
	"fmt"

	"github.com/zulandar/ery/internal/documents"
	"github.com/zulandar/ery/internal/tools"
)

var listDocumentsDef = tools.Definition{
	Name:        "list_info_documents",
	Description: "List the information documents configured for this server",
}

func (ts *toolset) listDocuments(ctx context.Context, call tools.Call) (any, error) {
	docs, err := ts.Documents.List(ctx, call.Context.GuildID)
	if err != nil {
		return nil, errors.New("Failed to list information documents.")
	}
	out := make([]map[string]any, 0, len(docs))
	for _, d := range docs {
		out = append(out, map[string]any{
			"name":        d.Name,
			"description": d.Description,
			"updatedAt":   formatTime(d.UpdatedAt),
		})
	}
	return out, nil
}

var readDocumentDef = tools.Definition{
	Name:        "read_info_document",
	Description: "Read the content of an information document by name",
	Parameters: []tools.Parameter{
		{Name: "name", Kind: tools.KindString, Description: "The document name", Required: true},
	},
}

func (ts *toolset) readDocument(ctx context.Context, call tools.Call) (any, error) {
	name := call.String("name")
	if _, err := documents.NormalizeName(name); err != nil {
		return nil, fmt.Errorf("Information document %q not found in this server.", name)
	}
	doc, err := ts.Documents.Get(ctx, call.Context.GuildID, name)
	if errors.Is(err, documents.ErrNotFound) {
		return nil, fmt.Errorf("Information document %q not found in this server.", name)
	}
	if err != nil {
		return nil, errors.New("Failed to read information document.")
	}
	return map[string]any{
		"name":        doc.Name,
		"description": doc.Description,
		"content":     doc.Content,
		"updatedAt":   formatTime(doc.UpdatedAt),
	}, nil
}
