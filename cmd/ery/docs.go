package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zulandar/ery/internal/db"
	"github.com/zulandar/ery/internal/documents"
)

// cliAuthor is recorded as CreatedBy/UpdatedBy for documents edited here.
const cliAuthor = "cli"

func newDocsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "docs",
		Short: "Manage per-guild information documents",
		Long:  "Information documents are named texts the assistant can list and read when answering questions in a guild.",
	}

	cmd.AddCommand(newDocsListCmd())
	cmd.AddCommand(newDocsShowCmd())
	cmd.AddCommand(newDocsSetCmd())
	cmd.AddCommand(newDocsDeleteCmd())
	return cmd
}

// docsFlags are shared by every docs subcommand.
type docsFlags struct {
	configPath string
	guildID    string
}

func (f *docsFlags) register(cmd *cobra.Command) {
	addConfigFlag(cmd, &f.configPath)
	cmd.Flags().StringVar(&f.guildID, "guild", "", "guild ID (required)")
	cmd.MarkFlagRequired("guild")
}

func (f *docsFlags) open(fn func(*documents.Store) error) error {
	_, gormDB, err := connectFromConfig(f.configPath)
	if err != nil {
		return err
	}
	defer db.Close(gormDB)
	return fn(documents.NewStore(gormDB))
}

func newDocsListCmd() *cobra.Command {
	var f docsFlags
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a guild's documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.open(func(store *documents.Store) error {
				docs, err := store.List(cmd.Context(), f.guildID)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(docs) == 0 {
					fmt.Fprintln(out, "No documents found.")
					return nil
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "NAME\tSIZE\tUPDATED\tDESCRIPTION")
				for _, d := range docs {
					fmt.Fprintf(w, "%s\t%d\t%s\t%s\n",
						d.Name, len(d.Content), d.UpdatedAt.Local().Format(time.DateTime), truncate(orDash(d.Description), 50))
				}
				w.Flush()
				return nil
			})
		},
	}
	f.register(cmd)
	return cmd
}

func newDocsShowCmd() *cobra.Command {
	var f docsFlags
	cmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Print a document's content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.open(func(store *documents.Store) error {
				doc, err := store.Get(cmd.Context(), f.guildID, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), doc.Content)
				return nil
			})
		},
	}
	f.register(cmd)
	return cmd
}

func newDocsSetCmd() *cobra.Command {
	var (
		f           docsFlags
		file        string
		description string
	)
	cmd := &cobra.Command{
		Use:   "set <name>",
		Short: "Create or replace a document",
		Long:  "Reads the document body from --file, or from stdin when --file is not given.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := readContent(cmd, file)
			if err != nil {
				return err
			}
			return f.open(func(store *documents.Store) error {
				doc, err := store.Upsert(cmd.Context(), f.guildID, args[0], description, content, cliAuthor)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Saved %s (%d bytes)\n", doc.Name, len(doc.Content))
				return nil
			})
		},
	}
	f.register(cmd)
	cmd.Flags().StringVarP(&file, "file", "f", "", "read content from this file")
	cmd.Flags().StringVarP(&description, "description", "d", "", "short description shown in listings")
	return cmd
}

func readContent(cmd *cobra.Command, file string) (string, error) {
	var (
		data []byte
		err  error
	)
	if file != "" {
		data, err = os.ReadFile(file)
	} else {
		data, err = io.ReadAll(cmd.InOrStdin())
	}
	if err != nil {
		return "", fmt.Errorf("read content: %w", err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("document content is empty")
	}
	return string(data), nil
}

func newDocsDeleteCmd() *cobra.Command {
	var f docsFlags
	cmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return f.open(func(store *documents.Store) error {
				if err := store.Delete(cmd.Context(), f.guildID, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
				return nil
			})
		},
	}
	f.register(cmd)
	return cmd
}
