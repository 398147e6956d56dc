// Package tools defines the capability catalog the agent can invoke and
// the executor that validates and times each invocation.
package tools

import (
	"context"
	"fmt"
	"math"
	"strconv"
)

// Kind is the primitive type of a tool parameter.
type Kind string

const (
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindBoolean Kind = "boolean"
	KindUser    Kind = "user"
	KindChannel Kind = "channel"
	KindRole    Kind = "role"
)

// Parameter declares one named tool argument.
type Parameter struct {
	Name        string
	Kind        Kind
	Description string
	Required    bool
	Choices     []string // allowed values, compared as strings
	Min, Max    *float64 // inclusive numeric bounds
}

// Permission is a platform permission bit with a display name.
type Permission struct {
	Bit  int64
	Name string
}

// Definition describes a tool to the executor and to the model.
type Definition struct {
	Name            string
	Description     string
	Parameters      []Parameter
	BotPermissions  []Permission // held by the bot in the guild and channel
	UserPermissions []Permission // held by the requesting member
	AllowDM         bool
}

// Parameter returns the named parameter declaration.
func (d Definition) Parameter(name string) (Parameter, bool) {
	for _, p := range d.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return Parameter{}, false
}

// Schema renders the parameter list as a JSON-schema object for function
// calling.
func (d Definition) Schema() map[string]any {
	props := make(map[string]any, len(d.Parameters))
	required := []string{}
	for _, p := range d.Parameters {
		prop := map[string]any{
			"type":        jsonType(p.Kind),
			"description": p.Description,
		}
		if len(p.Choices) > 0 {
			prop["enum"] = p.Choices
		}
		if p.Min != nil {
			prop["minimum"] = *p.Min
		}
		if p.Max != nil {
			prop["maximum"] = *p.Max
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func jsonType(k Kind) string {
	switch k {
	case KindNumber:
		return "number"
	case KindBoolean:
		return "boolean"
	default:
		return "string"
	}
}

// Tool is an invocable capability.
type Tool interface {
	Definition() Definition
	Execute(ctx context.Context, call Call) (any, error)
}

// Func adapts a function into a Tool.
type Func struct {
	Def Definition
	Fn  func(ctx context.Context, call Call) (any, error)
}

// Definition implements Tool.
func (f *Func) Definition() Definition { return f.Def }

// Execute implements Tool.
func (f *Func) Execute(ctx context.Context, call Call) (any, error) { return f.Fn(ctx, call) }

// Call is one validated invocation. Params hold normalized values: numbers
// are float64, booleans are bool, everything else is string.
type Call struct {
	Context Context
	Params  map[string]any
}

// Has reports whether name was supplied.
func (c Call) Has(name string) bool {
	_, ok := c.Params[name]
	return ok
}

// String returns a string parameter, or "" when absent.
func (c Call) String(name string) string {
	if v, ok := c.Params[name]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
	return ""
}

// Int returns a numeric parameter truncated to int, or def when absent.
func (c Call) Int(name string, def int) int {
	switch v := c.Params[name].(type) {
	case float64:
		return int(math.Trunc(v))
	case int:
		return v
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Bool returns a boolean parameter, or false when absent.
func (c Call) Bool(name string) bool {
	b, _ := c.Params[name].(bool)
	return b
}

// Float returns a pointer to v, for Parameter bounds.
func Float(v float64) *float64 { return &v }
