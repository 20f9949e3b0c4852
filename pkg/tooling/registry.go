// Package tooling validates intercepted tool calls against a static
// registry of tool schemas before any policy is evaluated.
package tooling

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/execlayer/kernel/pkg/contracts"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ToolSchema describes the parameters a registered tool accepts.
type ToolSchema struct {
	Name           string              `json:"name" yaml:"name"`
	AllowedParams  []string            `json:"allowed_params" yaml:"allowed_params"`
	RequiredParams []string            `json:"required_params" yaml:"required_params"`
	Produces       contracts.DataClass `json:"produces,omitempty" yaml:"produces,omitempty"`
	Consumes       contracts.DataClass `json:"consumes,omitempty" yaml:"consumes,omitempty"`
	// ParamTypes optionally constrains parameter values to JSON types,
	// e.g. {"file_size": ["number", "string"]}.
	ParamTypes map[string][]string `json:"param_types,omitempty" yaml:"param_types,omitempty"`
}

// ValidationError reports why a tool call was rejected.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func invalid(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// Validator checks a tool call structurally.
type Validator interface {
	Validate(tc contracts.ToolCall) error
}

// Registry is an immutable set of tool schemas with compiled JSON Schemas
// for parameter values. It is safe for concurrent use.
type Registry struct {
	tools  map[string]ToolSchema
	schema map[string]*jsonschema.Schema
}

// NewRegistry compiles the given schemas. Duplicate names are rejected.
func NewRegistry(tools ...ToolSchema) (*Registry, error) {
	r := &Registry{
		tools:  make(map[string]ToolSchema, len(tools)),
		schema: make(map[string]*jsonschema.Schema, len(tools)),
	}
	for _, t := range tools {
		if t.Name == "" {
			return nil, fmt.Errorf("tooling: schema with empty name")
		}
		if _, dup := r.tools[t.Name]; dup {
			return nil, fmt.Errorf("tooling: duplicate tool %q", t.Name)
		}
		for _, req := range t.RequiredParams {
			if !contains(t.AllowedParams, req) {
				return nil, fmt.Errorf("tooling: tool %q requires %q which is not allowed", t.Name, req)
			}
		}
		compiled, err := compileParamSchema(t)
		if err != nil {
			return nil, err
		}
		r.tools[t.Name] = t
		r.schema[t.Name] = compiled
	}
	return r, nil
}

func compileParamSchema(t ToolSchema) (*jsonschema.Schema, error) {
	props := make(map[string]any, len(t.ParamTypes))
	for name, types := range t.ParamTypes {
		props[name] = map[string]any{"type": types}
	}
	doc, err := json.Marshal(map[string]any{
		"$schema":    "https://json-schema.org/draft/2020-12/schema",
		"type":       "object",
		"properties": props,
	})
	if err != nil {
		return nil, fmt.Errorf("tooling: schema marshal for %q: %w", t.Name, err)
	}

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://execlayer.schemas.local/tools/%s.schema.json", t.Name)
	if err := c.AddResource(url, strings.NewReader(string(doc))); err != nil {
		return nil, fmt.Errorf("tooling: schema load for %q: %w", t.Name, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("tooling: schema compile for %q: %w", t.Name, err)
	}
	return compiled, nil
}

// Lookup returns the schema registered under name.
func (r *Registry) Lookup(name string) (ToolSchema, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Validate accepts tc or returns a *ValidationError naming the first
// problem found, checked in this order: envelope keys, tool name,
// parameter shape, required parameters, disallowed parameters, value types.
func (r *Registry) Validate(tc contracts.ToolCall) error {
	rawFn, hasFn := tc["function"]
	rawParams, hasParams := tc["parameters"]
	if !hasFn || !hasParams {
		return invalid("Tool call missing required keys: function, parameters")
	}

	fn, _ := rawFn.(string)
	schema, ok := r.tools[fn]
	if !ok {
		return invalid("Unknown tool: %v", rawFn)
	}

	params, ok := rawParams.(map[string]any)
	if !ok {
		return invalid("parameters must be an object")
	}

	for _, req := range schema.RequiredParams {
		if _, ok := params[req]; !ok {
			return invalid("Missing required parameter: %s", req)
		}
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if !contains(schema.AllowedParams, k) {
			return invalid("Disallowed parameter: %s", k)
		}
	}

	if compiled := r.schema[fn]; compiled != nil {
		if err := compiled.Validate(params); err != nil {
			return invalid("Invalid parameter value: %v", err)
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
