package tooling

import "github.com/execlayer/kernel/pkg/contracts"

// Tool names known to the default registry and the built-in rules.
const (
	ToolUploadFile       = "upload_file"
	ToolReadSlackHistory = "read_slack_history"
	ToolEditSystemPrompt = "edit_system_prompt"
)

var text = []string{"string"}

// DefaultSchemas returns the schemas of the reference tool set.
func DefaultSchemas() []ToolSchema {
	return []ToolSchema{
		{
			Name:           ToolUploadFile,
			AllowedParams:  []string{"source", "destination", "file_size", "data_class", "jurisdiction"},
			RequiredParams: []string{"source", "destination"},
			Consumes:       contracts.DataConfidential,
			ParamTypes: map[string][]string{
				"source":       text,
				"destination":  text,
				"file_size":    {"number", "string"},
				"data_class":   text,
				"jurisdiction": text,
			},
		},
		{
			Name:           ToolReadSlackHistory,
			AllowedParams:  []string{"channel", "search", "date_from", "date_to", "data_class"},
			RequiredParams: []string{"channel"},
			Consumes:       contracts.DataInternal,
			ParamTypes: map[string][]string{
				"channel":    text,
				"search":     text,
				"date_from":  text,
				"date_to":    text,
				"data_class": text,
			},
		},
		{
			Name:           ToolEditSystemPrompt,
			AllowedParams:  []string{"new_prompt", "reason"},
			RequiredParams: []string{"new_prompt"},
			Consumes:       contracts.DataInternal,
		},
	}
}

// DefaultRegistry compiles DefaultSchemas. The schemas are static, so a
// failure here is a programming error.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultSchemas()...)
	if err != nil {
		panic(err)
	}
	return r
}
