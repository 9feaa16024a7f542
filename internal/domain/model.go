package domain

// ModelConfig describes one entry of the models table: unit prices per 1,000
// tokens and whether the model accepts a JSON schema response format.
type ModelConfig struct {
	Input      float64 `yaml:"input" mapstructure:"input"`
	Output     float64 `yaml:"output" mapstructure:"output"`
	Cache      float64 `yaml:"cache" mapstructure:"cache"`
	JSONSchema bool    `yaml:"jsonSchema" mapstructure:"jsonSchema"`
}

// ModelTable maps model name to its configuration. It is required at startup
// and treated as immutable afterwards.
type ModelTable map[string]ModelConfig

// Supports reports whether the named model exists in the table.
func (t ModelTable) Supports(model string) bool {
	_, ok := t[model]
	return ok
}
