package agent

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

//go:embed prompts.toml
var defaultPrompts []byte

// Prompts are the planner's message templates; placeholders are %s verbs
// filled in a fixed order.
type Prompts struct {
	System      string `toml:"system"`
	Plan        string `toml:"plan"`
	Repair      string `toml:"repair"`
	Feedback    string `toml:"feedback"`
	FormatRetry string `toml:"format_retry"`
	ToolResults string `toml:"tool_results"`
	ToolBudget  string `toml:"tool_budget"`
}

func DefaultPrompts() Prompts {
	var p Prompts
	if err := toml.Unmarshal(defaultPrompts, &p); err != nil {
		panic(fmt.Sprintf("embedded prompts: %v", err))
	}
	return p
}

// LoadPrompts overlays the templates in path onto the defaults. An empty
// path returns the defaults.
func LoadPrompts(path string) (Prompts, error) {
	p := DefaultPrompts()
	if path == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Prompts{}, fmt.Errorf("failed to read prompts file '%s': %w", path, err)
	}
	if err := toml.Unmarshal(data, &p); err != nil {
		return Prompts{}, fmt.Errorf("failed to parse TOML: %w", err)
	}
	return p, nil
}
