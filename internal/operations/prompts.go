package operations

import (
	_ "embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var promptsYAML []byte

var loadPrompts = sync.OnceValues(func() (map[string]string, error) {
	var prompts map[string]string
	if err := yaml.Unmarshal(promptsYAML, &prompts); err != nil {
		return nil, fmt.Errorf("parsing embedded prompts: %w", err)
	}
	return prompts, nil
})

// systemPrompt returns the embedded system prompt for an operation. The
// prompts file ships inside the binary, so a parse failure is a build defect
// surfaced at first use.
func systemPrompt(op string) string {
	prompts, err := loadPrompts()
	if err != nil {
		panic(err)
	}
	return prompts[op]
}
