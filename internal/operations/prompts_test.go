package operations

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSystemPrompts_EveryOperationCovered(t *testing.T) {
	t.Parallel()
	prompts, err := loadPrompts()
	require.NoError(t, err)

	r := NewRegistry(nil, nil)
	for _, op := range r.Names() {
		assert.NotEmpty(t, prompts[op], "operation %s has no system prompt", op)
	}
}

func TestSystemPrompts_NoUnknownEntries(t *testing.T) {
	t.Parallel()
	prompts, err := loadPrompts()
	require.NoError(t, err)

	known := map[string]bool{}
	for _, op := range NewRegistry(nil, nil).Names() {
		known[op] = true
	}
	for name := range prompts {
		assert.True(t, known[name], "prompt %s does not match any operation", name)
	}
}
