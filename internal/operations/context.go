// Package operations hosts the named LLM operations the agent invokes.
// Each operation is a pure function over an OperationContext: it builds a
// prompt, calls inference, and parses the structured reply.
package operations

import (
	"github.com/ntheanh201/vibesdk/internal/core"
	"github.com/ntheanh201/vibesdk/internal/inference"
)

// UserContext carries the pending user inputs and images drained into a
// phase generation call.
type UserContext struct {
	Inputs []string
	Images []inference.Image
}

// OperationContext is the input surface shared by all operations.
type OperationContext struct {
	Query           string
	TemplateName    string
	Blueprint       *core.Blueprint
	Phases          []core.PhaseConcept
	Files           []*core.FileState
	Issues          core.ProjectIssues
	CommandsHistory []string
	User            UserContext
}

// PhaseImplementation is the result of implementing one phase.
type PhaseImplementation struct {
	Files        []core.FileOutput
	Commands     []string
	DeletedPaths []string
}

// ImplementCallbacks stream per-file progress out of ImplementPhase.
// All callbacks are optional.
type ImplementCallbacks struct {
	OnFileGenerating func(path string)
	OnFileChunk      func(path, chunk string)
	OnFileGenerated  func(file core.FileOutput)
}
