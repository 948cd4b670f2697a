package operations

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ntheanh201/vibesdk/internal/core"
	"github.com/ntheanh201/vibesdk/internal/inference"
)

// Operation names, used for model routing and logging.
const (
	OpGenerateBlueprint       = "generateBlueprint"
	OpGenerateNextPhase       = "generateNextPhase"
	OpImplementPhase          = "implementPhase"
	OpRegenerateFile          = "regenerateFile"
	OpFastCodeFixer           = "fastCodeFixer"
	OpSimpleCodeGenerator     = "simpleCodeGenerator"
	OpProcessUserConversation = "processUserConversation"
	OpProjectSetupAssistant   = "projectSetupAssistant"
	OpPredictSetupCommands    = "predictSetupCommands"
	OpGenerateReadme          = "generateReadme"
	OpDeepDebug               = "deepDebug"
)

// Registry binds operation names to an inference client and per-operation
// model overrides. Operations themselves are stateless.
type Registry struct {
	client inference.Client
	models map[string]string
}

// NewRegistry creates a registry over an inference client.
func NewRegistry(client inference.Client, models map[string]string) *Registry {
	if models == nil {
		models = map[string]string{}
	}
	return &Registry{client: client, models: models}
}

// Names lists the registered operation names.
func (r *Registry) Names() []string {
	names := []string{
		OpGenerateBlueprint, OpGenerateNextPhase, OpImplementPhase,
		OpRegenerateFile, OpFastCodeFixer, OpSimpleCodeGenerator,
		OpProcessUserConversation, OpProjectSetupAssistant,
		OpPredictSetupCommands, OpGenerateReadme, OpDeepDebug,
	}
	sort.Strings(names)
	return names
}

func (r *Registry) request(op, prompt string, images []inference.Image) inference.Request {
	return inference.Request{
		Operation: op,
		Model:     r.models[op],
		System:    systemPrompt(op),
		Prompt:    prompt,
		Images:    images,
	}
}

// GenerateBlueprint produces the project blueprint from the user query,
// streaming raw chunks through onChunk as they arrive.
func (r *Registry) GenerateBlueprint(ctx context.Context, octx OperationContext, onChunk func(string)) (*core.Blueprint, error) {
	prompt := fmt.Sprintf(
		"User request:\n%s\n\nStarter template: %s\n\nProduce the project blueprint as a single JSON object with keys: title, projectName, description, detailedDescription, colorPalette, views, userFlow, dataFlow, architecture, pitfalls, frameworks, implementationRoadmap, initialPhase.",
		octx.Query, octx.TemplateName)

	text, err := r.client.Stream(ctx, r.request(OpGenerateBlueprint, prompt, octx.User.Images), func(chunk string) {
		if onChunk != nil {
			onChunk(chunk)
		}
	})
	if err != nil {
		return nil, err
	}

	var bp core.Blueprint
	if err := extractJSON(text, &bp); err != nil {
		return nil, core.ErrExecution("BLUEPRINT_PARSE", "blueprint output was not valid JSON").WithCause(err)
	}
	return &bp, nil
}

// GenerateNextPhase asks for the next phase given current issues and any
// drained user context. A phase with no files signals completion.
func (r *Registry) GenerateNextPhase(ctx context.Context, octx OperationContext) (*core.PhaseConcept, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Project: %s\n\n", blueprintTitle(octx.Blueprint))
	fmt.Fprintf(&sb, "Completed phases: %s\n\n", phaseNames(octx.Phases))
	writeIssues(&sb, octx.Issues)
	writeUserContext(&sb, octx.User)
	sb.WriteString("\nReturn the next phase as JSON {name, description, lastPhase, files:[{path,purpose,changes}], installCommands, deleteCommands}. Return files: [] when the project is complete.")

	text, err := r.client.Complete(ctx, r.request(OpGenerateNextPhase, sb.String(), octx.User.Images))
	if err != nil {
		return nil, err
	}

	var phase core.PhaseConcept
	if err := extractJSON(text, &phase); err != nil {
		return nil, core.ErrExecution("PHASE_PARSE", "phase output was not valid JSON").WithCause(err)
	}
	return &phase, nil
}

// ImplementPhase streams file generation for a phase. Files arrive through
// the callbacks and in the returned implementation.
func (r *Registry) ImplementPhase(ctx context.Context, octx OperationContext, phase core.PhaseConcept, cb ImplementCallbacks) (*PhaseImplementation, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Phase: %s\n%s\n\nTarget files:\n", phase.Name, phase.Description)
	for _, f := range phase.Files {
		fmt.Fprintf(&sb, "- %s: %s\n", f.Path, f.Purpose)
	}
	writeFiles(&sb, octx.Files)
	writeIssues(&sb, octx.Issues)
	sb.WriteString("\nEmit each complete file between <<<FILE path=\"...\" purpose=\"...\">>> and <<<END_FILE>>> markers, then a trailing JSON {commands:[], deletedPaths:[]}.")

	parser := NewFileStreamParser(cb)
	if _, err := r.client.Stream(ctx, r.request(OpImplementPhase, sb.String(), octx.User.Images), parser.Feed); err != nil {
		return nil, err
	}

	impl := &PhaseImplementation{Files: parser.Files()}
	var trailer struct {
		Commands     []string `json:"commands"`
		DeletedPaths []string `json:"deletedPaths"`
	}
	if err := extractJSON(parser.Remainder(), &trailer); err == nil {
		impl.Commands = trailer.Commands
		impl.DeletedPaths = trailer.DeletedPaths
	}
	return impl, nil
}

// RegenerateFile rewrites a single file. retryIndex is supplied by the
// caller and increments across attempts, up to 3.
func (r *Registry) RegenerateFile(ctx context.Context, octx OperationContext, file *core.FileState, retryIndex int) (*core.FileOutput, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Regenerate %s (attempt %d).\nPurpose: %s\n\nCurrent contents:\n%s\n", file.FilePath, retryIndex+1, file.FilePurpose, file.FileContents)
	writeIssues(&sb, octx.Issues)
	sb.WriteString("\nEmit the whole corrected file between <<<FILE path=\"...\">>> and <<<END_FILE>>> markers.")

	parser := NewFileStreamParser(ImplementCallbacks{})
	if _, err := r.client.Stream(ctx, r.request(OpRegenerateFile, sb.String(), nil), parser.Feed); err != nil {
		return nil, err
	}
	files := parser.Files()
	if len(files) == 0 {
		return nil, core.ErrExecution("REGEN_EMPTY", "regeneration produced no file")
	}
	out := files[0]
	if out.FilePath == "" {
		out.FilePath = file.FilePath
	}
	return &out, nil
}

// FastCodeFixer feeds all relevant files and current issues to the model
// and returns corrected files.
func (r *Registry) FastCodeFixer(ctx context.Context, octx OperationContext) ([]core.FileOutput, error) {
	var sb strings.Builder
	sb.WriteString("Fix the reported issues with minimal edits.\n")
	writeFiles(&sb, octx.Files)
	writeIssues(&sb, octx.Issues)
	sb.WriteString("\nEmit only changed files between <<<FILE path=\"...\">>> and <<<END_FILE>>> markers.")

	parser := NewFileStreamParser(ImplementCallbacks{})
	if _, err := r.client.Stream(ctx, r.request(OpFastCodeFixer, sb.String(), nil), parser.Feed); err != nil {
		return nil, err
	}
	return parser.Files(), nil
}

// SimpleCodeGenerator produces files for a free-form instruction without
// phase bookkeeping.
func (r *Registry) SimpleCodeGenerator(ctx context.Context, octx OperationContext, instruction string) ([]core.FileOutput, error) {
	var sb strings.Builder
	sb.WriteString(instruction + "\n")
	writeFiles(&sb, octx.Files)
	sb.WriteString("\nEmit files between <<<FILE path=\"...\">>> and <<<END_FILE>>> markers.")

	parser := NewFileStreamParser(ImplementCallbacks{})
	if _, err := r.client.Stream(ctx, r.request(OpSimpleCodeGenerator, sb.String(), nil), parser.Feed); err != nil {
		return nil, err
	}
	return parser.Files(), nil
}

// ProcessUserConversation turns a user message into an assistant reply,
// streaming chunks for incremental display.
func (r *Registry) ProcessUserConversation(ctx context.Context, octx OperationContext, message string, onChunk func(string)) (string, error) {
	prompt := fmt.Sprintf("Project: %s\n\nUser message:\n%s", blueprintTitle(octx.Blueprint), message)
	return r.client.Stream(ctx, r.request(OpProcessUserConversation, prompt, octx.User.Images), func(chunk string) {
		if onChunk != nil {
			onChunk(chunk)
		}
	})
}

// ProjectSetupAssistant proposes alternative commands after an install
// failure.
func (r *Registry) ProjectSetupAssistant(ctx context.Context, failedCommand, output string) ([]string, error) {
	prompt := fmt.Sprintf("The command failed:\n%s\n\nOutput:\n%s\n\nReturn a JSON array of alternative shell commands likely to succeed.", failedCommand, output)
	text, err := r.client.Complete(ctx, r.request(OpProjectSetupAssistant, prompt, nil))
	if err != nil {
		return nil, err
	}
	var cmds []string
	if err := extractJSON(text, &cmds); err != nil {
		return nil, core.ErrExecution("SETUP_PARSE", "setup assistant output was not valid JSON").WithCause(err)
	}
	return core.FilterCommands(cmds), nil
}

// PredictSetupCommands guesses the commands a freshly deployed template
// needs before first build.
func (r *Registry) PredictSetupCommands(ctx context.Context, octx OperationContext) ([]string, error) {
	prompt := fmt.Sprintf("Template %s, project %q. Return a JSON array of setup shell commands.", octx.TemplateName, blueprintTitle(octx.Blueprint))
	text, err := r.client.Complete(ctx, r.request(OpPredictSetupCommands, prompt, nil))
	if err != nil {
		return nil, err
	}
	var cmds []string
	if err := extractJSON(text, &cmds); err != nil {
		return nil, core.ErrExecution("SETUP_PARSE", "setup prediction output was not valid JSON").WithCause(err)
	}
	return core.FilterCommands(cmds), nil
}

// GenerateReadme writes the project README.
func (r *Registry) GenerateReadme(ctx context.Context, octx OperationContext) (string, error) {
	if octx.Blueprint == nil {
		return "", core.ErrValidation("NO_BLUEPRINT", "readme generation requires a blueprint")
	}
	prompt := fmt.Sprintf("Write a README.md for %q.\n\nDescription: %s\nFrameworks: %s",
		octx.Blueprint.Title, octx.Blueprint.Description, strings.Join(octx.Blueprint.Frameworks, ", "))
	return r.client.Complete(ctx, r.request(OpGenerateReadme, prompt, nil))
}

// DeepDebug runs the tool-using debug conversation over accumulated issues
// and returns the transcript.
func (r *Registry) DeepDebug(ctx context.Context, octx OperationContext, onChunk func(string)) (string, error) {
	var sb strings.Builder
	sb.WriteString("Diagnose and propose fixes for the following issues.\n")
	writeIssues(&sb, octx.Issues)
	writeFiles(&sb, octx.Files)
	return r.client.Stream(ctx, r.request(OpDeepDebug, sb.String(), nil), func(chunk string) {
		if onChunk != nil {
			onChunk(chunk)
		}
	})
}

// --- prompt helpers ---

// blueprintTitle tolerates operations invoked before a blueprint exists,
// such as a conversation turn on a fresh session.
func blueprintTitle(bp *core.Blueprint) string {
	if bp == nil {
		return "(untitled project)"
	}
	return bp.Title
}

func phaseNames(phases []core.PhaseConcept) string {
	if len(phases) == 0 {
		return "(none)"
	}
	names := make([]string, 0, len(phases))
	for _, p := range phases {
		names = append(names, p.Name)
	}
	return strings.Join(names, ", ")
}

func writeFiles(sb *strings.Builder, files []*core.FileState) {
	if len(files) == 0 {
		return
	}
	sb.WriteString("\nCurrent files:\n")
	for _, f := range files {
		fmt.Fprintf(sb, "--- %s ---\n%s\n", f.FilePath, f.FileContents)
	}
}

func writeIssues(sb *strings.Builder, issues core.ProjectIssues) {
	if len(issues.RuntimeErrors) == 0 &&
		len(issues.StaticAnalysis.Lint.Issues) == 0 &&
		len(issues.StaticAnalysis.Typecheck.Issues) == 0 {
		return
	}
	sb.WriteString("\nCurrent issues:\n")
	for _, e := range issues.RuntimeErrors {
		fmt.Fprintf(sb, "runtime [%s]: %s\n", e.Severity, e.Message)
	}
	for _, i := range issues.StaticAnalysis.Lint.Issues {
		fmt.Fprintf(sb, "lint %s:%d:%d %s %s\n", i.File, i.Line, i.Column, i.Code, i.Message)
	}
	for _, i := range issues.StaticAnalysis.Typecheck.Issues {
		fmt.Fprintf(sb, "typecheck %s:%d:%d %s %s\n", i.File, i.Line, i.Column, i.Code, i.Message)
	}
}

func writeUserContext(sb *strings.Builder, user UserContext) {
	if len(user.Inputs) == 0 && len(user.Images) == 0 {
		return
	}
	sb.WriteString("\nUser feedback since the last phase:\n")
	for _, input := range user.Inputs {
		fmt.Fprintf(sb, "- %s\n", input)
	}
	if len(user.Images) > 0 {
		fmt.Fprintf(sb, "(%d attached images)\n", len(user.Images))
	}
}
