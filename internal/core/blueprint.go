package core

// Blueprint is the structured project plan an LLM derives from the user
// query. It seeds the initial phase and steers every later generation call.
type Blueprint struct {
	Title                 string        `json:"title"`
	ProjectName           string        `json:"projectName"`
	Description           string        `json:"description"`
	DetailedDescription   string        `json:"detailedDescription,omitempty"`
	ColorPalette          []string      `json:"colorPalette,omitempty"`
	Views                 []string      `json:"views,omitempty"`
	UserFlow              string        `json:"userFlow,omitempty"`
	DataFlow              string        `json:"dataFlow,omitempty"`
	Architecture          string        `json:"architecture,omitempty"`
	Pitfalls              []string      `json:"pitfalls,omitempty"`
	Frameworks            []string      `json:"frameworks,omitempty"`
	ImplementationRoadmap []string      `json:"implementationRoadmap,omitempty"`
	InitialPhase          *PhaseConcept `json:"initialPhase,omitempty"`
}

// BlueprintPatchAllowedKeys is the fixed allow-list for UpdateBlueprint.
// projectName is deliberately absent: renames go through UpdateProjectName
// so the sandbox and database stay in sync.
var BlueprintPatchAllowedKeys = map[string]bool{
	"title":                 true,
	"description":           true,
	"detailedDescription":   true,
	"colorPalette":          true,
	"views":                 true,
	"userFlow":              true,
	"dataFlow":              true,
	"architecture":          true,
	"pitfalls":              true,
	"frameworks":            true,
	"implementationRoadmap": true,
}

// PhaseConcept describes a bounded generation step.
type PhaseConcept struct {
	Name            string        `json:"name"`
	Description     string        `json:"description"`
	LastPhase       bool          `json:"lastPhase"`
	Files           []FileConcept `json:"files"`
	InstallCommands []string      `json:"installCommands,omitempty"`
	DeleteCommands  []string      `json:"deleteCommands,omitempty"`
}

// FileConcept is a file the phase intends to produce.
type FileConcept struct {
	Path    string `json:"path"`
	Purpose string `json:"purpose"`
	Changes string `json:"changes,omitempty"`
}
