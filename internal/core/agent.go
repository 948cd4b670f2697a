package core

import "time"

// AgentID uniquely identifies a code generation agent (one per project).
type AgentID string

// BehaviorType selects how the agent drives code generation.
type BehaviorType string

const (
	BehaviorPhasic  BehaviorType = "phasic"
	BehaviorAgentic BehaviorType = "agentic"
)

// DevState represents the current position in the build state machine.
type DevState string

const (
	DevStateIdle              DevState = "IDLE"
	DevStatePhaseGenerating   DevState = "PHASE_GENERATING"
	DevStatePhaseImplementing DevState = "PHASE_IMPLEMENTING"
	DevStateReviewing         DevState = "REVIEWING"
	DevStateFinalizing        DevState = "FINALIZING"
)

// MaxPhases is the initial phases budget for a build loop. User input
// received mid-build recharges the counter to at least 3.
const MaxPhases = 12

// AgentState is the durable per-project state owned by an agent.
type AgentState struct {
	Behavior     BehaviorType          `json:"behavior"`
	AgentID      AgentID               `json:"agent_id"`
	SessionID    string                `json:"session_id"`
	HostName     string                `json:"host_name"`
	UserID       string                `json:"user_id"`
	Query        string                `json:"query"`
	Blueprint    *Blueprint            `json:"blueprint,omitempty"`
	TemplateName string                `json:"template_name"`
	ProjectName  string                `json:"project_name"`
	Phases       []PhaseState          `json:"phases"`
	Files        map[string]*FileState `json:"files"`

	CommandsHistory   []string `json:"commands_history"`
	LastPackageJSON   string   `json:"last_package_json"`
	PendingUserInputs []string `json:"pending_user_inputs"`

	ProjectUpdates []string `json:"project_updates"`
	DevState       DevState `json:"dev_state"`
	PhasesBudget   int      `json:"phases_budget"`

	MVPGenerated       bool `json:"mvp_generated"`
	ReviewingInitiated bool `json:"reviewing_initiated"`
	ShouldBeGenerating bool `json:"should_be_generating"`

	LastDeepDebugTranscript string `json:"last_deep_debug_transcript,omitempty"`

	// Agentic behavior only. Unused by the phasic build loop.
	CurrentPlan string `json:"current_plan,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PhaseState is a generated phase with its completion flag. The phases list
// is append-only during a run and a phase completes at most once.
type PhaseState struct {
	Concept   PhaseConcept `json:"concept"`
	Completed bool         `json:"completed"`
}

// LastIncompletePhase returns the index of the most recent incomplete
// phase, or -1 when every phase has completed.
func (s *AgentState) LastIncompletePhase() int {
	for i := len(s.Phases) - 1; i >= 0; i-- {
		if !s.Phases[i].Completed {
			return i
		}
	}
	return -1
}

// HasCompletedPhase reports whether any phase has completed.
func (s *AgentState) HasCompletedPhase() bool {
	for i := range s.Phases {
		if s.Phases[i].Completed {
			return true
		}
	}
	return false
}
