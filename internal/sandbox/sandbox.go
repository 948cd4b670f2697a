// Package sandbox abstracts command execution, file I/O, process lifecycle
// and port exposure for generated projects. One concrete backend runs
// commands locally with every path confined to the instance directory.
package sandbox

import (
	"context"
	"time"
)

// ExecOptions controls one command execution.
type ExecOptions struct {
	Cwd     string        // relative to the instance root
	Timeout time.Duration // zero means no explicit timeout
}

// ExecResult captures the outcome of one command.
type ExecResult struct {
	ExitCode int    `json:"exitCode"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Success reports whether the command exited zero.
func (r ExecResult) Success() bool { return r.ExitCode == 0 }

// ProcessInfo describes a detached process started in the sandbox.
type ProcessInfo struct {
	ID         string    `json:"id"`
	PID        int       `json:"pid"`
	Command    string    `json:"command"`
	StartedAt  time.Time `json:"startedAt"`
	Running    bool      `json:"running"`
	CPUPercent float64   `json:"cpuPercent"`
	MemoryRSS  uint64    `json:"memoryRss"`
}

// InstanceMetadata is persisted as metadata.json in the instance directory.
type InstanceMetadata struct {
	TemplateName  string    `json:"templateName"`
	ProjectName   string    `json:"projectName"`
	StartTime     time.Time `json:"startTime"`
	PreviewURL    string    `json:"previewUrl"`
	AllocatedPort int       `json:"allocatedPort"`
	ProcessID     string    `json:"processId"`
	DoNotTouch    []string  `json:"doNotTouchFiles"`
	Redacted      []string  `json:"redactedFiles"`
}

// Sandbox is the command/file sandbox abstraction.
type Sandbox interface {
	Exec(ctx context.Context, cmd string, opts ExecOptions) (ExecResult, error)
	WriteFile(path string, data []byte) error
	ReadFile(path string) ([]byte, error)
	DeletePath(path string) error

	StartProcess(ctx context.Context, cmd string, opts ExecOptions) (string, error)
	GetProcess(id string) (*ProcessInfo, error)
	KillProcess(id string) error
	ListProcesses() []ProcessInfo

	ExposePort(port int) error
	UnexposePort(port int) error
	GetExposedPorts() []int
	SetEnvVars(vars map[string]string)

	// Deploy writes a batch of files and refreshes metadata in one pass.
	Deploy(files map[string][]byte, meta InstanceMetadata) error

	InstanceID() string
	Metadata() (InstanceMetadata, error)
}
