package core

import "time"

// RuntimeError is one error harvested from a running sandbox instance.
type RuntimeError struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Severity  string    `json:"severity"`
	RawOutput string    `json:"rawOutput,omitempty"`
}

// LintIssue is one finding from the linter or typechecker.
type LintIssue struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Column   int    `json:"column"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Severity string `json:"severity"`
}

// AnalysisReport groups issues from one tool run.
type AnalysisReport struct {
	Issues  []LintIssue `json:"issues"`
	Summary string      `json:"summary,omitempty"`
}

// StaticAnalysisResult is the combined output of a static analysis pass.
// A failed tool run degrades to empty issue lists rather than an error.
type StaticAnalysisResult struct {
	Lint      AnalysisReport `json:"lint"`
	Typecheck AnalysisReport `json:"typecheck"`
}

// ProjectIssues aggregates everything the self-repair loop feeds back to
// the LLM: runtime errors plus the latest static analysis.
type ProjectIssues struct {
	RuntimeErrors  []RuntimeError       `json:"runtimeErrors"`
	StaticAnalysis StaticAnalysisResult `json:"staticAnalysis"`
}

// HasBlockingIssues reports whether the review pass should prompt the user
// to launch a deep-debug session.
func (p ProjectIssues) HasBlockingIssues() bool {
	return len(p.RuntimeErrors) > 0 || len(p.StaticAnalysis.Typecheck.Issues) > 0
}
