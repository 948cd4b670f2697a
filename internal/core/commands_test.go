package core

import (
	"reflect"
	"testing"
)

func TestLooksLikeCommand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want bool
	}{
		{"bun install react", true},
		{"  npm run build  ", true},
		{"git add -A", true},
		{"", false},
		{"First, install the dependencies:", false},
		{"bun install undefined", false},
		{"npm install left-pad undefined", false},
		{"echo hello", false},
		{"bun install\nnpm run dev", false},
	}
	for _, tt := range tests {
		if got := LooksLikeCommand(tt.in); got != tt.want {
			t.Errorf("LooksLikeCommand(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestFilterCommands_DedupAndOrder(t *testing.T) {
	t.Parallel()
	in := []string{
		"bun install react",
		"This installs react.",
		"npm run build",
		"bun install react",
		" npm run build ",
	}
	want := []string{"bun install react", "npm run build"}
	if got := FilterCommands(in); !reflect.DeepEqual(got, want) {
		t.Errorf("FilterCommands() = %v, want %v", got, want)
	}
}

func TestIsInstallCommand(t *testing.T) {
	t.Parallel()
	if !IsInstallCommand("bun install hono") {
		t.Error("install command not recognized")
	}
	if !IsInstallCommand("bun add zod") {
		t.Error("add command not recognized")
	}
	if IsInstallCommand("npm run dev") {
		t.Error("run command misclassified as install")
	}
}

func TestIsDependencyMutating(t *testing.T) {
	t.Parallel()
	for _, cmd := range []string{"bun install", "npm uninstall react", "bun remove zod", "pnpm add -D vite"} {
		if !IsDependencyMutating(cmd) {
			t.Errorf("IsDependencyMutating(%q) = false, want true", cmd)
		}
	}
	if IsDependencyMutating("npm run dev") {
		t.Error("IsDependencyMutating(npm run dev) = true, want false")
	}
}
