package operations

import (
	"strings"
	"testing"

	"github.com/ntheanh201/vibesdk/internal/core"
)

func TestFileStreamParser_SingleFile(t *testing.T) {
	t.Parallel()
	var generating []string
	var generated []core.FileOutput
	p := NewFileStreamParser(ImplementCallbacks{
		OnFileGenerating: func(path string) { generating = append(generating, path) },
		OnFileGenerated:  func(f core.FileOutput) { generated = append(generated, f) },
	})

	p.Feed("<<<FILE path=\"src/App.tsx\" purpose=\"entry\">>>\nconst a = 1\n<<<END_FILE>>>")

	if len(generating) != 1 || generating[0] != "src/App.tsx" {
		t.Errorf("OnFileGenerating = %v, want [src/App.tsx]", generating)
	}
	if len(generated) != 1 {
		t.Fatalf("OnFileGenerated count = %d, want 1", len(generated))
	}
	if generated[0].FileContents != "const a = 1" {
		t.Errorf("contents = %q, want %q", generated[0].FileContents, "const a = 1")
	}
	if generated[0].FilePurpose != "entry" {
		t.Errorf("purpose = %q, want %q", generated[0].FilePurpose, "entry")
	}
}

func TestFileStreamParser_SplitAcrossChunks(t *testing.T) {
	t.Parallel()
	var chunks []string
	p := NewFileStreamParser(ImplementCallbacks{
		OnFileChunk: func(_, chunk string) { chunks = append(chunks, chunk) },
	})

	full := "<<<FILE path=\"a.ts\">>>\nline one\nline two\n<<<END_FILE>>>"
	// Feed in tiny pieces, splitting markers mid-way.
	for i := 0; i < len(full); i += 7 {
		end := i + 7
		if end > len(full) {
			end = len(full)
		}
		p.Feed(full[i:end])
	}

	files := p.Files()
	if len(files) != 1 {
		t.Fatalf("Files() count = %d, want 1", len(files))
	}
	if files[0].FileContents != "line one\nline two" {
		t.Errorf("contents = %q", files[0].FileContents)
	}
	if strings.Join(chunks, "") == "" {
		t.Error("chunk callback should have received streamed content")
	}
	for _, c := range chunks {
		if strings.Contains(c, "END_FILE") {
			t.Errorf("chunk leaked close marker: %q", c)
		}
	}
}

func TestFileStreamParser_MultipleFilesAndRemainder(t *testing.T) {
	t.Parallel()
	p := NewFileStreamParser(ImplementCallbacks{})
	p.Feed("intro text\n<<<FILE path=\"a.ts\">>>\na\n<<<END_FILE>>>\n")
	p.Feed("<<<FILE path=\"b.ts\">>>\nb\n<<<END_FILE>>>\n{\"commands\":[\"bun install\"],\"deletedPaths\":[]}")

	files := p.Files()
	if len(files) != 2 || files[0].FilePath != "a.ts" || files[1].FilePath != "b.ts" {
		t.Fatalf("Files() = %+v", files)
	}

	var trailer struct {
		Commands []string `json:"commands"`
	}
	if err := extractJSON(p.Remainder(), &trailer); err != nil {
		t.Fatalf("extractJSON(remainder) error = %v", err)
	}
	if len(trailer.Commands) != 1 || trailer.Commands[0] != "bun install" {
		t.Errorf("trailer commands = %v", trailer.Commands)
	}
}

func TestExtractJSON_ToleratesFencesAndProse(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		in   string
	}{
		{"bare", `{"name":"Setup"}`},
		{"fenced", "Here you go:\n```json\n{\"name\":\"Setup\"}\n```\nDone."},
		{"prose", `The next phase is {"name":"Setup"} as requested.`},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			var out struct {
				Name string `json:"name"`
			}
			if err := extractJSON(tc.in, &out); err != nil {
				t.Fatalf("extractJSON() error = %v", err)
			}
			if out.Name != "Setup" {
				t.Errorf("Name = %q, want Setup", out.Name)
			}
		})
	}
}

func TestExtractJSON_NestedBraces(t *testing.T) {
	t.Parallel()
	var out struct {
		Files []struct {
			Path string `json:"path"`
		} `json:"files"`
	}
	in := `{"files":[{"path":"src/{id}.ts"}]}`
	if err := extractJSON(in, &out); err != nil {
		t.Fatalf("extractJSON() error = %v", err)
	}
	if len(out.Files) != 1 || out.Files[0].Path != "src/{id}.ts" {
		t.Errorf("Files = %+v", out.Files)
	}
}
