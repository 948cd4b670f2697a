package operations

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/ntheanh201/vibesdk/internal/core"
)

// File block markers used in the implementation wire format. The model
// emits whole files between these fences so generation can stream.
const (
	fileOpenPrefix = "<<<FILE "
	fileOpenSuffix = ">>>"
	fileClose      = "<<<END_FILE>>>"
)

var fileAttrRe = regexp.MustCompile(`(\w+)="((?:[^"\\]|\\.)*)"`)

// FileStreamParser incrementally parses streamed model output into file
// events. Feed raw chunks in arrival order; callbacks fire as soon as the
// corresponding markers complete. The parser is single-use.
type FileStreamParser struct {
	buf       strings.Builder
	scanned   int
	current   *core.FileOutput
	callbacks ImplementCallbacks
	files     []core.FileOutput
}

// NewFileStreamParser creates a parser delivering events to cb.
func NewFileStreamParser(cb ImplementCallbacks) *FileStreamParser {
	return &FileStreamParser{callbacks: cb}
}

// Feed consumes one streamed chunk.
func (p *FileStreamParser) Feed(chunk string) {
	p.buf.WriteString(chunk)
	p.scan()
}

// Files returns the completed files in emission order.
func (p *FileStreamParser) Files() []core.FileOutput {
	return p.files
}

// Remainder returns text outside any file block, typically the trailing
// JSON with commands and deletions.
func (p *FileStreamParser) Remainder() string {
	text := p.buf.String()
	var outside strings.Builder
	for {
		open := strings.Index(text, fileOpenPrefix)
		if open < 0 {
			outside.WriteString(text)
			break
		}
		outside.WriteString(text[:open])
		end := strings.Index(text[open:], fileClose)
		if end < 0 {
			break
		}
		text = text[open+end+len(fileClose):]
	}
	return outside.String()
}

func (p *FileStreamParser) scan() {
	text := p.buf.String()
	for {
		if p.current == nil {
			open := strings.Index(text[p.scanned:], fileOpenPrefix)
			if open < 0 {
				return
			}
			start := p.scanned + open
			headerEnd := strings.Index(text[start:], fileOpenSuffix)
			if headerEnd < 0 {
				return // header incomplete, wait for more chunks
			}
			header := text[start+len(fileOpenPrefix) : start+headerEnd]
			f := parseFileHeader(header)
			p.current = &f
			p.scanned = start + headerEnd + len(fileOpenSuffix)
			if strings.HasPrefix(text[p.scanned:], "\n") {
				p.scanned++
			}
			if p.callbacks.OnFileGenerating != nil {
				p.callbacks.OnFileGenerating(f.FilePath)
			}
			continue
		}

		close := strings.Index(text[p.scanned:], fileClose)
		if close < 0 {
			// Stream the stable part of the contents, holding back enough
			// bytes that a split close marker is never emitted as content.
			safe := len(text) - p.scanned - len(fileClose)
			if safe > 0 {
				segment := text[p.scanned : p.scanned+safe]
				p.current.FileContents += segment
				p.scanned += safe
				if p.callbacks.OnFileChunk != nil {
					p.callbacks.OnFileChunk(p.current.FilePath, segment)
				}
			}
			return
		}

		segment := text[p.scanned : p.scanned+close]
		if segment != "" && p.callbacks.OnFileChunk != nil {
			p.callbacks.OnFileChunk(p.current.FilePath, segment)
		}
		p.current.FileContents += segment
		p.current.FileContents = strings.TrimSuffix(p.current.FileContents, "\n")
		p.scanned += close + len(fileClose)

		done := *p.current
		p.files = append(p.files, done)
		p.current = nil
		if p.callbacks.OnFileGenerated != nil {
			p.callbacks.OnFileGenerated(done)
		}
	}
}

func parseFileHeader(header string) core.FileOutput {
	var f core.FileOutput
	for _, m := range fileAttrRe.FindAllStringSubmatch(header, -1) {
		value := strings.ReplaceAll(m[2], `\"`, `"`)
		switch m[1] {
		case "path":
			f.FilePath = value
		case "purpose":
			f.FilePurpose = value
		}
	}
	return f
}

// extractJSON pulls the first JSON object or array out of model text,
// tolerating markdown fences and prose around it.
func extractJSON(text string, target any) error {
	text = strings.TrimSpace(text)
	if fenced := fencedBlockRe.FindStringSubmatch(text); fenced != nil {
		text = fenced[1]
	}

	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return fmt.Errorf("no JSON found in model output")
	}
	opener := text[start]
	closer := byte('}')
	if opener == '[' {
		closer = ']'
	}
	depth := 0
	inString := false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case inString:
			if c == '\\' {
				i++
			} else if c == '"' {
				inString = false
			}
		case c == '"':
			inString = true
		case c == opener:
			depth++
		case c == closer:
			depth--
			if depth == 0 {
				return json.Unmarshal([]byte(text[start:i+1]), target)
			}
		}
	}
	return fmt.Errorf("unterminated JSON in model output")
}

var fencedBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*(.*?)```")
