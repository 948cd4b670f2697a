// Package workspace implements a minimal content-addressed version control
// store used as the canonical file store for generated projects. Objects
// (blobs, trees, commits) live in a key/value table keyed by SHA-256; refs
// live in a second table with HEAD pointing at the default branch.
package workspace

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ObjectType identifies the kind of a stored object.
type ObjectType string

const (
	TypeBlob   ObjectType = "blob"
	TypeTree   ObjectType = "tree"
	TypeCommit ObjectType = "commit"
	TypeTag    ObjectType = "tag"
)

// Object is one immutable entry in the object store.
type Object struct {
	OID  string
	Type ObjectType
	Data []byte
}

// Signature identifies an author or committer with a whole-second timestamp.
type Signature struct {
	Name  string
	Email string
	When  int64 // unix seconds
}

// String renders the signature in wire form.
func (s Signature) String() string {
	return fmt.Sprintf("%s <%s> %d", s.Name, s.Email, s.When)
}

// DefaultAuthor is used when the caller supplies no identity.
var DefaultAuthor = Signature{Name: "Vibesdk", Email: "vibesdk-bot@vibesdk.dev"}

// CommitInfo is a decoded commit object.
type CommitInfo struct {
	OID     string
	Tree    string
	Parents []string
	Author  Signature
	Message string
}

// TreeEntry is one row of a tree object.
type TreeEntry struct {
	Mode string // "100644" for blobs, "40000" for trees
	Type ObjectType
	OID  string
	Name string
}

// HashObject computes the content address for an object of the given type.
// The payload is framed with its type and length so identical bytes of
// different kinds never collide.
func HashObject(typ ObjectType, data []byte) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s %d\x00", typ, len(data))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// EncodeTree serializes tree entries sorted by name, so identical contents
// always produce identical oids.
func EncodeTree(entries []TreeEntry) []byte {
	sorted := make([]TreeEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	var buf bytes.Buffer
	for _, e := range sorted {
		fmt.Fprintf(&buf, "%s %s %s\t%s\n", e.Mode, e.Type, e.OID, e.Name)
	}
	return buf.Bytes()
}

// DecodeTree parses a tree object payload.
func DecodeTree(data []byte) ([]TreeEntry, error) {
	var entries []TreeEntry
	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		if line == "" {
			continue
		}
		head, name, ok := strings.Cut(line, "\t")
		if !ok {
			return nil, fmt.Errorf("malformed tree entry %q", line)
		}
		parts := strings.SplitN(head, " ", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("malformed tree entry %q", line)
		}
		entries = append(entries, TreeEntry{
			Mode: parts[0],
			Type: ObjectType(parts[1]),
			OID:  parts[2],
			Name: name,
		})
	}
	return entries, nil
}

// EncodeCommit serializes a commit object payload.
func EncodeCommit(tree string, parents []string, author Signature, message string) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "tree %s\n", tree)
	for _, p := range parents {
		fmt.Fprintf(&buf, "parent %s\n", p)
	}
	fmt.Fprintf(&buf, "author %s\n", author)
	fmt.Fprintf(&buf, "committer %s\n", author)
	fmt.Fprintf(&buf, "\n%s\n", message)
	return buf.Bytes()
}

// DecodeCommit parses a commit object payload.
func DecodeCommit(oid string, data []byte) (*CommitInfo, error) {
	headers, message, _ := strings.Cut(string(data), "\n\n")
	info := &CommitInfo{OID: oid, Message: strings.TrimRight(message, "\n")}
	for _, line := range strings.Split(headers, "\n") {
		key, value, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		switch key {
		case "tree":
			info.Tree = value
		case "parent":
			info.Parents = append(info.Parents, value)
		case "author":
			sig, err := parseSignature(value)
			if err != nil {
				return nil, fmt.Errorf("commit %s: %w", oid, err)
			}
			info.Author = sig
		}
	}
	if info.Tree == "" {
		return nil, fmt.Errorf("commit %s: missing tree", oid)
	}
	return info, nil
}

func parseSignature(s string) (Signature, error) {
	open := strings.Index(s, "<")
	close := strings.Index(s, ">")
	if open < 0 || close < open {
		return Signature{}, fmt.Errorf("malformed signature %q", s)
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(s[close+1:]), 10, 64)
	if err != nil {
		return Signature{}, fmt.Errorf("malformed signature timestamp %q", s)
	}
	return Signature{
		Name:  strings.TrimSpace(s[:open]),
		Email: s[open+1 : close],
		When:  ts,
	}, nil
}

// NowSeconds returns the current time truncated to whole seconds.
func NowSeconds() int64 {
	return time.Now().Unix()
}

// IsBinary reports whether blob bytes look binary. Blobs containing a NUL
// byte are skipped when reading files out of a commit.
func IsBinary(data []byte) bool {
	return bytes.IndexByte(data, 0) >= 0
}

// NormalizePath strips a leading slash and collapses repeated separators.
func NormalizePath(path string) string {
	path = strings.TrimPrefix(strings.TrimSpace(path), "/")
	for strings.Contains(path, "//") {
		path = strings.ReplaceAll(path, "//", "/")
	}
	return path
}
