// Package fileset implements the in-memory file collections that flow between transform stages.
//
// A FileSet is a value: once built it never changes. Stages derive new sets through Edit(), which copies the
// index but shares the (never mutated) contents of untouched entries.
package fileset

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"path"
	"sort"
	"strings"
)

// FileSet maps slash-separated relative paths to file contents and remembers the base directory they were
// read from.
type FileSet struct {
	base  string
	files map[string][]byte
}

// Summary describes a FileSet without its contents. It's what reload notifications carry.
type Summary struct {
	Base  string
	Paths []string
	Bytes int64
}

// New returns an empty set rooted at base.
func New(base string) FileSet {
	return FileSet{base: base, files: map[string][]byte{}}
}

// FromMap builds a set from the passed map. The contents are copied.
func FromMap(base string, files map[string][]byte) FileSet {
	b := New(base).Edit()
	for name, content := range files {
		b.Put(name, content)
	}
	return b.Build()
}

// Base returns the directory the set's paths are relative to.
func (s FileSet) Base() string {
	return s.base
}

// Len returns the number of files.
func (s FileSet) Len() int {
	return len(s.files)
}

// Paths returns all paths in lexical order.
func (s FileSet) Paths() []string {
	result := make([]string, 0, len(s.files))
	for name := range s.files {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// Has reports whether the set contains name.
func (s FileSet) Has(name string) bool {
	_, ok := s.files[Clean(name)]
	return ok
}

// Read returns a copy of the content stored under name.
func (s FileSet) Read(name string) ([]byte, bool) {
	content, ok := s.files[Clean(name)]
	if !ok {
		return nil, false
	}
	return bytes.Clone(content), true
}

// Each calls fn for every file in lexical path order. The content slice must not be modified.
func (s FileSet) Each(fn func(name string, content []byte) error) error {
	for _, name := range s.Paths() {
		if err := fn(name, s.files[name]); err != nil {
			return err
		}
	}
	return nil
}

// Summary returns the paths and total size of the set.
func (s FileSet) Summary() Summary {
	sum := Summary{Base: s.base, Paths: s.Paths()}
	for _, content := range s.files {
		sum.Bytes += int64(len(content))
	}
	return sum
}

// Fingerprint returns a stable hash over all paths and contents.
func (s FileSet) Fingerprint() string {
	h := sha256.New()
	for _, name := range s.Paths() {
		h.Write([]byte(name))
		h.Write([]byte{0})
		h.Write(s.files[name])
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// WithBase returns the same files under a different base directory.
func (s FileSet) WithBase(base string) FileSet {
	return FileSet{base: base, files: s.files}
}

// Edit starts a copy-on-write modification of the set. The receiver is left untouched.
func (s FileSet) Edit() *Builder {
	files := make(map[string][]byte, len(s.files))
	for name, content := range s.files {
		files[name] = content
	}
	return &Builder{base: s.base, files: files}
}

// Builder collects changes for a new FileSet.
type Builder struct {
	base  string
	files map[string][]byte
}

// Put stores a copy of content under name, replacing any previous entry.
func (b *Builder) Put(name string, content []byte) *Builder {
	b.files[Clean(name)] = bytes.Clone(content)
	return b
}

// Remove drops name from the set.
func (b *Builder) Remove(name string) *Builder {
	delete(b.files, Clean(name))
	return b
}

// Rename moves an entry. Missing sources are ignored.
func (b *Builder) Rename(from, to string) *Builder {
	from = Clean(from)
	content, ok := b.files[from]
	if !ok {
		return b
	}
	delete(b.files, from)
	b.files[Clean(to)] = content
	return b
}

// Build returns the resulting set. The builder must not be used afterwards.
func (b *Builder) Build() FileSet {
	files := b.files
	b.files = nil
	if files == nil {
		files = map[string][]byte{}
	}
	return FileSet{base: b.base, files: files}
}

// Clean normalizes a relative path to the form used as key.
func Clean(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Clean("/" + name)
	return strings.TrimPrefix(name, "/")
}

// ReplaceExt swaps the extension of name. ext includes the leading dot.
func ReplaceExt(name, ext string) string {
	return strings.TrimSuffix(name, path.Ext(name)) + ext
}
