package workspace

import (
	"bytes"
	"encoding/json"
	"sort"
)

// EntryPoint is the file the sandbox executes.
const EntryPoint = "main.py"

// Bundle is the decoded form of a job's code payload: SingleFile or MultiFile.
type Bundle interface {
	Files() []File
	isBundle()
}

type File struct {
	Name    string
	Content string
}

// SingleFile is a raw payload written verbatim to main.py.
type SingleFile struct {
	Content string
}

func (SingleFile) isBundle() {}

func (b SingleFile) Files() []File {
	return []File{{Name: EntryPoint, Content: b.Content}}
}

// MultiFile maps relative file names to their contents.
type MultiFile map[string]string

func (MultiFile) isBundle() {}

// Files returns the entries sorted by name.
func (b MultiFile) Files() []File {
	files := make([]File, 0, len(b))
	for name, content := range b {
		files = append(files, File{Name: name, Content: content})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files
}

// DecodeBundle decides once how a payload is interpreted. A non-empty JSON
// object whose values are all strings or {"content": string} objects is a
// MultiFile; anything else is a SingleFile holding raw unchanged.
func DecodeBundle(raw string) Bundle {
	var entries map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &entries); err != nil || len(entries) == 0 {
		return SingleFile{Content: raw}
	}

	files := make(MultiFile, len(entries))
	for name, value := range entries {
		content, ok := decodeEntry(value)
		if !ok {
			return SingleFile{Content: raw}
		}
		files[name] = content
	}
	return files
}

func decodeEntry(value json.RawMessage) (string, bool) {
	if bytes.Equal(bytes.TrimSpace(value), []byte("null")) {
		return "", false
	}

	var s string
	if err := json.Unmarshal(value, &s); err == nil {
		return s, true
	}

	var obj struct {
		Content *string `json:"content"`
	}
	if err := json.Unmarshal(value, &obj); err != nil || obj.Content == nil {
		return "", false
	}
	return *obj.Content, true
}
