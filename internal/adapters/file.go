// Package adapters reads import documents from their sources.
package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"gopkg.in/yaml.v3"

	"github.com/Napageneral/iatimport/internal/records"
)

// Format is the encoding of a document file.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// StdinPath makes the file adapter read standard input.
const StdinPath = "-"

var ErrEmptyDocument = errors.New("adapters: document is empty")

// Loaded is a decoded document together with the raw bytes it came from,
// so the ledger can hash exactly what was read.
type Loaded struct {
	Document *records.ImportDocument
	Source   string
	Format   Format
	Raw      []byte
}

// FileAdapter reads one ImportDocument from a JSON or YAML file.
type FileAdapter struct {
	path   string
	format Format
	stdin  io.Reader
}

// NewFileAdapter checks that path exists. The format comes from the file
// extension, or is sniffed from the content when the extension says nothing.
func NewFileAdapter(path string) (*FileAdapter, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("file adapter requires a path (or %q for stdin)", StdinPath)
	}
	a := &FileAdapter{path: path, stdin: os.Stdin}
	if path == StdinPath {
		return a, nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrapf(err, "document not found at %s", path)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		a.format = FormatJSON
	case ".yaml", ".yml":
		a.format = FormatYAML
	}
	return a, nil
}

// SetStdin replaces the reader used for the "-" path.
func (a *FileAdapter) SetStdin(r io.Reader) {
	if r != nil {
		a.stdin = r
	}
}

// Name is the stable source name recorded in the ledger.
func (a *FileAdapter) Name() string {
	if a.path == StdinPath {
		return "stdin"
	}
	if abs, err := filepath.Abs(a.path); err == nil {
		return abs
	}
	return a.path
}

// Load reads and decodes the document. Records without an index get their
// position inside their kind group.
func (a *FileAdapter) Load(ctx context.Context) (*Loaded, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		raw []byte
		err error
	)
	if a.path == StdinPath {
		raw, err = io.ReadAll(a.stdin)
	} else {
		raw, err = os.ReadFile(a.path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", a.path)
	}

	format := a.format
	if format == "" {
		format = Sniff(raw)
	}
	doc, err := Decode(raw, format)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", a.path)
	}
	if doc.Source == "" {
		doc.Source = a.Name()
	}
	return &Loaded{Document: doc, Source: a.Name(), Format: format, Raw: raw}, nil
}

// Sniff guesses the format of raw: a leading '{' means JSON.
func Sniff(raw []byte) Format {
	if bytes.HasPrefix(bytes.TrimSpace(raw), []byte("{")) {
		return FormatJSON
	}
	return FormatYAML
}

// Decode parses a document. YAML is converted to the JSON envelope form so
// both encodings share one record codec.
func Decode(raw []byte, format Format) (*records.ImportDocument, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, ErrEmptyDocument
	}
	if format == FormatYAML {
		var tree any
		if err := yaml.Unmarshal(raw, &tree); err != nil {
			return nil, errors.Wrap(err, "yaml")
		}
		converted, err := json.Marshal(jsonable(tree, ""))
		if err != nil {
			return nil, errors.Wrap(err, "yaml to json")
		}
		raw = converted
	}

	var doc records.ImportDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrap(err, "json")
	}
	if err := doc.AssignIndexes(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// typedKeys hold the only non-string scalars of the record codec. Every
// other YAML scalar is passed on as a string, so unquoted codes such as
// `code: 11220` decode into string fields and decimals parse from text.
var typedKeys = map[string]bool{
	"index":       true,
	"latitude":    true,
	"longitude":   true,
	"aggregation": true,
}

// jsonable rewrites a decoded YAML tree into values encoding/json accepts
// for the record codec. Unquoted YAML dates come back as time.Time and are
// turned back into the document's YYYY-MM-DD form.
func jsonable(v any, key string) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = jsonable(val, k)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			name := fmt.Sprint(k)
			out[name] = jsonable(val, name)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = jsonable(val, key)
		}
		return out
	case time.Time:
		if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
			return t.Format("2006-01-02")
		}
		return t.Format(time.RFC3339)
	case int, int64, uint64, float64, bool:
		if typedKeys[key] {
			return t
		}
		return fmt.Sprint(t)
	}
	return v
}
