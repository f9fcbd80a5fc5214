package corpus

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	apperrors "github.com/gciqs/gciqs/pkg/errors"
)

//go:embed data/genomic_kb.yaml
var embeddedKB []byte

// Source supplies the document corpus.
type Source interface {
	// All returns every document in a stable order.
	All(ctx context.Context) ([]Document, error)
	// Get returns the document with the given external id.
	Get(ctx context.Context, id string) (Document, error)
}

// Static is an in-memory Source over a fixed document sequence.
type Static struct {
	docs  []Document
	byID  map[string]int
	label string
}

// NewStatic returns a Source over a copy of docs. Later duplicates of an id
// are rejected.
func NewStatic(label string, docs []Document) (*Static, error) {
	s := &Static{
		docs:  make([]Document, 0, len(docs)),
		byID:  make(map[string]int, len(docs)),
		label: label,
	}
	for i, d := range docs {
		id := strings.TrimSpace(d.ID)
		if id == "" {
			return nil, fmt.Errorf("%s: document %d: %w: id is required", label, i, apperrors.ErrInvalidInput)
		}
		if _, dup := s.byID[id]; dup {
			return nil, fmt.Errorf("%s: %w: duplicate document id %q", label, apperrors.ErrInvalidInput, id)
		}
		s.byID[id] = len(s.docs)
		s.docs = append(s.docs, d.Clone())
	}
	return s, nil
}

// All returns copies of the documents in their original order.
func (s *Static) All(_ context.Context) ([]Document, error) {
	out := make([]Document, len(s.docs))
	for i, d := range s.docs {
		out[i] = d.Clone()
	}
	return out, nil
}

// Get returns a copy of the document with the given id.
func (s *Static) Get(_ context.Context, id string) (Document, error) {
	i, ok := s.byID[id]
	if !ok {
		return Document{}, fmt.Errorf("%s: %w: %s", s.label, apperrors.ErrDocumentNotFound, id)
	}
	return s.docs[i].Clone(), nil
}

// Len returns the number of documents.
func (s *Static) Len() int {
	return len(s.docs)
}

// String names the source for logs.
func (s *Static) String() string {
	return s.label
}

// Parse decodes a YAML document list.
func Parse(data []byte) ([]Document, error) {
	var docs []Document
	if err := yaml.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("parsing corpus: %w", err)
	}
	for i := range docs {
		docs[i].Content = strings.TrimSpace(docs[i].Content)
		if docs[i].References == nil {
			docs[i].References = []string{}
		}
	}
	return docs, nil
}

// Embedded returns the curated genomic knowledge base compiled into the
// binary.
func Embedded() (*Static, error) {
	docs, err := Parse(embeddedKB)
	if err != nil {
		return nil, fmt.Errorf("embedded knowledge base: %w", err)
	}
	return NewStatic("embedded", docs)
}

// FromFile loads a YAML document list from path.
func FromFile(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading corpus file %s: %w", path, err)
	}
	docs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("corpus file %s: %w", path, err)
	}
	return NewStatic(path, docs)
}

// FileSource re-reads a YAML corpus file on every All call, so a rebuild
// picks up edits to the file.
type FileSource struct {
	path string
}

// NewFileSource returns a FileSource for path. The file is read once to
// validate it.
func NewFileSource(path string) (*FileSource, error) {
	if _, err := FromFile(path); err != nil {
		return nil, err
	}
	return &FileSource{path: path}, nil
}

func (f *FileSource) All(ctx context.Context) ([]Document, error) {
	s, err := FromFile(f.path)
	if err != nil {
		return nil, err
	}
	return s.All(ctx)
}

func (f *FileSource) Get(ctx context.Context, id string) (Document, error) {
	s, err := FromFile(f.path)
	if err != nil {
		return Document{}, err
	}
	return s.Get(ctx, id)
}

// Path returns the file the source reads.
func (f *FileSource) Path() string {
	return f.path
}
