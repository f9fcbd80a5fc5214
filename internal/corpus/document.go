// Package corpus provides the reference documents the retrieval engine is
// built from. Sources return the full document sequence in a stable order;
// a document's index in that sequence is its position in the built index.
package corpus

import "strings"

// GeneMulti marks documents that span several genes rather than one.
const GeneMulti = "multi"

// Document is one curated reference entry.
type Document struct {
	ID         string   `json:"id" yaml:"id"`
	Title      string   `json:"title" yaml:"title"`
	Type       string   `json:"type" yaml:"type"`
	Gene       string   `json:"gene" yaml:"gene"`
	Content    string   `json:"content" yaml:"content"`
	References []string `json:"references" yaml:"references"`
}

// SearchText is the text both scorers index: title, gene tag and content,
// space-joined in that order.
func (d Document) SearchText() string {
	return strings.Join([]string{d.Title, d.Gene, d.Content}, " ")
}

// Clone returns a copy that shares no memory with d.
func (d Document) Clone() Document {
	out := d
	if d.References != nil {
		out.References = make([]string, len(d.References))
		copy(out.References, d.References)
	}
	return out
}
