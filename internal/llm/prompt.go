package llm

import (
	"fmt"
	"strings"

	"github.com/gciqs/gciqs/internal/corpus"
)

// SystemPrompt frames the model as a genomics research assistant that cites
// the retrieved documents.
const SystemPrompt = `You are a genomics and molecular biology research assistant with deep expertise
in cancer genetics, variant interpretation, CRISPR technology, and clinical
oncology. You have access to a curated knowledge base of genomic annotations,
pathway descriptions, and clinical guidelines.

When answering questions:
1. Ground your response in the provided reference documents. Cite them by
   their document IDs (e.g., [DOC-001]) when you use information from them.
2. Distinguish between well-established facts and emerging research.
3. Use precise molecular biology terminology but explain complex concepts
   when appropriate.
4. For clinical questions, note that your answers are informational and
   should not replace professional medical advice.
5. If the provided context is insufficient to fully answer the question,
   say so explicitly. Do not fabricate information.
6. Structure your answer clearly: start with a direct answer, then provide
   supporting detail and mechanism where relevant.
7. When discussing mutations, include the standard nomenclature (HGVS)
   and note the functional consequence (gain/loss of function, etc.).
`

// NoContext replaces the context block when retrieval found nothing.
const NoContext = "No relevant documents were retrieved."

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// FormatContext renders docs as the context block of the user message.
func FormatContext(docs []corpus.Document) string {
	if len(docs) == 0 {
		return NoContext
	}
	parts := make([]string, 0, len(docs))
	for _, d := range docs {
		gene := d.Gene
		if gene == "" {
			gene = "N/A"
		}
		var b strings.Builder
		fmt.Fprintf(&b, "--- [%s] %s ---\n", d.ID, d.Title)
		fmt.Fprintf(&b, "Type: %s | Gene: %s\n", d.Type, gene)
		b.WriteString(d.Content)
		b.WriteByte('\n')
		fmt.Fprintf(&b, "References: %s\n", strings.Join(d.References, "; "))
		parts = append(parts, b.String())
	}
	return strings.Join(parts, "\n")
}

// BuildMessages assembles the system and user messages for query.
func BuildMessages(query string, docs []corpus.Document) []Message {
	user := "## Retrieved Context\n\n" + FormatContext(docs) +
		"\n\n## Question\n\n" + query +
		"\n\nPlease provide a thorough, well-cited answer based on the context above."
	return []Message{
		{Role: "system", Content: SystemPrompt},
		{Role: "user", Content: user},
	}
}
