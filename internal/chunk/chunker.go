package chunk

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"

	"github.com/gazetteer-labs/gazetteer/models"
)

// Params controls chunk boundaries. The same text and params always
// produce the same chunk set.
type Params struct {
	MaxChars int // maximum chunk length in runes
	Overlap  int // runes shared between consecutive chunks
}

// DefaultParams mirrors the configured defaults.
func DefaultParams() Params {
	return Params{MaxChars: 1000, Overlap: 200}
}

var sentenceEnders = map[rune]bool{
	'.': true, '!': true, '?': true,
	'。': true, '！': true, '？': true, '；': true,
}

// Split produces the deterministic chunk set for a document. Boundaries
// prefer paragraph breaks, then sentence ends, then whitespace, never
// cutting below half of MaxChars so chunks stay usefully sized.
func Split(doc models.Document, p Params) []models.DocumentChunk {
	text := strings.TrimSpace(doc.Text)
	if text == "" {
		return nil
	}
	if p.MaxChars <= 0 {
		p = DefaultParams()
	}
	if p.Overlap < 0 || p.Overlap >= p.MaxChars {
		p.Overlap = p.MaxChars / 5
	}

	runes := []rune(text)
	var pieces []string
	for start := 0; start < len(runes); {
		end := start + p.MaxChars
		if end >= len(runes) {
			pieces = append(pieces, string(runes[start:]))
			break
		}
		end = boundary(runes, start, end)
		pieces = append(pieces, string(runes[start:end]))
		next := end - p.Overlap
		if next <= start {
			next = end
		}
		start = next
	}

	chunks := make([]models.DocumentChunk, 0, len(pieces))
	for seq, piece := range pieces {
		chunks = append(chunks, models.DocumentChunk{
			ID:          fmt.Sprintf("%s#%04d", doc.ID, seq),
			DocumentID:  doc.ID,
			Seq:         seq,
			Text:        piece,
			CharLen:     len([]rune(piece)),
			ContentHash: hashText(piece),
			Title:       doc.Title,
			Region:      doc.Region,
			Year:        doc.Year,
			CategoryID:  doc.CategoryID,
			Status:      doc.Status,
			Keywords:    Keywords(piece, 8),
		})
	}
	return chunks
}

// boundary finds the best split point in (start+MaxChars/2, limit].
func boundary(runes []rune, start, limit int) int {
	floor := start + (limit-start)/2

	// Paragraph break wins.
	for i := limit - 1; i > floor; i-- {
		if runes[i] == '\n' && i > 0 && runes[i-1] == '\n' {
			return i + 1
		}
	}
	// Then a sentence end.
	for i := limit - 1; i > floor; i-- {
		if sentenceEnders[runes[i]] {
			return i + 1
		}
	}
	// Then any whitespace.
	for i := limit - 1; i > floor; i-- {
		if unicode.IsSpace(runes[i]) {
			return i + 1
		}
	}
	return limit
}

// Hash returns the content hash used to detect unchanged documents.
func Hash(text string) string {
	return hashText(strings.TrimSpace(text))
}

func hashText(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}
