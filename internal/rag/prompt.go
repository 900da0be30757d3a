package rag

import (
	"fmt"
	"strings"

	"github.com/gazetteer-labs/gazetteer/models"
	"github.com/gazetteer-labs/gazetteer/provider"
)

const systemPrompt = `You are a research assistant answering questions about a local document archive.
Ground every claim in the numbered source excerpts provided. Cite the excerpts
you used with markers of the form [source N]. If the excerpts do not contain
the answer, say so plainly instead of guessing.`

// PromptConfig bounds the assembled prompt in characters. Budgets are
// counted per section so a long conversation cannot starve the evidence.
type PromptConfig struct {
	// Preamble overrides the default system prompt when non-empty.
	Preamble        string
	EvidenceBudget  int
	HistoryBudget   int
	MaxHistoryTurns int
}

// Prompt is a fully assembled generation request. Evidence holds the
// chunks that made it into the prompt, in citation-number order, so the
// marker [source N] resolves to Evidence[N-1].
type Prompt struct {
	System   string
	History  []provider.Message
	User     string
	Evidence []models.ScoredChunk
}

// BuildPrompt assembles the generation prompt from the ranked hits and the
// session history. Evidence is filled greedily in rank order with whole
// chunks only; a chunk that does not fit the remaining budget is skipped,
// never split. History is filled newest-first under its own budget and
// then restored to chronological order.
func BuildPrompt(question string, hits []models.ScoredChunk, history []models.Turn, cfg PromptConfig) (Prompt, error) {
	if question == "" {
		return Prompt{}, fmt.Errorf("%w: empty question", ErrInvalidInput)
	}
	if len(question) > cfg.EvidenceBudget+cfg.HistoryBudget {
		return Prompt{}, fmt.Errorf("%w: question of %d chars exceeds budget", ErrBudgetExceeded, len(question))
	}

	evidence := make([]models.ScoredChunk, 0, len(hits))
	var sb strings.Builder
	remaining := cfg.EvidenceBudget
	for _, h := range hits {
		block := fmt.Sprintf("[source %d] %s (%s)\n%s\n\n", len(evidence)+1, h.Chunk.Title, h.Chunk.ID, h.Chunk.Text)
		if len(block) > remaining {
			continue
		}
		sb.WriteString(block)
		remaining -= len(block)
		evidence = append(evidence, h)
	}

	user := question
	if len(evidence) > 0 {
		user = fmt.Sprintf("Source excerpts:\n\n%sQuestion: %s", sb.String(), question)
	}

	system := cfg.Preamble
	if system == "" {
		system = systemPrompt
	}

	return Prompt{
		System:   system,
		History:  fillHistory(history, cfg.HistoryBudget, cfg.MaxHistoryTurns),
		User:     user,
		Evidence: evidence,
	}, nil
}

// fillHistory walks the turns newest-first, keeping whole turns while the
// character budget and turn cap allow, then returns them oldest-first.
func fillHistory(turns []models.Turn, budget, maxTurns int) []provider.Message {
	if budget <= 0 || maxTurns <= 0 {
		return nil
	}
	kept := make([]provider.Message, 0, maxTurns)
	remaining := budget
	for i := len(turns) - 1; i >= 0 && len(kept) < maxTurns; i-- {
		t := turns[i]
		if len(t.Content) > remaining {
			break
		}
		kept = append(kept, provider.Message{Role: t.Role, Content: t.Content})
		remaining -= len(t.Content)
	}
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept
}
