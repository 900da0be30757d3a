package rag

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"testing"

	"github.com/gazetteer-labs/gazetteer/models"
	"github.com/gazetteer-labs/gazetteer/provider"
)

type stubRetriever struct {
	result models.RetrievalResult
	err    error
}

func (s stubRetriever) Retrieve(context.Context, models.Query) (models.RetrievalResult, error) {
	return s.result, s.err
}

type stubGenerator struct {
	result provider.GenerationResult
	err    error
}

func (s stubGenerator) Generate(context.Context, string, []provider.Message, string) (provider.GenerationResult, error) {
	return s.result, s.err
}

type memSessions struct {
	turns map[string][]models.Turn
	err   error
}

func newMemSessions() *memSessions {
	return &memSessions{turns: make(map[string][]models.Turn)}
}

func (m *memSessions) History(id string) ([]models.Turn, error) {
	return m.turns[id], m.err
}

func (m *memSessions) Append(id string, turns ...models.Turn) error {
	if m.err != nil {
		return m.err
	}
	m.turns[id] = append(m.turns[id], turns...)
	return nil
}

func promptCfg() PromptConfig {
	return PromptConfig{EvidenceBudget: 4000, HistoryBudget: 2000, MaxHistoryTurns: 10}
}

func ragLogger() *log.Logger {
	return log.New(os.Stderr, "[RAG-TEST] ", log.LstdFlags)
}

func rankedHits() models.RetrievalResult {
	return models.RetrievalResult{Hits: []models.ScoredChunk{
		{Chunk: models.DocumentChunk{ID: "a#0000", DocumentID: "a", Title: "Reservoir survey", Text: "the reservoir was drained in 1951"}, Composite: 0.8},
		{Chunk: models.DocumentChunk{ID: "b#0000", DocumentID: "b", Title: "Parish ledger", Text: "maintenance entries for the sluice"}, Composite: 0.5},
	}}
}

func TestAskExtractsCitationsAndRecordsTurns(t *testing.T) {
	sessions := newMemSessions()
	o := NewOrchestrator(
		stubRetriever{result: rankedHits()},
		stubGenerator{result: provider.GenerationResult{Content: "It was drained in 1951 [source 1]."}},
		sessions, promptCfg(), ragLogger(),
	)

	ans, err := o.Ask(context.Background(), "s1", "when was the reservoir drained?", models.Filters{})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if len(ans.Citations) != 1 || ans.Citations[0].ChunkID != "a#0000" {
		t.Fatalf("expected citation of a#0000, got %+v", ans.Citations)
	}
	if ans.Degraded {
		t.Fatal("unexpected degraded answer")
	}

	turns := sessions.turns["s1"]
	if len(turns) != 2 {
		t.Fatalf("expected 2 recorded turns, got %d", len(turns))
	}
	if turns[0].Role != models.RoleUser || turns[1].Role != models.RoleAssistant {
		t.Fatalf("turn roles wrong: %+v", turns)
	}
	if len(turns[1].CitedChunkIDs) != 1 || turns[1].CitedChunkIDs[0] != "a#0000" {
		t.Fatalf("assistant turn missing cited chunk: %+v", turns[1])
	}
}

func TestAskUnmarkedCompletionCitesAllEvidence(t *testing.T) {
	o := NewOrchestrator(
		stubRetriever{result: rankedHits()},
		stubGenerator{result: provider.GenerationResult{Content: "It was drained in 1951."}},
		newMemSessions(), promptCfg(), ragLogger(),
	)

	ans, err := o.Ask(context.Background(), "s1", "when was the reservoir drained?", models.Filters{})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if len(ans.Citations) != 2 {
		t.Fatalf("expected all evidence cited, got %+v", ans.Citations)
	}
}

func TestAskIgnoresOutOfRangeMarkers(t *testing.T) {
	o := NewOrchestrator(
		stubRetriever{result: rankedHits()},
		stubGenerator{result: provider.GenerationResult{Content: "see [source 2] and [source 9]"}},
		newMemSessions(), promptCfg(), ragLogger(),
	)

	ans, err := o.Ask(context.Background(), "s1", "question", models.Filters{})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if len(ans.Citations) != 1 || ans.Citations[0].ChunkID != "b#0000" {
		t.Fatalf("expected only the in-range marker, got %+v", ans.Citations)
	}
}

func TestAskConfidenceBlendsCertainty(t *testing.T) {
	certainty := 0.6
	o := NewOrchestrator(
		stubRetriever{result: rankedHits()},
		stubGenerator{result: provider.GenerationResult{Content: "answer [source 1]", Certainty: &certainty}},
		newMemSessions(), promptCfg(), ragLogger(),
	)

	ans, err := o.Ask(context.Background(), "s1", "question", models.Filters{})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	want := 0.5*0.8 + 0.5*0.6
	if ans.Confidence != want {
		t.Fatalf("confidence = %f, want %f", ans.Confidence, want)
	}
}

func TestAskRetrievalFailureDegradesToHistoryOnly(t *testing.T) {
	o := NewOrchestrator(
		stubRetriever{err: errors.New("index offline")},
		stubGenerator{result: provider.GenerationResult{Content: "from memory"}},
		newMemSessions(), promptCfg(), ragLogger(),
	)

	ans, err := o.Ask(context.Background(), "s1", "question", models.Filters{})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if !ans.Degraded {
		t.Fatal("expected degraded answer when retrieval fails")
	}
	if len(ans.Citations) != 0 {
		t.Fatalf("unexpected citations without evidence: %+v", ans.Citations)
	}
}

func TestAskGenerationFailureIsTransient(t *testing.T) {
	o := NewOrchestrator(
		stubRetriever{result: rankedHits()},
		stubGenerator{err: errors.New("rate limited")},
		newMemSessions(), promptCfg(), ragLogger(),
	)

	_, err := o.Ask(context.Background(), "s1", "question", models.Filters{})
	if !errors.Is(err, ErrTransientUpstream) {
		t.Fatalf("expected ErrTransientUpstream, got %v", err)
	}
}

type recordingGenerator struct {
	mu        sync.Mutex
	histories [][]provider.Message
}

func (g *recordingGenerator) Generate(_ context.Context, _ string, history []provider.Message, _ string) (provider.GenerationResult, error) {
	g.mu.Lock()
	g.histories = append(g.histories, history)
	g.mu.Unlock()
	return provider.GenerationResult{Content: "answer"}, nil
}

func TestAskSerializesConcurrentMessagesInOneSession(t *testing.T) {
	sessions := newMemSessions()
	gen := &recordingGenerator{}
	o := NewOrchestrator(stubRetriever{}, gen, sessions, promptCfg(), ragLogger())

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := o.Ask(context.Background(), "s1", "question", models.Filters{}); err != nil {
				t.Errorf("Ask: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := len(sessions.turns["s1"]); got != 4 {
		t.Fatalf("expected 4 recorded turns, got %d", got)
	}
	// Whichever message ran second must have seen the first exchange.
	if len(gen.histories) != 2 {
		t.Fatalf("expected 2 generation calls, got %d", len(gen.histories))
	}
	first, second := len(gen.histories[0]), len(gen.histories[1])
	if first > second {
		first, second = second, first
	}
	if first != 0 || second != 2 {
		t.Fatalf("expected one call with empty history and one with the prior exchange, got %d and %d", first, second)
	}
	if n := o.locks.Len(); n != 0 {
		t.Fatalf("expected session locks reclaimed after both exchanges, %d remain", n)
	}
}

func TestAskRejectsEmptyInput(t *testing.T) {
	o := NewOrchestrator(stubRetriever{}, stubGenerator{}, newMemSessions(), promptCfg(), ragLogger())

	if _, err := o.Ask(context.Background(), "s1", "", models.Filters{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty question, got %v", err)
	}
	if _, err := o.Ask(context.Background(), "", "question", models.Filters{}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty session, got %v", err)
	}
}
