package rag

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"time"

	"github.com/gazetteer-labs/gazetteer/internal/locks"
	"github.com/gazetteer-labs/gazetteer/models"
	"github.com/gazetteer-labs/gazetteer/provider"
)

// Retriever produces the ranked evidence for a question.
type Retriever interface {
	Retrieve(ctx context.Context, q models.Query) (models.RetrievalResult, error)
}

// Sessions is the conversation memory the orchestrator reads and appends
// to. History returns turns oldest-first.
type Sessions interface {
	History(sessionID string) ([]models.Turn, error)
	Append(sessionID string, turns ...models.Turn) error
}

// Citation resolves one [source N] marker back to the chunk it cites.
type Citation struct {
	Ordinal    int    `json:"ordinal"`
	ChunkID    string `json:"chunk_id"`
	DocumentID string `json:"document_id"`
	Title      string `json:"title,omitempty"`
}

// Answer is the outcome of one conversational exchange.
type Answer struct {
	SessionID  string     `json:"session_id"`
	Content    string     `json:"content"`
	Citations  []Citation `json:"citations,omitempty"`
	Confidence float64    `json:"confidence"`
	Degraded   bool       `json:"degraded"`
}

// Orchestrator drives one exchange end to end: retrieve evidence, build
// the prompt, generate, extract citations, and record both turns.
type Orchestrator struct {
	retriever Retriever
	generator provider.Generator
	sessions  Sessions
	promptCfg PromptConfig
	logger    *log.Logger
	locks     locks.Keyed
}

// NewOrchestrator wires the exchange pipeline together.
func NewOrchestrator(retriever Retriever, generator provider.Generator, sessions Sessions, promptCfg PromptConfig, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.Default()
	}
	return &Orchestrator{
		retriever: retriever,
		generator: generator,
		sessions:  sessions,
		promptCfg: promptCfg,
		logger:    logger,
	}
}

var citationMarker = regexp.MustCompile(`\[source (\d+)\]`)

// Ask answers the question inside the session and appends both turns to
// the conversation. Retrieval degradation is surfaced in the answer, not
// as an error; only input, budget, and generation failures abort.
func (o *Orchestrator) Ask(ctx context.Context, sessionID, question string, filters models.Filters) (Answer, error) {
	if question == "" {
		return Answer{}, fmt.Errorf("%w: empty question", ErrInvalidInput)
	}
	if sessionID == "" {
		return Answer{}, fmt.Errorf("%w: session id required", ErrInvalidInput)
	}
	// Concurrent messages in one conversation run one at a time, each
	// observing the turns the previous one recorded.
	o.locks.Lock(sessionID)
	defer o.locks.Unlock(sessionID)
	start := time.Now()

	history, err := o.sessions.History(sessionID)
	if err != nil {
		return Answer{}, fmt.Errorf("load history: %w", err)
	}

	res, err := o.retriever.Retrieve(ctx, models.Query{Text: question, Filters: filters, SessionID: sessionID})
	if err != nil {
		if errors.Is(err, ErrInvalidInput) {
			return Answer{}, err
		}
		// A dead retrieval layer still leaves the conversation able to
		// answer from history alone.
		o.logger.Printf("retrieval failed for session %s, answering without evidence: %v", sessionID, err)
		res = models.RetrievalResult{Degraded: true}
	}

	prompt, err := BuildPrompt(question, res.Hits, history, o.promptCfg)
	if err != nil {
		return Answer{}, err
	}
	degraded := res.Degraded || (len(res.Hits) > 0 && len(prompt.Evidence) == 0)

	gen, err := o.generator.Generate(ctx, prompt.System, prompt.History, prompt.User)
	if err != nil {
		o.logger.Printf("generation failed for session %s: %v", sessionID, err)
		return Answer{}, fmt.Errorf("%w: %v", ErrTransientUpstream, err)
	}

	citations := extractCitations(gen.Content, prompt.Evidence)
	ans := Answer{
		SessionID:  sessionID,
		Content:    gen.Content,
		Citations:  citations,
		Confidence: confidence(res.Hits, gen.Certainty),
		Degraded:   degraded,
	}

	now := time.Now().UTC()
	cited := make([]string, 0, len(citations))
	for _, c := range citations {
		cited = append(cited, c.ChunkID)
	}
	err = o.sessions.Append(sessionID,
		models.Turn{Role: models.RoleUser, Content: question, CreatedAt: now},
		models.Turn{Role: models.RoleAssistant, Content: gen.Content, CitedChunkIDs: cited, CreatedAt: now},
	)
	if err != nil {
		// The answer is already generated; losing the turn log is the
		// lesser failure. Surface it in the logs only.
		o.logger.Printf("failed to record turns for session %s: %v", sessionID, err)
	}

	o.logger.Printf("session %s answered in %s (evidence=%d citations=%d degraded=%t)",
		sessionID, time.Since(start).Round(time.Millisecond), len(prompt.Evidence), len(citations), ans.Degraded)
	return ans, nil
}

// extractCitations resolves the [source N] markers in the completion. A
// completion with evidence but no markers cites every supplied excerpt,
// since the model drew on the block as a whole.
func extractCitations(content string, evidence []models.ScoredChunk) []Citation {
	if len(evidence) == 0 {
		return nil
	}
	seen := make(map[int]bool)
	var out []Citation
	for _, m := range citationMarker.FindAllStringSubmatch(content, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > len(evidence) || seen[n] {
			continue
		}
		seen[n] = true
		c := evidence[n-1].Chunk
		out = append(out, Citation{Ordinal: n, ChunkID: c.ID, DocumentID: c.DocumentID, Title: c.Title})
	}
	if len(out) > 0 {
		return out
	}
	out = make([]Citation, 0, len(evidence))
	for i, h := range evidence {
		out = append(out, Citation{Ordinal: i + 1, ChunkID: h.Chunk.ID, DocumentID: h.Chunk.DocumentID, Title: h.Chunk.Title})
	}
	return out
}

// confidence blends the strength of the best retrieved evidence with the
// provider's own certainty signal when it offers one. Both inputs live in
// [0,1]; without evidence the retrieval half is zero.
func confidence(hits []models.ScoredChunk, certainty *float64) float64 {
	top := 0.0
	if len(hits) > 0 {
		top = clamp01(hits[0].Composite)
	}
	if certainty == nil {
		return top
	}
	return clamp01(0.5*top + 0.5*clamp01(*certainty))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
