package ingest

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/gazetteer-labs/gazetteer/internal/events"
)

// StreamConsumer is the handle the event loop reads from, satisfied by
// events.Consumer.
type StreamConsumer interface {
	Read(ctx context.Context, stream string, opts ...events.ConsumerOption) ([]events.Message, error)
	Ack(ctx context.Context, stream string, ids ...string) error
}

// EventLoop subscribes to the document lifecycle stream and feeds the
// pipeline. Created and updated documents are enqueued; deleted documents
// are removed immediately.
type EventLoop struct {
	pipeline *Pipeline
	consumer StreamConsumer
	stream   string
	logger   *log.Logger
}

// NewEventLoop wires a consumer to the pipeline.
func NewEventLoop(pipeline *Pipeline, consumer StreamConsumer, stream string, logger *log.Logger) *EventLoop {
	if logger == nil {
		logger = log.Default()
	}
	return &EventLoop{pipeline: pipeline, consumer: consumer, stream: stream, logger: logger}
}

// Run blocks reading the stream until the context is cancelled. Messages
// are acknowledged once dispatched; a failed dispatch leaves the message
// pending for redelivery.
func (l *EventLoop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := l.consumer.Read(ctx, l.stream, events.WithBlock(5*time.Second), events.WithCount(64))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.logger.Printf("stream read failed: %v", err)
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range msgs {
			if l.dispatch(ctx, msg.Envelope) {
				if err := l.consumer.Ack(ctx, l.stream, msg.ID); err != nil {
					l.logger.Printf("ack %s: %v", msg.ID, err)
				}
			}
		}
	}
}

func (l *EventLoop) dispatch(ctx context.Context, env events.Envelope) bool {
	var payload events.DocumentEvent
	if err := json.Unmarshal(env.Data, &payload); err != nil || payload.DocumentID == "" {
		l.logger.Printf("dropping malformed %s event %s", env.EventType, env.EventID)
		return true
	}

	switch env.EventType {
	case events.EventDocumentCreated, events.EventDocumentUpdated:
		if err := l.pipeline.Enqueue(payload.DocumentID); err != nil {
			l.logger.Printf("enqueue %s: %v", payload.DocumentID, err)
			return false
		}
	case events.EventDocumentDeleted:
		if err := l.pipeline.Delete(ctx, payload.DocumentID); err != nil {
			l.logger.Printf("delete %s: %v", payload.DocumentID, err)
			return false
		}
	default:
		// Unknown event types are acknowledged and skipped so a newer
		// publisher cannot wedge this group.
	}
	return true
}
