package postprocess

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/sagaler1/v-chatbot/internal/observability"
	"github.com/sagaler1/v-chatbot/internal/providers"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Store is the part of the turn store post-processing reads and writes.
type Store interface {
	CountTurns(ctx context.Context, sessionID string) (int, error)
	SetTitle(ctx context.Context, sessionID, title string) error
	SetSummary(ctx context.Context, sessionID, text string) error
}

type WorkerConfig struct {
	TitleModel      string
	SummaryModel    string
	TitleMaxTurns   int
	SummaryMinTurns int
	TaskTimeout     time.Duration
}

// Worker titles new sessions and refreshes the rolling summary of longer ones.
type Worker struct {
	store    Store
	provider providers.Provider
	cfg      WorkerConfig
	metrics  *observability.Metrics
	logger   *logrus.Logger
	tracer   trace.Tracer
}

func NewWorker(store Store, provider providers.Provider, cfg WorkerConfig, metrics *observability.Metrics, logger *logrus.Logger) *Worker {
	if cfg.TitleMaxTurns <= 0 {
		cfg.TitleMaxTurns = 2
	}
	if cfg.SummaryMinTurns <= 0 {
		cfg.SummaryMinTurns = 4
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = time.Minute
	}
	return &Worker{
		store:    store,
		provider: provider,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
		tracer:   otel.Tracer("github.com/sagaler1/v-chatbot/internal/postprocess"),
	}
}

// Handle is the watermill handler. Failures are logged and the message is
// acknowledged regardless, so a task never blocks the topic or retries.
func (w *Worker) Handle(msg *message.Message) error {
	task, err := decodeTask(msg)
	if err != nil {
		w.logger.WithError(err).WithField("message_uuid", msg.UUID).Error("Dropping malformed post-processing task")
		return nil
	}

	if err := w.Process(msg.Context(), task); err != nil {
		w.logger.WithError(err).WithField("session_id", task.SessionID).Warn("Post-processing finished with errors")
	}
	return nil
}

// Process runs both steps for a task. The turn count always comes from the
// store. Title and summary are independent: a failure in one does not skip
// the other.
func (w *Worker) Process(ctx context.Context, task Task) error {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.TaskTimeout)
	defer cancel()

	ctx, span := w.tracer.Start(ctx, "postprocess.task", trace.WithAttributes(
		attribute.String("session.id", task.SessionID),
	))
	defer span.End()

	log := w.logger.WithField("session_id", task.SessionID)

	count, err := w.store.CountTurns(ctx, task.SessionID)
	if err != nil {
		w.metrics.PostProcessTotal.WithLabelValues("count", "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "count turns")
		return fmt.Errorf("count turns: %w", err)
	}
	span.SetAttributes(attribute.Int("turns", count))
	log = log.WithField("turns", count)

	var errs []error

	if count <= w.cfg.TitleMaxTurns {
		if err := w.title(ctx, task); err != nil {
			w.metrics.PostProcessTotal.WithLabelValues("title", "error").Inc()
			log.WithError(err).Warn("Failed to title session")
			errs = append(errs, fmt.Errorf("title: %w", err))
		}
	}

	if count >= w.cfg.SummaryMinTurns {
		if err := w.summarize(ctx, task); err != nil {
			w.metrics.PostProcessTotal.WithLabelValues("summary", "error").Inc()
			log.WithError(err).Warn("Failed to summarize session")
			errs = append(errs, fmt.Errorf("summary: %w", err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "post-processing failed")
		return err
	}
	return nil
}

func (w *Worker) title(ctx context.Context, task Task) error {
	first, ok := firstUserMessage(task.Exchange)
	if !ok {
		w.metrics.PostProcessTotal.WithLabelValues("title", "skipped").Inc()
		return nil
	}

	resp, err := w.provider.Complete(ctx, providers.CompletionRequest{
		Model: w.cfg.TitleModel,
		Messages: []providers.Message{
			{Role: "system", Content: titleSystemPrompt},
			{Role: "user", Content: first},
		},
	})
	if err != nil {
		return err
	}

	title := CleanTitle(resp.Content)
	if title == "" {
		w.metrics.PostProcessTotal.WithLabelValues("title", "skipped").Inc()
		return nil
	}
	if err := w.store.SetTitle(ctx, task.SessionID, title); err != nil {
		return err
	}

	w.metrics.PostProcessTotal.WithLabelValues("title", "success").Inc()
	w.logger.WithFields(logrus.Fields{"session_id": task.SessionID, "title": title}).Debug("Session titled")
	return nil
}

func (w *Worker) summarize(ctx context.Context, task Task) error {
	transcript, err := json.Marshal(task.Exchange)
	if err != nil {
		return fmt.Errorf("encode exchange: %w", err)
	}

	resp, err := w.provider.Complete(ctx, providers.CompletionRequest{
		Model: w.cfg.SummaryModel,
		Messages: []providers.Message{
			{Role: "system", Content: summarySystemPrompt},
			{Role: "user", Content: string(transcript)},
		},
	})
	if err != nil {
		return err
	}

	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		w.metrics.PostProcessTotal.WithLabelValues("summary", "skipped").Inc()
		return nil
	}
	if err := w.store.SetSummary(ctx, task.SessionID, summary); err != nil {
		return err
	}

	w.metrics.PostProcessTotal.WithLabelValues("summary", "success").Inc()
	return nil
}

var quoteStripper = strings.NewReplacer(`"`, "", `'`, "")

// CleanTitle removes every double and single quote and trims whitespace.
func CleanTitle(raw string) string {
	return strings.TrimSpace(quoteStripper.Replace(raw))
}

func firstUserMessage(msgs []providers.Message) (string, bool) {
	for _, m := range msgs {
		if m.Role == "user" && strings.TrimSpace(m.Content) != "" {
			return m.Content, true
		}
	}
	return "", false
}
