package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sagaler1/v-chatbot/internal/models"
	"github.com/sagaler1/v-chatbot/internal/observability"
	"github.com/sagaler1/v-chatbot/internal/postprocess"
	"github.com/sagaler1/v-chatbot/internal/providers"
	"github.com/sagaler1/v-chatbot/internal/repository"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrCallerGone is returned by Stream when the caller stopped reading.
var ErrCallerGone = errors.New("caller disconnected")

// Verifier resolves a credential into the caller identity.
type Verifier interface {
	Verify(ctx context.Context, credential string) (*models.Identity, error)
}

// SessionEnsurer creates a session on first use.
type SessionEnsurer interface {
	EnsureSession(ctx context.Context, id, owner string) (*repository.Session, error)
}

// TaskSubmitter hands a completed exchange to post-processing.
type TaskSubmitter interface {
	Submit(ctx context.Context, task postprocess.Task) error
}

// TokenCounter estimates the token count of a text.
type TokenCounter interface {
	Count(text string) int
}

// ChunkWriter is the caller-facing side of a stream. Write forwards one
// chunk; an error means the caller is gone. Close ends the stream, with a
// non-nil err signalling failure to the caller.
type ChunkWriter interface {
	Write(chunk string) error
	Close(err error)
}

// Message is one turn of the client-supplied history.
type Message struct {
	Role    string `json:"role" validate:"required,oneof=user assistant system"`
	Content string `json:"content"`
}

// Request is a chat exchange as submitted by the client.
type Request struct {
	Messages  []Message `json:"messages" validate:"required,min=1,dive"`
	Model     string    `json:"model" validate:"required,max=200"`
	SessionID string    `json:"sessionId" validate:"required,max=128"`

	// Transport labels metrics, e.g. "http" or "websocket".
	Transport string `json:"-"`
}

type Config struct {
	RecentTurns    int
	IdleTimeout    time.Duration
	PersistTimeout time.Duration
}

type RelayDeps struct {
	Verifier Verifier
	Sessions SessionEnsurer
	Turns    repository.TurnStore
	Provider providers.Provider
	Tasks    TaskSubmitter
	Metrics  *observability.Metrics
	Tokens   TokenCounter
	Logger   *logrus.Logger
}

// Relay runs chat exchanges: it records the user turn, streams the model
// answer to the caller, records the assistant turn and submits the exchange
// for post-processing.
type Relay struct {
	RelayDeps
	cfg      Config
	validate *validator.Validate
	tracer   trace.Tracer

	// base parents every exchange; stop cancels them all on shutdown.
	base     context.Context
	stop     context.CancelFunc
	mu       sync.Mutex
	closing  bool
	inflight sync.WaitGroup
}

func NewRelay(deps RelayDeps, cfg Config) *Relay {
	if cfg.RecentTurns <= 0 {
		cfg.RecentTurns = DefaultRecentTurns
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 10 * time.Second
	}
	base, stop := context.WithCancel(context.Background())
	return &Relay{
		RelayDeps: deps,
		cfg:       cfg,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		tracer:    otel.Tracer("github.com/sagaler1/v-chatbot/internal/chat"),
		base:      base,
		stop:      stop,
	}
}

// Shutdown refuses new exchanges, cancels the provider streams of running
// ones and waits until each has recorded what it produced. It returns
// ctx.Err() if that takes longer than ctx allows.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closing = true
	r.mu.Unlock()
	r.stop()

	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Relay) acquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return false
	}
	r.inflight.Add(1)
	return true
}

// Exchange is an opened provider stream waiting to be relayed.
type Exchange struct {
	relay    *Relay
	identity *models.Identity
	req      Request
	history  []providers.Message

	cancel  context.CancelFunc
	release func()
	span    trace.Span
	chunks  <-chan providers.StreamChunk
	started time.Time

	// pending holds the first chunk read while opening.
	pending string
	// drained is set when the provider finished before sending any content.
	drained bool
}

// Open authenticates the caller, records the user turn and opens the
// provider stream. It waits for the first chunk so that failures before any
// output can still be reported to the caller as UpstreamError.
func (r *Relay) Open(ctx context.Context, credential string, req Request) (*Exchange, error) {
	started := time.Now()
	transport := req.Transport
	if transport == "" {
		transport = "http"
	}

	identity, err := r.Verifier.Verify(ctx, credential)
	if err != nil || identity == nil {
		r.countRequest(transport, "unauthorized")
		return nil, ErrUnauthorized
	}

	if err := r.validateRequest(req); err != nil {
		r.countRequest(transport, "bad_request")
		return nil, err
	}

	if !r.acquire() {
		r.countRequest(transport, "unavailable")
		return nil, ErrShuttingDown
	}
	release := sync.OnceFunc(r.inflight.Done)

	spanCtx, span := r.tracer.Start(r.base, "chat.exchange", trace.WithAttributes(
		attribute.String("session.id", req.SessionID),
		attribute.String("model", req.Model),
		attribute.String("transport", transport),
	))
	fail := func(status string, err error) (*Exchange, error) {
		release()
		r.countRequest(transport, status)
		span.RecordError(err)
		span.SetStatus(codes.Error, status)
		span.End()
		return nil, err
	}

	log := r.Logger.WithFields(logrus.Fields{
		"session_id": req.SessionID,
		"user_id":    identity.UserID,
		"model":      req.Model,
	})

	if _, err := r.Sessions.EnsureSession(ctx, req.SessionID, identity.UserID); err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return fail("not_found", err)
		}
		log.WithError(err).Error("Failed to ensure session")
		return fail("store_error", err)
	}

	summary, err := r.Turns.GetSummary(ctx, req.SessionID)
	if err != nil {
		log.WithError(err).Error("Failed to read session summary")
		return fail("store_error", err)
	}

	last := req.Messages[len(req.Messages)-1]
	if _, err := r.Turns.AppendTurn(ctx, req.SessionID, identity.UserID, repository.RoleUser, last.Content, req.Model); err != nil {
		r.Metrics.PersistFailuresTotal.WithLabelValues(string(repository.RoleUser)).Inc()
		log.WithError(err).Error("Failed to persist user turn")
		return fail("store_error", err)
	}

	history := toProviderMessages(req.Messages)
	window := BuildWindow(history, summary, r.cfg.RecentTurns)
	windowTokens := r.countTokens(window)
	r.Metrics.ContextWindowTokens.Observe(float64(windowTokens))
	r.Metrics.TokensTotal.WithLabelValues("input", req.Model).Add(float64(windowTokens))
	span.SetAttributes(
		attribute.Bool("summary.present", summary != nil),
		attribute.Int("window.messages", len(window)),
	)

	// The stream outlives the request handler, so it is detached from ctx and
	// cancelled explicitly when relaying ends.
	streamCtx, cancel := context.WithCancel(spanCtx)
	chunks, err := r.Provider.StreamComplete(streamCtx, providers.CompletionRequest{
		Model:    req.Model,
		Messages: window,
	})
	if err != nil {
		cancel()
		log.WithError(err).Warn("Provider stream failed to open")
		return fail("upstream_error", &UpstreamError{Err: err})
	}

	x := &Exchange{
		relay:    r,
		identity: identity,
		req:      req,
		history:  history,
		cancel:   cancel,
		release:  release,
		span:     span,
		chunks:   chunks,
		started:  started,
	}

	if err := x.awaitFirst(); err != nil {
		cancel()
		if errors.Is(err, ErrShuttingDown) {
			return fail("unavailable", err)
		}
		log.WithError(err).Warn("Provider failed before first token")
		return fail("upstream_error", &UpstreamError{Err: err})
	}

	r.Metrics.TimeToFirstTokenSeconds.WithLabelValues(req.Model).Observe(time.Since(started).Seconds())
	return x, nil
}

func (x *Exchange) awaitFirst() error {
	timer := time.NewTimer(x.relay.cfg.IdleTimeout)
	defer timer.Stop()

	select {
	case chunk, ok := <-x.chunks:
		if x.relay.base.Err() != nil && (!ok || chunk.Err != nil) {
			return ErrShuttingDown
		}
		if !ok {
			x.drained = true
			return nil
		}
		if chunk.Err != nil {
			return chunk.Err
		}
		x.pending = chunk.Delta
		return nil
	case <-timer.C:
		return ErrStreamIdle
	case <-x.relay.base.Done():
		return ErrShuttingDown
	}
}

// Identity returns the verified caller of the exchange.
func (x *Exchange) Identity() *models.Identity {
	return x.identity
}

// Stream relays the provider output to sink chunk by chunk, then records the
// assistant turn and submits post-processing. The sink is closed exactly once.
// The returned error describes how the stream ended: nil, ErrCallerGone or a
// *PartialStreamError.
func (x *Exchange) Stream(sink ChunkWriter) error {
	r := x.relay
	defer x.release()
	defer x.span.End()
	defer x.cancel()

	r.Metrics.ActiveStreams.Inc()
	defer r.Metrics.ActiveStreams.Dec()

	var closeOnce sync.Once
	closeSink := func(err error) {
		closeOnce.Do(func() { sink.Close(err) })
	}
	defer closeSink(nil)

	var (
		acc        strings.Builder
		delivered  int
		streamErr  error
		callerGone bool
	)

	forward := func(delta string) bool {
		acc.WriteString(delta)
		if err := sink.Write(delta); err != nil {
			callerGone = true
			return false
		}
		delivered += len(delta)
		return true
	}

	if !x.drained && (x.pending == "" || forward(x.pending)) {
		idle := time.NewTimer(r.cfg.IdleTimeout)
	loop:
		for {
			select {
			case chunk, ok := <-x.chunks:
				if !ok || chunk.Err != nil {
					streamErr = chunk.Err
					// A provider cut off by shutdown may end either way.
					if r.base.Err() != nil {
						streamErr = ErrShuttingDown
					}
					break loop
				}
				if !forward(chunk.Delta) {
					break loop
				}
				idle.Reset(r.cfg.IdleTimeout)
			case <-idle.C:
				streamErr = ErrStreamIdle
				break loop
			case <-r.base.Done():
				streamErr = ErrShuttingDown
				break loop
			}
		}
		idle.Stop()
	}

	// Stop the provider before the slower persistence work.
	x.cancel()

	text := acc.String()
	status := "success"
	var result error
	switch {
	case callerGone:
		status = "caller_gone"
		result = ErrCallerGone
		r.Metrics.ClientDisconnectsTotal.Inc()
	case streamErr != nil:
		status = "partial"
		result = &PartialStreamError{Delivered: delivered, Err: streamErr}
		x.span.RecordError(streamErr)
		x.span.SetStatus(codes.Error, "partial stream")
	case text == "":
		status = "empty"
	}

	log := r.Logger.WithFields(logrus.Fields{
		"session_id": x.req.SessionID,
		"user_id":    x.identity.UserID,
		"model":      x.req.Model,
		"status":     status,
		"bytes":      len(text),
	})
	if streamErr != nil {
		log = log.WithError(streamErr)
	}

	if text != "" {
		x.finish(text, log)
	}

	r.countRequest(x.req.Transport, status)
	r.Metrics.StreamDurationSeconds.WithLabelValues(status).Observe(time.Since(x.started).Seconds())
	log.Info("Chat exchange finished")

	// Any failure, the caller's included, aborts the transfer so that a
	// truncated answer never looks complete.
	closeSink(result)
	return result
}

// finish records the assistant turn and, once it is committed, submits the
// exchange for post-processing. Failures are logged, never surfaced.
func (x *Exchange) finish(text string, log *logrus.Entry) {
	r := x.relay
	r.Metrics.TokensTotal.WithLabelValues("output", x.req.Model).Add(float64(r.count(text)))

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.PersistTimeout)
	defer cancel()

	if _, err := r.Turns.AppendTurn(ctx, x.req.SessionID, x.identity.UserID, repository.RoleAssistant, text, x.req.Model); err != nil {
		r.Metrics.PersistFailuresTotal.WithLabelValues(string(repository.RoleAssistant)).Inc()
		log.WithError(err).Error("Failed to persist assistant turn")
		return
	}

	exchange := make([]providers.Message, 0, len(x.history)+1)
	exchange = append(exchange, x.history...)
	exchange = append(exchange, providers.Message{Role: string(repository.RoleAssistant), Content: text})

	task := postprocess.Task{
		SessionID: x.req.SessionID,
		Owner:     x.identity.UserID,
		Exchange:  exchange,
	}
	if err := r.Tasks.Submit(ctx, task); err != nil {
		log.WithError(err).Warn("Failed to submit post-processing task")
	}
}

func (r *Relay) validateRequest(req Request) error {
	if err := r.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return badRequest(fmt.Sprintf("%s failed on %s", fe.Namespace(), fe.Tag()))
		}
		return badRequest(err.Error())
	}

	last := req.Messages[len(req.Messages)-1]
	if last.Role != string(repository.RoleUser) {
		return badRequest("last message must come from the user")
	}
	if strings.TrimSpace(last.Content) == "" {
		return badRequest("last message is empty")
	}
	return nil
}

func (r *Relay) countRequest(transport, status string) {
	if transport == "" {
		transport = "http"
	}
	r.Metrics.RequestsTotal.WithLabelValues(transport, status).Inc()
}

func (r *Relay) count(text string) int {
	if r.Tokens == nil {
		return observability.EstimateTokens(text)
	}
	return r.Tokens.Count(text)
}

func (r *Relay) countTokens(msgs []providers.Message) int {
	total := 0
	for _, m := range msgs {
		total += r.count(m.Content)
	}
	return total
}

func toProviderMessages(msgs []Message) []providers.Message {
	out := make([]providers.Message, len(msgs))
	for i, m := range msgs {
		out[i] = providers.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

// Abort releases an opened exchange that will not be streamed. The user turn
// stays recorded; no assistant turn is written.
func (x *Exchange) Abort() {
	x.cancel()
	x.span.End()
	x.release()
}
