// Package generation drives one "ask the assistant" cycle per session:
// persist the user turn, stream the reply into a placeholder message and
// finalize it, with stop and regenerate.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"StreamChat/internal/backend"
	"StreamChat/internal/identity"
	"StreamChat/internal/session"
)

// Sessions is the session store as the controller uses it
type Sessions interface {
	Active() (session.Session, bool)
	Get(id string) (session.Session, bool)
	Create(ctx context.Context, ownerID, modelID string) (session.Session, error)
	Select(ctx context.Context, id string) error
	SetModel(id, modelID string) error
	Delete(ctx context.Context, id string) error
}

// Timeline is the message timeline as the controller uses it
type Timeline interface {
	SessionID() string
	SessionMessages(ctx context.Context, sessionID string) ([]session.Message, error)
	Append(ctx context.Context, msg session.Message) (session.Message, error)
	PatchContent(ctx context.Context, messageID, content string) error
	Finalize(ctx context.Context, messageID string, content *string) error
	RemoveLast(ctx context.Context, role session.Role) (session.Message, bool, error)
}

// Options configures a Controller. Zero values fall back to no-op telemetry
// and the default logger.
type Options struct {
	SystemPrompt string
	ErrorText    string
	DefaultModel string
	Logger       *slog.Logger
	Tracer       trace.Tracer
	Meter        metric.Meter
}

// handle is the active generation of one session
type handle struct {
	state     State
	cancelled atomic.Bool
	cancel    context.CancelFunc
	gen       *Generation
}

// stop marks the cancellation token; the stream loop observes it at the
// next fragment
func (h *handle) stop() {
	h.cancelled.Store(true)
	if h.cancel != nil {
		h.cancel()
	}
}

// Controller runs at most one generation per session at a time
type Controller struct {
	sessions Sessions
	timeline Timeline
	client   backend.Client
	identity identity.Provider

	systemPrompt string
	errorText    string
	logger       *slog.Logger
	tracer       trace.Tracer
	generations  metric.Int64Counter
	duration     metric.Float64Histogram

	mu      sync.Mutex
	handles map[string]*handle
	model   string
	wg      sync.WaitGroup
}

// New creates a controller
func New(sessions Sessions, tl Timeline, client backend.Client, ident identity.Provider, opts Options) (*Controller, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = tracenoop.NewTracerProvider().Tracer("generation")
	}
	if opts.Meter == nil {
		opts.Meter = metricnoop.NewMeterProvider().Meter("generation")
	}

	generations, err := opts.Meter.Int64Counter(
		"chat.generations",
		metric.WithDescription("Generations by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}
	duration, err := opts.Meter.Float64Histogram(
		"chat.generation.duration",
		metric.WithDescription("Generation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create histogram: %w", err)
	}

	return &Controller{
		sessions:     sessions,
		timeline:     tl,
		client:       client,
		identity:     ident,
		systemPrompt: opts.SystemPrompt,
		errorText:    opts.ErrorText,
		logger:       opts.Logger,
		tracer:       opts.Tracer,
		generations:  generations,
		duration:     duration,
		handles:      make(map[string]*handle),
		model:        opts.DefaultModel,
	}, nil
}

// Model returns the model used for new sessions
func (c *Controller) Model() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

// State reports the generation state of sessionID
func (c *Controller) State(sessionID string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.handles[sessionID]; ok {
		return h.state
	}
	return Idle
}

// Current returns the in-flight generation of sessionID, if any
func (c *Controller) Current(sessionID string) (*Generation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.handles[sessionID]; ok && h.gen != nil {
		return h.gen, true
	}
	return nil, false
}

func (c *Controller) owner() (string, error) {
	ident := c.identity.Current()
	if ident == nil || ident.ID == "" {
		return "", session.ErrUnauthenticated
	}
	return ident.ID, nil
}

// NewSession creates a session with the selected model and makes it active
func (c *Controller) NewSession(ctx context.Context) (session.Session, error) {
	ownerID, err := c.owner()
	if err != nil {
		return session.Session{}, err
	}
	sess, err := c.sessions.Create(ctx, ownerID, c.Model())
	if err != nil {
		return session.Session{}, err
	}
	if err := c.sessions.Select(ctx, sess.ID); err != nil {
		return session.Session{}, err
	}
	return sess, nil
}

// SelectSession makes id active and adopts its model. Generations running
// on other sessions keep running.
func (c *Controller) SelectSession(ctx context.Context, id string) error {
	if err := c.sessions.Select(ctx, id); err != nil {
		return err
	}
	if sess, ok := c.sessions.Get(id); ok && sess.ModelID != "" {
		c.mu.Lock()
		c.model = sess.ModelID
		c.mu.Unlock()
	}
	return nil
}

// SelectModel sets the model for new sessions and for the active one
func (c *Controller) SelectModel(ctx context.Context, modelID string) error {
	if _, err := c.owner(); err != nil {
		return err
	}
	c.mu.Lock()
	c.model = modelID
	c.mu.Unlock()

	if sess, ok := c.sessions.Active(); ok {
		return c.sessions.SetModel(sess.ID, modelID)
	}
	return nil
}

// reserve creates the handle for sessionID or reports that one exists
func (c *Controller) reserve(sessionID, modelID string) (*handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.handles[sessionID]; busy {
		return nil, fmt.Errorf("session %s: %w", sessionID, session.ErrGenerationInProgress)
	}
	h := &handle{state: Sending, gen: newGeneration(sessionID, modelID)}
	c.handles[sessionID] = h
	return h, nil
}

func (c *Controller) release(sessionID string, h *handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handles[sessionID] == h {
		delete(c.handles, sessionID)
	}
}

func (c *Controller) activeSession(ctx context.Context, create bool) (session.Session, error) {
	ownerID, err := c.owner()
	if err != nil {
		return session.Session{}, err
	}
	if sess, ok := c.sessions.Active(); ok {
		return sess, nil
	}
	if !create {
		return session.Session{}, session.ErrNoActiveSession
	}
	sess, err := c.sessions.Create(ctx, ownerID, c.Model())
	if err != nil {
		return session.Session{}, err
	}
	if err := c.sessions.Select(ctx, sess.ID); err != nil {
		return session.Session{}, err
	}
	return sess, nil
}

func (c *Controller) modelFor(sess session.Session) string {
	if sess.ModelID != "" {
		return sess.ModelID
	}
	return c.Model()
}

// Send persists content as a user message in the active session, creating a
// session when none is active, and starts streaming the reply. It returns
// once the placeholder reply exists. ctx bounds the synchronous writes only;
// the reply keeps streaming until it ends or is stopped.
func (c *Controller) Send(ctx context.Context, content string) (*Generation, error) {
	if strings.TrimSpace(content) == "" {
		return nil, session.ErrEmptyInput
	}

	sess, err := c.activeSession(ctx, true)
	if err != nil {
		return nil, err
	}

	model := c.modelFor(sess)
	h, err := c.reserve(sess.ID, model)
	if err != nil {
		return nil, err
	}

	user, err := c.timeline.Append(ctx, session.Message{
		SessionID: sess.ID,
		Role:      session.RoleUser,
		Content:   content,
	})
	if err != nil {
		c.release(sess.ID, h)
		return nil, err
	}
	h.gen.UserMessageID = user.ID

	if err := c.start(ctx, sess.ID, model, h); err != nil {
		c.release(sess.ID, h)
		return nil, err
	}
	return h.gen, nil
}

// Regenerate drops the latest assistant reply of the active session and
// streams a new one for the latest user message.
func (c *Controller) Regenerate(ctx context.Context) (*Generation, error) {
	sess, err := c.activeSession(ctx, false)
	if err != nil {
		return nil, err
	}
	if c.timeline.SessionID() != sess.ID {
		return nil, session.ErrNoActiveSession
	}

	model := c.modelFor(sess)
	h, err := c.reserve(sess.ID, model)
	if err != nil {
		return nil, err
	}

	if err := c.prepareRegenerate(ctx, sess.ID); err != nil {
		c.release(sess.ID, h)
		return nil, err
	}
	if err := c.start(ctx, sess.ID, model, h); err != nil {
		c.release(sess.ID, h)
		return nil, err
	}
	return h.gen, nil
}

func (c *Controller) prepareRegenerate(ctx context.Context, sessionID string) error {
	msgs, err := c.timeline.SessionMessages(ctx, sessionID)
	if err != nil {
		return err
	}

	hasUser := false
	for _, m := range msgs {
		if m.Role == session.RoleUser {
			hasUser = true
			break
		}
	}
	if !hasUser {
		return session.ErrNoUserMessage
	}

	if removed, ok, err := c.timeline.RemoveLast(ctx, session.RoleAssistant); err != nil {
		return err
	} else if ok {
		c.logger.Debug("removed reply for regenerate", "session_id", sessionID, "message_id", removed.ID)
	}
	return nil
}

// start appends the placeholder and launches the stream. The handle is in
// Sending until the placeholder exists.
func (c *Controller) start(ctx context.Context, sessionID, model string, h *handle) error {
	msgs, err := c.timeline.SessionMessages(ctx, sessionID)
	if err != nil {
		return err
	}
	history := c.history(msgs)

	placeholder, err := c.timeline.Append(ctx, session.Message{
		SessionID: sessionID,
		Role:      session.RoleAssistant,
		Streaming: true,
	})
	if err != nil {
		return err
	}
	h.gen.AssistantMessageID = placeholder.ID

	// the generation outlives the caller's request; only Stop and Shutdown end it
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Lock()
	h.cancel = cancel
	h.state = Streaming
	// a stop that arrived while sending already set the token
	if h.cancelled.Load() {
		cancel()
	}
	c.mu.Unlock()

	c.logger.Info("generation started", "session_id", sessionID, "message_id", placeholder.ID, "model", model, "turns", len(history))

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		c.run(streamCtx, h, history)
	}()
	return nil
}

// history is the system instruction followed by every non-empty prior turn
func (c *Controller) history(msgs []session.Message) []session.Turn {
	turns := make([]session.Turn, 0, len(msgs)+1)
	if c.systemPrompt != "" {
		turns = append(turns, session.Turn{Role: session.RoleSystem, Content: c.systemPrompt})
	}
	for _, m := range msgs {
		if m.Content == "" || (m.Role != session.RoleUser && m.Role != session.RoleAssistant) {
			continue
		}
		turns = append(turns, session.Turn{Role: m.Role, Content: m.Content})
	}
	return turns
}

func (c *Controller) run(ctx context.Context, h *handle, history []session.Turn) {
	gen := h.gen
	ctx, span := c.tracer.Start(ctx, "generation", trace.WithAttributes(
		attribute.String("session_id", gen.SessionID),
		attribute.String("message_id", gen.AssistantMessageID),
		attribute.String("llm.model", gen.ModelID),
	))
	defer span.End()
	start := time.Now()

	// terminal writes must land even after a stop
	writeCtx := context.WithoutCancel(ctx)

	content, outcome, cause := c.stream(ctx, writeCtx, h, history)

	var finalContent *string
	if outcome == Failed {
		finalContent = &c.errorText
		content = c.errorText
	}
	if err := c.timeline.Finalize(writeCtx, gen.AssistantMessageID, finalContent); err != nil {
		c.logger.Error("failed to finalize message", "session_id", gen.SessionID, "message_id", gen.AssistantMessageID, "error", err)
		if outcome == Failed {
			cause = errors.Join(cause, err)
		}
	}

	var genErr error
	switch outcome {
	case Failed:
		genErr = fmt.Errorf("%w: %w", session.ErrGenerationFailed, cause)
		span.RecordError(genErr)
		span.SetStatus(codes.Error, genErr.Error())
		c.logger.Error("generation failed", "session_id", gen.SessionID, "message_id", gen.AssistantMessageID, "error", cause)
	case Cancelled:
		c.logger.Info("generation cancelled", "session_id", gen.SessionID, "message_id", gen.AssistantMessageID, "chars", len(content))
	default:
		c.logger.Info("generation completed", "session_id", gen.SessionID, "message_id", gen.AssistantMessageID, "chars", len(content))
	}

	attrs := metric.WithAttributes(attribute.String("outcome", outcome.String()))
	c.generations.Add(writeCtx, 1, attrs)
	c.duration.Record(writeCtx, float64(time.Since(start).Milliseconds()), attrs)
	span.SetAttributes(attribute.String("outcome", outcome.String()))

	c.release(gen.SessionID, h)
	gen.finish(outcome, content, genErr)
}

// stream applies fragments to the placeholder until the stream ends, fails
// or the handle is stopped. It returns the last applied content.
func (c *Controller) stream(ctx, writeCtx context.Context, h *handle, history []session.Turn) (string, Outcome, error) {
	gen := h.gen
	if h.cancelled.Load() {
		return "", Cancelled, nil
	}

	chunks, err := c.client.StreamCompletion(ctx, history, gen.ModelID)
	if err != nil {
		if c.isCancel(h, err) {
			return "", Cancelled, nil
		}
		return "", Failed, err
	}

	var acc strings.Builder
	for {
		select {
		case <-ctx.Done():
			return acc.String(), Cancelled, nil
		case chunk, ok := <-chunks:
			if !ok {
				if h.cancelled.Load() {
					return acc.String(), Cancelled, nil
				}
				return acc.String(), Completed, nil
			}
			if h.cancelled.Load() {
				return acc.String(), Cancelled, nil
			}
			if chunk.Err != nil {
				if c.isCancel(h, chunk.Err) {
					return acc.String(), Cancelled, nil
				}
				return acc.String(), Failed, chunk.Err
			}
			if chunk.Text == "" {
				continue
			}

			acc.WriteString(chunk.Text)
			if err := c.timeline.PatchContent(writeCtx, gen.AssistantMessageID, acc.String()); err != nil {
				return acc.String(), Failed, err
			}
		}
	}
}

func (c *Controller) isCancel(h *handle, err error) bool {
	return h.cancelled.Load() || errors.Is(err, context.Canceled)
}

// Stop cancels the generation of sessionID. Stopping an idle session or
// stopping twice does nothing.
func (c *Controller) Stop(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.handles[sessionID]; ok {
		h.stop()
	}
}

// StopActive stops the generation of the active session
func (c *Controller) StopActive() {
	if sess, ok := c.sessions.Active(); ok {
		c.Stop(sess.ID)
	}
}

// DeleteSession stops a running generation on id, waits for it to finish
// and deletes the session with its messages.
func (c *Controller) DeleteSession(ctx context.Context, id string) error {
	if _, err := c.owner(); err != nil {
		return err
	}
	if gen, ok := c.Current(id); ok {
		c.Stop(id)
		if _, err := gen.Wait(ctx); err != nil && ctx.Err() != nil {
			return err
		}
	}
	return c.sessions.Delete(ctx, id)
}

// Shutdown stops every generation and waits for them to be finalized
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	for _, h := range c.handles {
		h.stop()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
