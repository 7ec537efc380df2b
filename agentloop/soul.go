package agentloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/creativebastard/kimi-rcli/approval"
	"github.com/creativebastard/kimi-rcli/compaction"
	"github.com/creativebastard/kimi-rcli/conversation"
	"github.com/creativebastard/kimi-rcli/observability"
	"github.com/creativebastard/kimi-rcli/unifiedllm"
	"github.com/creativebastard/kimi-rcli/wire"
)

var (
	// ErrTurnActive is returned by Run while another turn is running.
	ErrTurnActive = errors.New("a turn is already active")
	// ErrTurnTimeout is the cause of a turn that ran out of time.
	ErrTurnTimeout = errors.New("turn timed out")

	errDMailArrived = errors.New("d-mail arrived")
)

// MaxStepsExceededError fails a turn that needed more than MaxStepsPerTurn
// steps.
type MaxStepsExceededError struct {
	Max int
}

func (e *MaxStepsExceededError) Error() string {
	return fmt.Sprintf("max number of steps reached: %d", e.Max)
}

// LoopConfig holds the agent loop limits.
type LoopConfig struct {
	MaxStepsPerTurn   int
	MaxRetriesPerStep int
	// TurnTimeout bounds a whole turn. Zero means no limit.
	TurnTimeout time.Duration
	// MaxContextSize is the model's context window in tokens, used for
	// StatusUpdate.
	MaxContextSize      int
	OutputLimits        OutputLimits
	EnableLoopDetection bool
	LoopDetectionWindow int
	// AnnounceCheckpoints appends a "CHECKPOINT n" note after every
	// checkpoint so the model can address it with send_dmail.
	AnnounceCheckpoints bool
}

// DefaultLoopConfig returns the default limits.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MaxStepsPerTurn:     100,
		MaxRetriesPerStep:   3,
		MaxContextSize:      131072,
		EnableLoopDetection: true,
		LoopDetectionWindow: DefaultLoopWindow,
	}
}

// State is where the Soul is in its state machine.
type State int

const (
	StateAwaitingInput State = iota
	StateStepping
	StateCompacting
)

func (s State) String() string {
	switch s {
	case StateStepping:
		return "stepping"
	case StateCompacting:
		return "compacting"
	default:
		return "awaiting_input"
	}
}

// Wire is the bus the Soul publishes to.
type Wire interface {
	Publish(wire.Event)
	Flush()
}

// Soul runs the agent loop: one user turn at a time, each made of model
// steps interleaved with tool execution.
type Soul struct {
	provider    unifiedllm.ChatProvider
	model       string
	history     *conversation.Context
	bus         Wire
	gate        *approval.Gate
	approver    Approver
	toolset     *Toolset
	coordinator *Coordinator
	compactor   compaction.Strategy
	denwa       *DenwaRenji
	config      LoopConfig
	retry       unifiedllm.RetryPolicy
	prompt      string
	logger      *slog.Logger
	metrics     *observability.Metrics
	tracer      trace.Tracer
	coordOpts   []CoordinatorOption

	running atomic.Bool
	mu      sync.Mutex
	state   State
	step    int
}

// Option configures a Soul.
type Option func(*Soul)

// WithModel sets the model requested from the provider.
func WithModel(model string) Option {
	return func(s *Soul) {
		s.model = model
	}
}

// WithLoopConfig replaces the default limits.
func WithLoopConfig(cfg LoopConfig) Option {
	return func(s *Soul) {
		s.config = cfg
	}
}

// WithRetryPolicy sets the backoff used for model steps. MaxRetries is
// taken from LoopConfig.MaxRetriesPerStep.
func WithRetryPolicy(p unifiedllm.RetryPolicy) Option {
	return func(s *Soul) {
		s.retry = p
	}
}

// WithCompaction sets the compaction strategy.
func WithCompaction(strategy compaction.Strategy) Option {
	return func(s *Soul) {
		s.compactor = strategy
	}
}

// WithDenwaRenji enables D-Mail delivery and registers the send_dmail tool.
func WithDenwaRenji(d *DenwaRenji) Option {
	return func(s *Soul) {
		s.denwa = d
	}
}

// WithSystemPrompt sets the system prompt sent before the history.
func WithSystemPrompt(prompt string) Option {
	return func(s *Soul) {
		s.prompt = prompt
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Soul) {
		s.logger = l
	}
}

// WithMetrics records turn, step and tool metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Soul) {
		s.metrics = m
	}
}

// WithTracer sets the tracer for turn and step spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Soul) {
		s.tracer = t
	}
}

// WithCoordinatorOptions passes options to the tool coordinator.
func WithCoordinatorOptions(opts ...CoordinatorOption) Option {
	return func(s *Soul) {
		s.coordOpts = append(s.coordOpts, opts...)
	}
}

// WithApprover routes approval requests through a instead of the gate,
// e.g. a SerialApprover shared with subagents.
func WithApprover(a Approver) Option {
	return func(s *Soul) {
		s.approver = a
	}
}

// NewSoul wires a Soul. The gate and the toolset may be nil.
func NewSoul(provider unifiedllm.ChatProvider, history *conversation.Context, bus Wire, gate *approval.Gate, toolset *Toolset, opts ...Option) *Soul {
	s := &Soul{
		provider: provider,
		history:  history,
		bus:      bus,
		gate:     gate,
		toolset:  toolset,
		config:   DefaultLoopConfig(),
		retry:    unifiedllm.DefaultRetryPolicy(),
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.toolset == nil {
		s.toolset = NewToolset()
	}
	if s.model == "" {
		if n, ok := provider.(unifiedllm.ModelNamer); ok {
			s.model = n.Model()
		}
	}
	if s.denwa != nil && s.toolset.Get("send_dmail") == nil {
		s.toolset.Register(SendDMailTool(s.denwa))
	}
	if s.config.MaxStepsPerTurn <= 0 {
		s.config.MaxStepsPerTurn = 100
	}
	if s.config.MaxRetriesPerStep < 0 {
		s.config.MaxRetriesPerStep = 0
	}
	s.retry.MaxRetries = s.config.MaxRetriesPerStep

	coordOpts := []CoordinatorOption{
		WithCoordinatorLogger(s.logger),
		WithCoordinatorMetrics(s.metrics),
		WithCoordinatorTracer(s.tracer),
	}
	approver := s.approver
	if approver == nil && gate != nil {
		approver = gate
	}
	s.coordinator = NewCoordinator(s.toolset, approver, bus, append(coordOpts, s.coordOpts...)...)
	return s
}

// State returns the current state.
func (s *Soul) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Step returns the current step number within the active turn.
func (s *Soul) Step() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.step
}

func (s *Soul) setState(st State, step int) {
	s.mu.Lock()
	s.state = st
	s.step = step
	s.mu.Unlock()
}

// Context returns the conversation history.
func (s *Soul) Context() *conversation.Context { return s.history }

// Gate returns the approval gate, or nil.
func (s *Soul) Gate() *approval.Gate { return s.gate }

// Toolset returns the registered tools.
func (s *Soul) Toolset() *Toolset { return s.toolset }

// Model returns the model name sent with each request.
func (s *Soul) Model() string { return s.model }

// Run processes one user input. Every turn, including failed and cancelled
// ones, is bracketed by TurnBegin and TurnEnd.
func (s *Soul) Run(ctx context.Context, input string) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrTurnActive
	}
	defer s.running.Store(false)

	turnID := uuid.NewString()
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "turn", trace.WithAttributes(attribute.String("turn.id", turnID)))
	defer span.End()

	logger := s.logger.With("turn_id", turnID)
	s.bus.Publish(wire.TurnBegin{TurnID: turnID, UserInput: input})

	var err error
	if name, args, ok := ParseSlashCommand(input); ok {
		err = s.runSlash(ctx, name, args)
	} else {
		err = s.runTurn(ctx, logger, input)
	}
	s.setState(StateAwaitingInput, 0)

	end := wire.TurnEnd{TurnID: turnID}
	status := "success"
	if err != nil {
		end.Error = err.Error()
		status = turnStatus(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("turn failed", "error", err)
	}
	s.bus.Flush()
	s.bus.Publish(end)
	s.metrics.RecordTurn(status, time.Since(start).Seconds())
	return err
}

func turnStatus(err error) string {
	switch {
	case errors.Is(err, ErrTurnTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		var maxSteps *MaxStepsExceededError
		if errors.As(err, &maxSteps) {
			return "max_steps"
		}
		return "error"
	}
}

func (s *Soul) runTurn(ctx context.Context, logger *slog.Logger, input string) error {
	if s.config.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, s.config.TurnTimeout, ErrTurnTimeout)
		defer cancel()
	}

	if err := s.checkpoint(); err != nil {
		return err
	}
	if err := s.history.Append(unifiedllm.UserMessage(input)); err != nil {
		return fmt.Errorf("append user input: %w", err)
	}

	for n := 1; ; n++ {
		if n > s.config.MaxStepsPerTurn {
			return &MaxStepsExceededError{Max: s.config.MaxStepsPerTurn}
		}
		if err := s.compact(ctx, false); err != nil {
			if ctx.Err() != nil {
				s.bus.Publish(wire.StepInterrupted{Reason: "cancelled"})
				return turnError(ctx)
			}
			return err
		}
		if ctx.Err() != nil {
			s.bus.Publish(wire.StepInterrupted{Reason: "cancelled"})
			return turnError(ctx)
		}

		s.setState(StateStepping, n)
		stepCP := s.history.Checkpoint()
		if err := s.announce(stepCP); err != nil {
			return err
		}
		s.bus.Publish(wire.StepBegin{N: n})
		s.metrics.RecordStep()

		done, err := s.runStep(ctx, logger.With("step", n), n)
		if err == nil {
			if done {
				return nil
			}
			continue
		}

		if errors.Is(err, errDMailArrived) {
			if err := s.deliverDMail(); err != nil {
				return err
			}
			continue
		}
		if ctx.Err() != nil {
			s.bus.Publish(wire.StepInterrupted{Reason: "cancelled"})
			if rerr := s.history.Revert(stepCP); rerr != nil {
				logger.Error("revert after cancellation failed", "error", rerr)
			}
			return turnError(ctx)
		}
		return err
	}
}

// turnError maps a done turn context to the error Run returns.
func turnError(ctx context.Context) error {
	if cause := context.Cause(ctx); errors.Is(cause, ErrTurnTimeout) {
		return ErrTurnTimeout
	}
	return ctx.Err()
}

func (s *Soul) checkpoint() error {
	return s.announce(s.history.Checkpoint())
}

func (s *Soul) announce(id conversation.CheckpointID) error {
	if !s.config.AnnounceCheckpoints {
		return nil
	}
	if err := s.history.Append(unifiedllm.UserMessage(fmt.Sprintf("<system>CHECKPOINT %d</system>", id))); err != nil {
		return fmt.Errorf("append checkpoint note: %w", err)
	}
	return nil
}

func (s *Soul) deliverDMail() error {
	m, ok := s.denwa.Fetch()
	if !ok {
		return errors.New("step interrupted for a d-mail that is no longer pending")
	}
	s.bus.Publish(wire.StepInterrupted{Reason: "dmail"})
	if err := s.history.Revert(m.CheckpointID); err != nil {
		return fmt.Errorf("deliver d-mail: %w", err)
	}
	if err := s.checkpoint(); err != nil {
		return err
	}
	if err := s.history.Append(unifiedllm.UserMessage(dmailMessage(m))); err != nil {
		return fmt.Errorf("append d-mail: %w", err)
	}
	s.logger.Info("d-mail delivered", "checkpoint", m.CheckpointID)
	return nil
}

// runStep performs one model call and the tool calls it requests. done is
// true when the turn should end.
func (s *Soul) runStep(ctx context.Context, logger *slog.Logger, n int) (done bool, err error) {
	ctx, span := s.tracer.Start(ctx, "step", trace.WithAttributes(attribute.Int("step", n)))
	defer span.End()

	stepCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if s.denwa != nil {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-s.denwa.Notify():
				cancel(errDMailArrived)
			case <-stop:
			case <-stepCtx.Done():
			}
		}()
	}
	// The watcher may lose the race against a step that finishes right
	// after send_dmail, so Pending is checked as well.
	dmailPending := func() bool {
		return s.denwa != nil && ctx.Err() == nil &&
			(errors.Is(context.Cause(stepCtx), errDMailArrived) || s.denwa.Pending())
	}
	interrupted := func() error {
		if dmailPending() {
			return errDMailArrived
		}
		return stepCtx.Err()
	}

	result, err := s.callModel(stepCtx, logger, n)
	if stepCtx.Err() != nil || dmailPending() {
		return false, interrupted()
	}
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("model step %d: %w", n, err)
	}

	msg := result.Message
	msg.Role = unifiedllm.RoleAssistant
	if err := s.history.Append(msg); err != nil {
		return false, fmt.Errorf("append assistant message: %w", err)
	}

	calls := result.ToolCalls()
	if len(calls) == 0 {
		s.publishStatus(result.Usage)
		return true, nil
	}

	results, err := s.coordinator.Execute(stepCtx, calls)
	if stepCtx.Err() != nil || dmailPending() {
		return false, interrupted()
	}
	if err != nil {
		return false, err
	}

	rejected := false
	batch := make([]unifiedllm.Message, 0, len(calls))
	for _, call := range calls {
		r, ok := results[call.ID]
		if !ok {
			r = errorResult(call.ID, "Tool call produced no result")
		}
		if IsRejection(r) {
			rejected = true
		}
		r.Output = s.config.OutputLimits.Apply(call.Name, r.Output)
		batch = append(batch, unifiedllm.ToolResultMessage(r))
	}
	if err := s.history.Append(batch...); err != nil {
		return false, fmt.Errorf("append tool results: %w", err)
	}
	s.publishStatus(result.Usage)

	if rejected {
		logger.Info("tool call rejected, ending turn")
		return true, nil
	}
	if s.config.EnableLoopDetection && DetectLoop(s.history.Messages(), s.config.LoopDetectionWindow) {
		logger.Warn("tool call loop detected", "window", s.config.LoopDetectionWindow)
		if err := s.history.Append(unifiedllm.UserMessage(loopWarning(s.config.LoopDetectionWindow))); err != nil {
			return false, fmt.Errorf("append loop warning: %w", err)
		}
	}
	return false, nil
}

func (s *Soul) request() unifiedllm.Request {
	msgs := s.history.Messages()
	if s.prompt != "" {
		msgs = append([]unifiedllm.Message{unifiedllm.SystemMessage(s.prompt)}, msgs...)
	}
	req := unifiedllm.Request{
		Model:    s.model,
		Messages: msgs,
		Tools:    s.toolset.Definitions(),
	}
	if len(req.Tools) > 0 {
		req.ToolChoice = "auto"
	}
	return req
}

// callModel streams one model response, retrying transient failures. Content
// from a failed attempt has already been published, so every retry is
// announced as StepInterrupted{Reason: "retry"} followed by a fresh StepBegin;
// front ends discard what they showed for the step on that marker.
func (s *Soul) callModel(ctx context.Context, logger *slog.Logger, n int) (*unifiedllm.StepResult, error) {
	req := s.request()
	policy := s.retry
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		logger.Warn("retrying model step", "attempt", attempt, "delay", delay, "error", err)
		s.bus.Flush()
		s.bus.Publish(wire.StepInterrupted{Reason: "retry"})
		s.bus.Publish(wire.StepBegin{N: n})
		if s.retry.OnRetry != nil {
			s.retry.OnRetry(err, attempt, delay)
		}
	}
	return unifiedllm.Retry(ctx, policy, func(ctx context.Context) (*unifiedllm.StepResult, error) {
		events, err := s.provider.Stream(ctx, req)
		if err != nil {
			return nil, err
		}
		return unifiedllm.Collect(ctx, events, s.forward)
	})
}

// forward publishes streamed content and tool call fragments.
func (s *Soul) forward(ev unifiedllm.StreamEvent) {
	switch ev.Type {
	case unifiedllm.TextDelta:
		if ev.Delta != "" {
			s.bus.Publish(wire.TextPart{Text: ev.Delta})
		}
	case unifiedllm.ThinkDelta:
		if ev.Delta != "" {
			s.bus.Publish(wire.ThinkPart{Think: ev.Delta})
		}
	case unifiedllm.MediaPart:
		if ev.Part != nil && ev.Part.Media != nil {
			if media := mediaEvent(ev.Part.Kind, ev.Part.Media); media != nil {
				s.bus.Publish(media)
			}
		}
	case unifiedllm.ToolCallDelta:
		part := wire.ToolCallPart{ArgumentsPart: ev.ArgumentsDelta}
		if ev.ToolCall != nil {
			part.ID = ev.ToolCall.ID
			part.Name = ev.ToolCall.Name
		}
		s.bus.Publish(part)
	case unifiedllm.ToolCallEnd:
		if ev.ToolCall != nil {
			s.bus.Publish(wire.ToolCall{ID: ev.ToolCall.ID, Name: ev.ToolCall.Name, Arguments: ev.ToolCall.Arguments})
		}
	}
}

func mediaEvent(kind unifiedllm.ContentKind, ref *unifiedllm.MediaRef) wire.Event {
	switch kind {
	case unifiedllm.ContentImageURL:
		return wire.ImageURLPart{URL: ref.URL, ID: ref.ID}
	case unifiedllm.ContentAudioURL:
		return wire.AudioURLPart{URL: ref.URL, ID: ref.ID}
	case unifiedllm.ContentVideoURL:
		return wire.VideoURLPart{URL: ref.URL, ID: ref.ID}
	}
	return nil
}

func (s *Soul) publishStatus(usage unifiedllm.Usage) {
	tokens := s.history.TokenCount()
	status := wire.StatusUpdate{ContextTokens: tokens}
	if s.config.MaxContextSize > 0 {
		status.ContextUsage = float64(tokens) / float64(s.config.MaxContextSize)
	}
	if usage.TotalTokens > 0 || usage.InputTokens > 0 || usage.OutputTokens > 0 {
		status.TokenUsage = &wire.TokenUsage{
			InputTokens:  usage.InputTokens,
			OutputTokens: usage.OutputTokens,
			TotalTokens:  usage.TotalTokens,
		}
	}
	s.bus.Publish(status)
}

// compact runs the compaction strategy, bracketed by CompactionBegin and
// CompactionEnd. force skips the threshold check.
func (s *Soul) compact(ctx context.Context, force bool) error {
	if s.compactor == nil {
		return nil
	}
	if !force && !s.compactor.ShouldCompact(s.history) {
		return nil
	}
	prev := s.State()
	s.setState(StateCompacting, s.Step())
	defer s.setState(prev, s.Step())

	ctx, span := s.tracer.Start(ctx, "compaction")
	defer span.End()
	start := time.Now()
	s.bus.Publish(wire.CompactionBegin{})

	var (
		res compaction.Result
		err error
	)
	if f, ok := s.compactor.(compaction.Forcer); ok && force {
		res, err = f.Force(ctx, s.history)
	} else {
		res, err = s.compactor.Compact(ctx, s.history)
	}

	end := wire.CompactionEnd{TokensBefore: res.TokensBefore, TokensAfter: res.TokensAfter}
	status := "success"
	if err != nil {
		end.Error = err.Error()
		status = "error"
		span.RecordError(err)
	} else if !res.Compacted {
		status = "noop"
	}
	s.bus.Publish(end)
	s.metrics.RecordCompaction(status, time.Since(start).Seconds(), res.TokensBefore, res.TokensAfter)
	if err != nil {
		return fmt.Errorf("compact context: %w", err)
	}
	return nil
}
