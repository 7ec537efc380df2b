package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/creativebastard/kimi-rcli/agentloop"
	"github.com/creativebastard/kimi-rcli/approval"
	"github.com/creativebastard/kimi-rcli/compaction"
	"github.com/creativebastard/kimi-rcli/config"
	"github.com/creativebastard/kimi-rcli/conversation"
	"github.com/creativebastard/kimi-rcli/observability"
	"github.com/creativebastard/kimi-rcli/session"
	"github.com/creativebastard/kimi-rcli/tools"
	"github.com/creativebastard/kimi-rcli/unifiedllm"
	"github.com/creativebastard/kimi-rcli/wire"
)

func runAgent(cmd *cobra.Command, opts *rootOptions, args []string) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.metricsAddr != "" {
		cfg.Metrics.Addr = opts.metricsAddr
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)

	workDir := opts.workDir
	if workDir == "" {
		if workDir, err = os.Getwd(); err != nil {
			return err
		}
	}
	model, err := cfg.Model(opts.model)
	if err != nil {
		return fmt.Errorf("%w (configure a model under models in %s)", err, config.DefaultPath())
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	metrics := observability.NewMetrics()
	if cfg.Metrics.Addr != "" {
		stop := serveMetrics(cfg.Metrics.Addr, metrics, logger)
		defer stop()
	}
	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "kimi",
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Insecure:       cfg.Tracing.Insecure,
	})
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := shutdownTracer(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	client, err := newClient(model, tracer, metrics)
	if err != nil {
		return err
	}
	defer client.Close()

	sess, err := openSession(cfg.ShareDir, workDir, opts)
	if err != nil {
		return err
	}
	history, err := sess.LoadContext(conversation.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("load session %s: %w", sess.ShortID(), err)
	}
	defer history.Close()
	logger.Info("session ready", "session", sess.ID, "messages", history.Len(), "model", model.Model)

	bus := wire.NewBus()
	recorder, err := sess.Recorder(bus, logger)
	if err != nil {
		bus.Close()
		return err
	}
	recorder.Start(ctx)
	display := bus.Subscribe()

	gate := approval.NewGate(bus, approval.WithYolo(cfg.DefaultYolo || opts.yolo), approval.WithLogger(logger))
	soul, err := newSoul(cfg, model, workDir, client, history, bus, gate, logger, metrics, tracer)
	if err != nil {
		bus.Close()
		recorder.Close()
		return err
	}

	a := &app{
		soul:        soul,
		gate:        gate,
		out:         cmd.OutOrStdout(),
		errOut:      cmd.ErrOrStderr(),
		lines:       readLines(os.Stdin),
		interactive: term.IsTerminal(int(os.Stdin.Fd())),
		logger:      logger,
		rendered:    make(chan struct{}, 1),
	}
	rendererDone := make(chan struct{})
	go func() {
		defer close(rendererDone)
		a.render(ctx, display)
	}()
	stopSignals := a.handleSignals(cancel)

	if len(args) > 0 {
		err = a.runTurn(ctx, strings.Join(args, " "))
	} else {
		fmt.Fprintf(a.errOut, "Session %s in %s. Type /help for commands, exit to quit.\n", sess.ShortID(), workDir)
		err = a.repl(ctx)
	}

	stopSignals()
	bus.Close()
	<-rendererDone
	if cerr := recorder.Close(); cerr != nil {
		logger.Warn("close wire log failed", "error", cerr)
	}
	return err
}

func newClient(model config.ModelConfig, tracer *observability.Tracer, metrics *observability.Metrics) (*unifiedllm.Client, error) {
	adapterOpts := []unifiedllm.GollmAdapterOption{unifiedllm.WithModel(model.Model)}
	if model.MaxTokens > 0 {
		adapterOpts = append(adapterOpts, unifiedllm.WithMaxTokens(model.MaxTokens))
	}
	if model.Temperature != nil {
		adapterOpts = append(adapterOpts, unifiedllm.WithTemperature(*model.Temperature))
	}
	adapter, err := unifiedllm.NewGollmAdapter(model.Provider, model.APIKey, adapterOpts...)
	if err != nil {
		return nil, err
	}
	return unifiedllm.NewClient(
		unifiedllm.WithProvider(model.Provider, adapter),
		unifiedllm.WithMiddleware(observability.StreamMiddleware(tracer, metrics, model.Provider)),
	), nil
}

func openSession(shareDir, workDir string, opts *rootOptions) (*session.Session, error) {
	switch {
	case opts.sessionID != "":
		return session.Open(shareDir, opts.sessionID)
	case opts.resume:
		s, err := session.Latest(shareDir, workDir)
		if errors.Is(err, session.ErrNotFound) {
			return session.Create(shareDir, workDir)
		}
		return s, err
	default:
		return session.Create(shareDir, workDir)
	}
}

func newSoul(
	cfg *config.Config,
	model config.ModelConfig,
	workDir string,
	client *unifiedllm.Client,
	history *conversation.Context,
	bus *wire.Bus,
	gate *approval.Gate,
	logger *slog.Logger,
	metrics *observability.Metrics,
	tracer *observability.Tracer,
) (*agentloop.Soul, error) {
	env := tools.NewEnvironment(workDir)
	builtin := func() []agentloop.Tool {
		return tools.Builtin(env, tools.Options{
			CommandTimeout: time.Duration(cfg.Tools.CommandTimeoutMs) * time.Millisecond,
		})
	}
	toolset := agentloop.NewToolset(builtin()...)

	var summarizer compaction.Summarizer
	if cfg.Compaction.SummarizeEnabled() {
		summarizer = &compaction.LLMSummarizer{
			Provider: client,
			Model:    model.Model,
			Retry:    unifiedllm.DefaultRetryPolicy(),
		}
	}
	compactor, err := compaction.New(cfg.Compaction.Strategy, compaction.Options{
		MaxContextSize:      model.MaxContextSize,
		ReservedContextSize: cfg.Compaction.ReservedContextSize,
		KeepRecent:          cfg.Compaction.KeepRecent,
		TargetRatio:         cfg.Compaction.TargetRatio,
		Summarizer:          summarizer,
		Fallback:            compaction.DropSummarizer{},
		Logger:              logger,
	})
	if err != nil {
		return nil, err
	}

	loop := agentloop.DefaultLoopConfig()
	loop.MaxStepsPerTurn = cfg.LoopControl.MaxStepsPerTurn
	loop.MaxRetriesPerStep = cfg.LoopControl.MaxRetriesPerStep
	loop.TurnTimeout = cfg.LoopControl.TurnTimeout
	loop.MaxContextSize = model.MaxContextSize
	loop.OutputLimits = agentloop.OutputLimits{Chars: cfg.Tools.OutputLimits, Lines: cfg.Tools.LineLimits}
	loop.LoopDetectionWindow = cfg.LoopControl.DetectionWindow()
	loop.EnableLoopDetection = loop.LoopDetectionWindow > 0
	loop.AnnounceCheckpoints = true

	// Parent and subagents share the gate; their requests take turns.
	approver := agentloop.NewSerialApprover(gate)
	subagents := agentloop.NewSubagentManager(agentloop.SubagentConfig{
		Provider: client,
		Model:    model.Model,
		Approver: approver,
		Tools:    builtin,
		Loop:     loop,
		MaxDepth: cfg.Tools.MaxSubagentDepth,
		Logger:   logger,
		Options: []agentloop.Option{
			agentloop.WithMetrics(metrics),
			agentloop.WithTracer(tracer.Tracer()),
		},
	})
	toolset.Register(subagents.Tool())

	prompt := agentloop.BuildSystemPrompt(agentloop.PromptOptions{WorkDir: workDir, Model: model.Model})
	return agentloop.NewSoul(client, history, bus, gate, toolset,
		agentloop.WithModel(model.Model),
		agentloop.WithLoopConfig(loop),
		agentloop.WithCompaction(compactor),
		agentloop.WithDenwaRenji(agentloop.NewDenwaRenji(history)),
		agentloop.WithSystemPrompt(prompt),
		agentloop.WithApprover(approver),
		agentloop.WithLogger(logger),
		agentloop.WithMetrics(metrics),
		agentloop.WithTracer(tracer.Tracer()),
		agentloop.WithCoordinatorOptions(agentloop.WithMaxParallel(cfg.Tools.MaxParallel)),
	), nil
}

func serveMetrics(addr string, metrics *observability.Metrics, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

// readLines feeds stdin lines to a channel that is closed on EOF, so a
// pending read never blocks shutdown or an abandoned approval prompt.
func readLines(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			ch <- scanner.Text()
		}
	}()
	return ch
}

// app drives turns and renders bus events for a terminal.
type app struct {
	soul        *agentloop.Soul
	gate        *approval.Gate
	out         io.Writer
	errOut      io.Writer
	lines       <-chan string
	interactive bool
	logger      *slog.Logger

	// rendered receives after the renderer has handled a TurnEnd.
	rendered chan struct{}

	mu         sync.Mutex
	turnCtx    context.Context
	cancelTurn context.CancelFunc
}

func (a *app) repl(ctx context.Context) error {
	for {
		if a.interactive {
			fmt.Fprint(a.errOut, "> ")
		}
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-a.lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}
		switch line {
		case "":
			continue
		case "exit", "quit":
			return nil
		}
		if err := a.runTurn(ctx, line); err != nil {
			a.logger.Debug("turn failed", "error", err)
		}
	}
}

func (a *app) runTurn(ctx context.Context, input string) error {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.setTurn(turnCtx, cancel)
	defer a.setTurn(nil, nil)

	err := a.soul.Run(turnCtx, input)
	select {
	case <-a.rendered:
	case <-time.After(2 * time.Second):
	}
	return err
}

func (a *app) setTurn(ctx context.Context, cancel context.CancelFunc) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.turnCtx, a.cancelTurn = ctx, cancel
}

func (a *app) currentTurn() context.Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.turnCtx == nil {
		return context.Background()
	}
	return a.turnCtx
}

// interruptTurn cancels the running turn and reports whether there was one.
func (a *app) interruptTurn() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancelTurn == nil {
		return false
	}
	a.cancelTurn()
	return true
}

// handleSignals makes the first interrupt cancel the running turn. An
// interrupt while idle, or SIGTERM, stops the program.
func (a *app) handleSignals(stop context.CancelFunc) func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case sig := <-sigCh:
				if sig == syscall.SIGTERM || !a.interruptTurn() {
					stop()
					return
				}
				fmt.Fprintln(a.errOut, "\nInterrupted.")
			}
		}
	}()
	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}
