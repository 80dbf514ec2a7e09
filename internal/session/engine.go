package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"firestige.xyz/wiretap/internal/config"
	"firestige.xyz/wiretap/internal/core"
	"firestige.xyz/wiretap/internal/credential"
	"firestige.xyz/wiretap/internal/metrics"
	"firestige.xyz/wiretap/internal/netif"
	"firestige.xyz/wiretap/internal/parser"
	"firestige.xyz/wiretap/internal/supervisor"
)

const (
	readChunk    = 64 * 1024
	drainTimeout = 2 * time.Second
)

// Process is a running capture process.
type Process interface {
	Pid() int
	Stdout() io.Reader
	Stderr() io.Reader
	Done() <-chan struct{}
	ExitCode() int
	Terminate(grace time.Duration) error
	Close()
}

// Launcher resolves tools and starts capture processes.
type Launcher interface {
	LookPath(tool string) (string, error)
	Launch(ctx context.Context, cmd supervisor.Command) (Process, error)
}

// Publisher delivers session events to observers.
type Publisher interface {
	// Available reports whether events can currently be delivered.
	Available() bool
	PublishStatus(ev core.StatusEvent)
	PublishPacket(ev core.PacketEvent)
}

// InterfaceLister enumerates capture interfaces.
type InterfaceLister interface {
	List() ([]netif.Interface, error)
}

type supervisorLauncher struct {
	sup *supervisor.Supervisor
}

// NewLauncher adapts a supervisor to the Launcher interface.
func NewLauncher(sup *supervisor.Supervisor) Launcher {
	return supervisorLauncher{sup: sup}
}

func (l supervisorLauncher) LookPath(tool string) (string, error) {
	return l.sup.LookPath(tool)
}

func (l supervisorLauncher) Launch(ctx context.Context, cmd supervisor.Command) (Process, error) {
	p, err := l.sup.Spawn(ctx, cmd)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Options configures an Engine.
type Options struct {
	Tool              string
	Elevation         string // config.ElevationAuto | ElevationSudo | ElevationNone
	ElevationTool     string
	ExtraArgs         []string
	CredentialTimeout time.Duration
	GracePeriod       time.Duration
	BatchSize         int
}

// OptionsFromConfig extracts engine options from the global configuration.
func OptionsFromConfig(cfg *config.GlobalConfig) Options {
	return Options{
		Tool:              cfg.Capture.Tool,
		Elevation:         cfg.Capture.Elevation,
		ElevationTool:     cfg.Capture.ElevationTool,
		ExtraArgs:         cfg.Capture.ExtraArgs,
		CredentialTimeout: cfg.Credential.Timeout,
		GracePeriod:       cfg.Supervisor.GracePeriod,
		BatchSize:         cfg.Parser.BatchSize,
	}
}

func (o Options) withDefaults() Options {
	if o.Tool == "" {
		o.Tool = "tcpdump"
	}
	if o.Elevation == "" {
		o.Elevation = config.ElevationAuto
	}
	if o.ElevationTool == "" {
		o.ElevationTool = "sudo"
	}
	if o.CredentialTimeout <= 0 {
		o.CredentialTimeout = credential.DefaultTimeout
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = supervisor.DefaultGracePeriod
	}
	if o.BatchSize <= 0 {
		o.BatchSize = parser.DefaultBatchSize
	}
	return o
}

// Engine runs capture sessions, at most one non-terminal at a time.
type Engine struct {
	opts       Options
	launcher   Launcher
	pub        Publisher
	interfaces InterfaceLister
	exchange   *credential.Exchange
	isRoot     func() bool

	mu      sync.Mutex
	current *Session
}

// NewEngine creates an engine. interfaces may be nil.
func NewEngine(opts Options, launcher Launcher, pub Publisher, interfaces InterfaceLister) *Engine {
	opts = opts.withDefaults()
	e := &Engine{
		opts:       opts,
		launcher:   launcher,
		pub:        pub,
		interfaces: interfaces,
		isRoot:     func() bool { return os.Geteuid() == 0 },
	}
	e.exchange = credential.NewExchange(opts.CredentialTimeout, e.notifyPrompt)
	metrics.SetSessionState(string(core.StateIdle))
	return e
}

// ListInterfaces returns the capture interfaces.
func (e *Engine) ListInterfaces() ([]netif.Interface, error) {
	if e.interfaces == nil {
		return nil, fmt.Errorf("%w: interface enumeration not configured", core.ErrUnsupportedPlatform)
	}
	return e.interfaces.List()
}

// Current returns the most recent session, or nil before the first start.
func (e *Engine) Current() *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current
}

// Status returns a snapshot of the current session. Before the first start
// the snapshot is in the idle state.
func (e *Engine) Status() Snapshot {
	if s := e.Current(); s != nil {
		return s.Snapshot()
	}
	return Snapshot{State: core.StateIdle}
}

// Respond answers the outstanding operator prompt.
func (e *Engine) Respond(resp credential.Response) bool {
	return e.exchange.Respond(resp)
}

// PendingPrompt returns the outstanding operator prompt, if any.
func (e *Engine) PendingPrompt() (core.PromptRequest, bool) {
	return e.exchange.Pending()
}

// Start begins a capture on iface with an opaque filter. It returns once the
// session is running or has ended; ctx bounds only that startup phase.
func (e *Engine) Start(ctx context.Context, iface, filter string) error {
	if strings.TrimSpace(iface) == "" {
		return fmt.Errorf("%w: interface name is empty", core.ErrInvalidInterface)
	}

	startCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	if cur := e.current; cur != nil && !cur.State().Terminal() {
		e.mu.Unlock()
		return core.ErrCaptureInProgress
	}
	if !e.pub.Available() {
		e.mu.Unlock()
		return core.ErrSurfaceUnavailable
	}
	s := newSession(iface, filter, e.elevationRequired(), cancel)
	e.current = s
	e.mu.Unlock()

	slog.Info("starting capture session", "session_id", s.id, "interface", iface, "filter", filter, "elevated", s.elevated)

	var secret string
	if s.elevated {
		var err error
		if secret, err = e.elevate(startCtx, s); err != nil {
			e.fail(s, err)
			return e.outcome(s)
		}
	}

	if !e.enter(s, core.StateSpawning, core.StateIdle, core.StateAwaitingCredential) {
		return e.outcome(s)
	}
	proc, err := e.spawn(startCtx, s, secret)
	if err != nil {
		e.fail(s, err)
		return e.outcome(s)
	}

	s.mu.Lock()
	if s.state != core.StateSpawning {
		s.mu.Unlock()
		slog.Info("session ended while spawning, terminating process", "session_id", s.id, "pid", proc.Pid())
		if err := proc.Terminate(e.opts.GracePeriod); err != nil {
			slog.Warn("failed to terminate capture process", "session_id", s.id, "error", err)
		}
		proc.Close()
		return e.outcome(s)
	}
	s.proc = proc
	s.state = core.StateRunning
	s.startedAt = time.Now()
	s.mu.Unlock()

	metrics.SetSessionState(string(core.StateRunning))
	slog.Info("capture session running", "session_id", s.id, "interface", iface, "pid", proc.Pid())

	go e.run(s, proc)
	return nil
}

func (e *Engine) elevationRequired() bool {
	switch e.opts.Elevation {
	case config.ElevationSudo:
		return true
	case config.ElevationNone:
		return false
	default:
		return !e.isRoot()
	}
}

// elevate runs the confirmation and credential exchanges.
func (e *Engine) elevate(ctx context.Context, s *Session) (string, error) {
	if !e.enter(s, core.StateRequestingElevation, core.StateIdle) {
		return "", fmt.Errorf("%w: session ended", core.ErrCancelledByUser)
	}

	ok, err := e.exchange.Confirm(ctx, fmt.Sprintf("Capturing on %s requires administrator privileges. Continue?", s.iface))
	switch {
	case err != nil:
		metrics.CredentialRequestsTotal.WithLabelValues(string(core.PromptConfirm), outcomeLabel(err)).Inc()
		return "", fmt.Errorf("%w: elevation not confirmed: %v", core.ErrCancelledByUser, err)
	case !ok:
		metrics.CredentialRequestsTotal.WithLabelValues(string(core.PromptConfirm), "declined").Inc()
		return "", fmt.Errorf("%w: elevation declined", core.ErrCancelledByUser)
	}
	metrics.CredentialRequestsTotal.WithLabelValues(string(core.PromptConfirm), "approved").Inc()

	if !e.enter(s, core.StateAwaitingCredential, core.StateRequestingElevation) {
		return "", fmt.Errorf("%w: session ended", core.ErrCancelledByUser)
	}

	secret, err := e.exchange.RequestCredential(ctx, fmt.Sprintf("Administrator password to capture on %s", s.iface))
	metrics.CredentialRequestsTotal.WithLabelValues(string(core.PromptSecret), outcomeLabel(err)).Inc()
	switch {
	case errors.Is(err, credential.ErrTimedOut):
		return "", fmt.Errorf("%w: no password entered within %s", core.ErrMissingCredential, e.opts.CredentialTimeout)
	case err != nil:
		return "", fmt.Errorf("%w: password prompt dismissed: %v", core.ErrCancelledByUser, err)
	case secret == "":
		return "", fmt.Errorf("%w: empty password", core.ErrMissingCredential)
	}
	return secret, nil
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "answered"
	case errors.Is(err, credential.ErrTimedOut):
		return "timeout"
	case errors.Is(err, credential.ErrCancelled):
		return "cancelled"
	default:
		return "aborted"
	}
}

func (e *Engine) spawn(ctx context.Context, s *Session, secret string) (Process, error) {
	tool, err := e.launcher.LookPath(e.opts.Tool)
	if err != nil {
		return nil, err
	}
	spec := supervisor.CaptureSpec{
		Tool:      tool,
		Interface: s.iface,
		Filter:    s.filter,
		ExtraArgs: e.opts.ExtraArgs,
	}
	if s.elevated {
		wrapper, err := e.launcher.LookPath(e.opts.ElevationTool)
		if err != nil {
			return nil, err
		}
		spec.ElevationTool = wrapper
		spec.Secret = secret
	}

	proc, err := e.launcher.Launch(ctx, supervisor.BuildCaptureCommand(spec))
	if err != nil {
		if !errors.Is(err, core.ErrSpawnFailed) && !errors.Is(err, core.ErrUnsupportedPlatform) {
			err = fmt.Errorf("%w: %v", core.ErrSpawnFailed, err)
		}
		return nil, err
	}
	return proc, nil
}

// outcome maps the session state after a start attempt to Start's result.
func (e *Engine) outcome(s *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case core.StateRunning:
		return nil
	case core.StateError:
		return s.err
	default:
		return fmt.Errorf("%w: capture stopped before it started", core.ErrCancelledByUser)
	}
}

func (e *Engine) enter(s *Session, next core.SessionState, from ...core.SessionState) bool {
	if !s.advance(next, from...) {
		return false
	}
	metrics.SetSessionState(string(next))
	slog.Debug("capture session state changed", "session_id", s.id, "state", next)
	return true
}

// Stop ends the current session. It is a no-op without a non-terminal session.
func (e *Engine) Stop() {
	s := e.Current()
	if s == nil {
		return
	}

	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	if s.state == core.StateStopping {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.state = core.StateStopping
	proc := s.proc
	s.mu.Unlock()

	metrics.SetSessionState(string(core.StateStopping))
	slog.Info("stopping capture session", "session_id", s.id, "interface", s.iface)

	s.cancel()
	e.exchange.Cancel()

	if proc != nil {
		begin := time.Now()
		if err := proc.Terminate(e.opts.GracePeriod); err != nil {
			slog.Warn("failed to terminate capture process", "session_id", s.id, "pid", proc.Pid(), "error", err)
		}
		metrics.TerminationSeconds.Observe(time.Since(begin).Seconds())
		select {
		case <-s.drained:
		case <-time.After(2 * drainTimeout):
			slog.Warn("capture output not drained after stop", "session_id", s.id)
		}
	}

	e.complete(s)
}

func (e *Engine) complete(s *Session) {
	if !s.finish(core.StateStopped, nil) {
		return
	}
	metrics.SetSessionState(string(core.StateStopped))
	metrics.SessionsTotal.WithLabelValues("stopped").Inc()
	slog.Info("capture session stopped", "session_id", s.id, "interface", s.iface)

	e.publishStatus(s, core.StatusStopped, "capture stopped", nil)
}

// fail moves s to Error, reports err and terminates the process.
func (e *Engine) fail(s *Session, err error) {
	if !s.finish(core.StateError, err) {
		slog.Debug("ignoring failure of finished session", "session_id", s.id, "error", err)
		return
	}
	metrics.SetSessionState(string(core.StateError))
	metrics.SessionsTotal.WithLabelValues(string(core.CauseOf(err))).Inc()
	slog.Error("capture session failed", "session_id", s.id, "interface", s.iface, "cause", core.CauseOf(err), "error", err)

	e.publishStatus(s, core.StatusError, err.Error(), err)

	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()
	if proc != nil {
		if terr := proc.Terminate(e.opts.GracePeriod); terr != nil {
			slog.Warn("failed to terminate capture process", "session_id", s.id, "pid", proc.Pid(), "error", terr)
		}
	}
}

func (e *Engine) publishStatus(s *Session, status core.Status, message string, err error) {
	e.pub.PublishStatus(core.StatusEvent{
		Status:    status,
		SessionID: s.id,
		Interface: s.iface,
		State:     s.State(),
		Message:   message,
		Cause:     core.CauseOf(err),
		Time:      time.Now(),
	})
}

// notifyPrompt turns a credential request into a status event.
func (e *Engine) notifyPrompt(req core.PromptRequest) {
	s := e.Current()
	if s == nil {
		return
	}
	status := core.StatusRequestingCredential
	if req.Kind == core.PromptConfirm {
		status = core.StatusRequestingConfirmation
	}
	e.pub.PublishStatus(core.StatusEvent{
		Status:    status,
		SessionID: s.id,
		Interface: s.iface,
		State:     s.State(),
		Message:   req.Prompt,
		Request:   &req,
		Time:      time.Now(),
	})
}
