package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/wiretap/internal/config"
	"firestige.xyz/wiretap/internal/core"
	"firestige.xyz/wiretap/internal/credential"
	"firestige.xyz/wiretap/internal/supervisor"
)

const waitFor = 2 * time.Second

const httpsLine = "12:00:00.000000 IP 10.0.0.1.443 > 10.0.0.2.51000: Flags [S], seq 1, ack 1, length 64\n"

// ─── fakes ───

type fakeProcess struct {
	pid      int
	stdoutR  *io.PipeReader
	stdoutW  *io.PipeWriter
	stderrR  *io.PipeReader
	stderrW  *io.PipeWriter
	done     chan struct{}
	exitOnce sync.Once
	exitCode int
	terms    atomic.Int32
}

func newFakeProcess(pid int) *fakeProcess {
	p := &fakeProcess{pid: pid, done: make(chan struct{})}
	p.stdoutR, p.stdoutW = io.Pipe()
	p.stderrR, p.stderrW = io.Pipe()
	return p
}

func (p *fakeProcess) exit(code int) {
	p.exitOnce.Do(func() {
		p.exitCode = code
		p.stdoutW.Close()
		p.stderrW.Close()
		close(p.done)
	})
}

func (p *fakeProcess) Pid() int              { return p.pid }
func (p *fakeProcess) Stdout() io.Reader     { return p.stdoutR }
func (p *fakeProcess) Stderr() io.Reader     { return p.stderrR }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }
func (p *fakeProcess) ExitCode() int         { <-p.done; return p.exitCode }
func (p *fakeProcess) Close()                { p.stdoutR.Close(); p.stderrR.Close() }

func (p *fakeProcess) Terminate(time.Duration) error {
	p.terms.Add(1)
	p.exit(-1)
	return nil
}

func (p *fakeProcess) stdout(t *testing.T, text string) {
	t.Helper()
	_, err := p.stdoutW.Write([]byte(text))
	require.NoError(t, err)
}

func (p *fakeProcess) stderr(t *testing.T, text string) {
	t.Helper()
	_, err := p.stderrW.Write([]byte(text))
	require.NoError(t, err)
}

type fakeLauncher struct {
	mu       sync.Mutex
	missing  map[string]bool
	spawnErr error
	cmds     []supervisor.Command
	procs    []*fakeProcess
}

func (l *fakeLauncher) LookPath(tool string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.missing[tool] {
		return "", fmt.Errorf("%w: %s", core.ErrToolNotInstalled, tool)
	}
	return "/usr/bin/" + tool, nil
}

func (l *fakeLauncher) Launch(ctx context.Context, cmd supervisor.Command) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cmds = append(l.cmds, cmd)
	if l.spawnErr != nil {
		return nil, l.spawnErr
	}
	p := newFakeProcess(1000 + len(l.procs))
	l.procs = append(l.procs, p)
	return p, nil
}

func (l *fakeLauncher) last() *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.procs) == 0 {
		return nil
	}
	return l.procs[len(l.procs)-1]
}

func (l *fakeLauncher) launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.cmds)
}

type recorder struct {
	mu          sync.Mutex
	unavailable bool
	statuses    []core.StatusEvent
	packets     []core.PacketEvent
	statusCh    chan core.StatusEvent
}

func newRecorder() *recorder {
	return &recorder{statusCh: make(chan core.StatusEvent, 64)}
}

func (r *recorder) Available() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.unavailable
}

func (r *recorder) PublishStatus(ev core.StatusEvent) {
	r.mu.Lock()
	r.statuses = append(r.statuses, ev)
	r.mu.Unlock()
	r.statusCh <- ev
}

func (r *recorder) PublishPacket(ev core.PacketEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packets = append(r.packets, ev)
}

func (r *recorder) packetEvents() []core.PacketEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.PacketEvent(nil), r.packets...)
}

func (r *recorder) count(status core.Status) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.statuses {
		if ev.Status == status {
			n++
		}
	}
	return n
}

// await returns the next status event with the given tag.
func (r *recorder) await(t *testing.T, status core.Status) core.StatusEvent {
	t.Helper()
	timeout := time.After(waitFor)
	for {
		select {
		case ev := <-r.statusCh:
			if ev.Status == status {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", status)
			return core.StatusEvent{}
		}
	}
}

func newTestEngine(opts Options) (*Engine, *fakeLauncher, *recorder) {
	if opts.Elevation == "" {
		opts.Elevation = config.ElevationNone
	}
	l := &fakeLauncher{missing: map[string]bool{}}
	r := newRecorder()
	return NewEngine(opts, l, r, nil), l, r
}

func startRunning(t *testing.T, e *Engine, l *fakeLauncher) *fakeProcess {
	t.Helper()
	require.NoError(t, e.Start(context.Background(), "eth0", ""))
	require.Equal(t, core.StateRunning, e.Status().State)
	p := l.last()
	require.NotNil(t, p)
	return p
}

func awaitState(t *testing.T, e *Engine, want core.SessionState) {
	t.Helper()
	require.Eventually(t, func() bool { return e.Status().State == want }, waitFor, 5*time.Millisecond,
		"want state %s, have %s", want, e.Status().State)
}

// ─── tests ───

func TestStart_RunsAndEmitsPackets(t *testing.T) {
	e, l, r := newTestEngine(Options{})
	p := startRunning(t, e, l)

	assert.Equal(t, "/usr/bin/tcpdump", l.cmds[0].Path)
	assert.Equal(t, []string{"-i", "eth0", "-l", "-n", "-s", "0"}, l.cmds[0].Args)
	assert.Nil(t, l.cmds[0].Stdin)

	p.stdout(t, "listening on eth0, link-type EN10MB (Ethernet), snapshot length 262144 bytes\n")
	p.stdout(t, httpsLine)
	p.stdout(t, "12:00:00.000001 IP 10.0.0.2.51000 > 10.0.0.1.443: Flags [.], ack 1, length 0\n")

	started := r.await(t, core.StatusStarted)
	assert.Equal(t, "eth0", started.Interface)
	require.Eventually(t, func() bool { return len(r.packetEvents()) == 2 }, waitFor, 5*time.Millisecond)

	packets := r.packetEvents()
	assert.Equal(t, uint64(1), packets[0].Summary.Seq)
	assert.Equal(t, uint64(2), packets[1].Summary.Seq)
	assert.Equal(t, core.ProtocolHTTPS, packets[0].Summary.Protocol)
	assert.Equal(t, "10.0.0.1", packets[0].Summary.Source)
	assert.Equal(t, uint16(443), packets[0].Summary.SrcPort)
	assert.Equal(t, 64, packets[0].Summary.Length)
	assert.Len(t, packets[0].Frame.Data, 64)
	assert.Equal(t, packets[0].Summary.Seq, packets[0].Frame.Seq)
	assert.Equal(t, started.SessionID, packets[0].SessionID)

	snap := e.Status()
	assert.True(t, snap.Privileged)
	assert.Equal(t, uint64(2), snap.Packets)
	assert.Equal(t, p.pid, snap.Pid)

	e.Stop()
	assert.Equal(t, core.StateStopped, e.Status().State)
	assert.Equal(t, int32(1), p.terms.Load())
	r.await(t, core.StatusStopped)
	assert.Equal(t, 1, r.count(core.StatusStarted))
}

func TestStart_RejectsWhileInProgress(t *testing.T) {
	e, l, _ := newTestEngine(Options{})
	startRunning(t, e, l)
	id := e.Status().ID

	err := e.Start(context.Background(), "eth1", "")
	assert.ErrorIs(t, err, core.ErrCaptureInProgress)
	assert.Equal(t, core.StateRunning, e.Status().State)
	assert.Equal(t, id, e.Status().ID)
	assert.Equal(t, 1, l.launches())

	e.Stop()
}

func TestStart_Validation(t *testing.T) {
	e, l, r := newTestEngine(Options{})

	assert.ErrorIs(t, e.Start(context.Background(), "  ", ""), core.ErrInvalidInterface)

	r.unavailable = true
	assert.ErrorIs(t, e.Start(context.Background(), "eth0", ""), core.ErrSurfaceUnavailable)

	assert.Equal(t, core.StateIdle, e.Status().State)
	assert.Zero(t, l.launches())
}

func TestStart_ToolMissing(t *testing.T) {
	e, l, r := newTestEngine(Options{})
	l.missing["tcpdump"] = true

	err := e.Start(context.Background(), "eth0", "")
	assert.ErrorIs(t, err, core.ErrToolNotInstalled)
	assert.Equal(t, core.StateError, e.Status().State)
	assert.Zero(t, l.launches())

	ev := r.await(t, core.StatusError)
	assert.Equal(t, core.CauseEnvironment, ev.Cause)
	assert.Contains(t, ev.Message, "tcpdump")
}

func TestStart_SpawnFails(t *testing.T) {
	e, l, r := newTestEngine(Options{})
	l.spawnErr = errors.New("fork: resource temporarily unavailable")

	err := e.Start(context.Background(), "eth0", "")
	assert.ErrorIs(t, err, core.ErrSpawnFailed)
	assert.Equal(t, core.StateError, e.Status().State)
	assert.Equal(t, core.CauseProcess, r.await(t, core.StatusError).Cause)
}

func TestStart_PassesFilterAndExtraArgs(t *testing.T) {
	e, l, _ := newTestEngine(Options{ExtraArgs: []string{"-U"}})
	require.NoError(t, e.Start(context.Background(), "en0", "tcp port 443 and host 10.0.0.1"))
	defer e.Stop()

	assert.Equal(t, []string{"-i", "en0", "-l", "-n", "-s", "0", "-U", "tcp port 443 and host 10.0.0.1"}, l.cmds[0].Args)
}

func TestElevation_Approved(t *testing.T) {
	e, l, r := newTestEngine(Options{Elevation: config.ElevationSudo})

	result := make(chan error, 1)
	go func() { result <- e.Start(context.Background(), "eth0", "") }()

	confirm := r.await(t, core.StatusRequestingConfirmation)
	require.NotNil(t, confirm.Request)
	assert.Equal(t, core.PromptConfirm, confirm.Request.Kind)
	assert.Equal(t, core.StateRequestingElevation, confirm.State)
	require.True(t, e.Respond(credential.Response{RequestID: confirm.Request.ID, Approved: true}))

	ask := r.await(t, core.StatusRequestingCredential)
	require.NotNil(t, ask.Request)
	assert.Equal(t, core.PromptSecret, ask.Request.Kind)
	assert.Equal(t, core.StateAwaitingCredential, ask.State)
	require.True(t, e.Respond(credential.Response{RequestID: ask.Request.ID, Secret: "hunter2"}))

	require.NoError(t, <-result)
	assert.Equal(t, core.StateRunning, e.Status().State)
	assert.True(t, e.Status().Elevated)

	cmd := l.cmds[0]
	assert.Equal(t, "/usr/bin/sudo", cmd.Path)
	assert.Equal(t, []string{"-S", "-p", "", "-k", "--", "/usr/bin/tcpdump", "-i", "eth0", "-l", "-n", "-s", "0"}, cmd.Args)
	assert.Equal(t, []byte("hunter2\n"), cmd.Stdin)
	assert.Equal(t, 1, r.count(core.StatusRequestingCredential))

	e.Stop()
}

func TestElevation_AutoSkipsForRoot(t *testing.T) {
	e, l, _ := newTestEngine(Options{Elevation: config.ElevationAuto})
	e.isRoot = func() bool { return true }

	require.NoError(t, e.Start(context.Background(), "eth0", ""))
	defer e.Stop()
	assert.Equal(t, "/usr/bin/tcpdump", l.cmds[0].Path)
	assert.False(t, e.Status().Elevated)
}

func TestElevation_Failures(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
		answer  func(t *testing.T, e *Engine, r *recorder)
		wantErr error
	}{
		{
			name: "declined",
			answer: func(t *testing.T, e *Engine, r *recorder) {
				r.await(t, core.StatusRequestingConfirmation)
				e.Respond(credential.Response{Approved: false})
			},
			wantErr: core.ErrCancelledByUser,
		},
		{
			name: "confirmation dismissed",
			answer: func(t *testing.T, e *Engine, r *recorder) {
				r.await(t, core.StatusRequestingConfirmation)
				e.Respond(credential.Response{Cancelled: true})
			},
			wantErr: core.ErrCancelledByUser,
		},
		{
			name: "password dismissed",
			answer: func(t *testing.T, e *Engine, r *recorder) {
				r.await(t, core.StatusRequestingConfirmation)
				e.Respond(credential.Response{Approved: true})
				r.await(t, core.StatusRequestingCredential)
				e.Respond(credential.Response{Cancelled: true})
			},
			wantErr: core.ErrCancelledByUser,
		},
		{
			name: "empty password",
			answer: func(t *testing.T, e *Engine, r *recorder) {
				r.await(t, core.StatusRequestingConfirmation)
				e.Respond(credential.Response{Approved: true})
				r.await(t, core.StatusRequestingCredential)
				e.Respond(credential.Response{Secret: ""})
			},
			wantErr: core.ErrMissingCredential,
		},
		{
			name:    "password timeout",
			timeout: 150 * time.Millisecond,
			answer: func(t *testing.T, e *Engine, r *recorder) {
				r.await(t, core.StatusRequestingConfirmation)
				e.Respond(credential.Response{Approved: true})
			},
			wantErr: core.ErrMissingCredential,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, l, r := newTestEngine(Options{Elevation: config.ElevationSudo, CredentialTimeout: tt.timeout})

			result := make(chan error, 1)
			go func() { result <- e.Start(context.Background(), "eth0", "") }()
			tt.answer(t, e, r)

			select {
			case err := <-result:
				assert.ErrorIs(t, err, tt.wantErr)
			case <-time.After(waitFor):
				t.Fatal("start did not return")
			}
			assert.Equal(t, core.StateError, e.Status().State)
			assert.Equal(t, core.CauseCancellation, r.await(t, core.StatusError).Cause)
			assert.Zero(t, l.launches())
			_, pending := e.PendingPrompt()
			assert.False(t, pending)
		})
	}
}

func TestStop_DuringCredentialWait(t *testing.T) {
	e, l, r := newTestEngine(Options{Elevation: config.ElevationSudo})

	result := make(chan error, 1)
	go func() { result <- e.Start(context.Background(), "eth0", "") }()
	confirm := r.await(t, core.StatusRequestingConfirmation)

	e.Stop()

	assert.ErrorIs(t, <-result, core.ErrCancelledByUser)
	assert.Equal(t, core.StateStopped, e.Status().State)
	assert.Zero(t, l.launches())
	assert.Zero(t, r.count(core.StatusError))
	r.await(t, core.StatusStopped)

	assert.False(t, e.Respond(credential.Response{RequestID: confirm.Request.ID, Approved: true}),
		"late responses are not attributed to anything")
}

func TestStop_Idempotent(t *testing.T) {
	e, l, r := newTestEngine(Options{})
	e.Stop() // no session

	p := startRunning(t, e, l)
	e.Stop()
	e.Stop()

	assert.Equal(t, core.StateStopped, e.Status().State)
	assert.Equal(t, int32(1), p.terms.Load())
	r.await(t, core.StatusStopped)
	assert.Equal(t, 1, r.count(core.StatusStopped))
}

func TestStop_ConcurrentCalls(t *testing.T) {
	e, l, r := newTestEngine(Options{})
	startRunning(t, e, l)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Stop()
			assert.Equal(t, core.StateStopped, e.Status().State)
		}()
	}
	wg.Wait()
	r.await(t, core.StatusStopped)
	assert.Equal(t, 1, r.count(core.StatusStopped))
}

func TestStderr_IncorrectPassword(t *testing.T) {
	e, l, r := newTestEngine(Options{})
	p := startRunning(t, e, l)

	p.stderr(t, "sudo: 1 incorrect password attempt\n")

	ev := r.await(t, core.StatusError)
	assert.Contains(t, ev.Message, "incorrect")
	assert.Equal(t, core.CauseAuthentication, ev.Cause)
	awaitState(t, e, core.StateError)
	assert.ErrorIs(t, e.Current().Err(), core.ErrIncorrectCredential)
	require.Eventually(t, func() bool { return p.terms.Load() == 1 }, waitFor, 5*time.Millisecond)
	assert.Zero(t, r.count(core.StatusStopped))
}

func TestStderr_PermissionDenied(t *testing.T) {
	e, l, r := newTestEngine(Options{})
	p := startRunning(t, e, l)

	p.stderr(t, "tcpdump: eth0: You don't have permission to capture on that device\n")

	ev := r.await(t, core.StatusError)
	assert.Equal(t, core.CausePermission, ev.Cause)
	assert.Contains(t, ev.Message, "eth0")
	assert.ErrorIs(t, e.Current().Err(), core.ErrInsufficientPrivileges)
	require.Eventually(t, func() bool { return p.terms.Load() == 1 }, waitFor, 5*time.Millisecond)
}

func TestExit_BeforePrivilegedIsError(t *testing.T) {
	e, l, r := newTestEngine(Options{})
	p := startRunning(t, e, l)

	p.stderr(t, "tcpdump: eth9: No such device exists\n")
	p.exit(1)

	ev := r.await(t, core.StatusError)
	assert.Equal(t, core.CauseProcess, ev.Cause)
	assert.Contains(t, ev.Message, "exit code 1")
	assert.Contains(t, ev.Message, "No such device")
	assert.ErrorIs(t, e.Current().Err(), core.ErrProcessExited)
}

func TestExit_CleanStops(t *testing.T) {
	t.Run("zero exit", func(t *testing.T) {
		e, l, r := newTestEngine(Options{})
		p := startRunning(t, e, l)
		p.exit(0)
		r.await(t, core.StatusStopped)
		awaitState(t, e, core.StateStopped)
	})

	t.Run("non-zero after privileges confirmed", func(t *testing.T) {
		e, l, r := newTestEngine(Options{})
		p := startRunning(t, e, l)

		p.stderr(t, "listening on eth0, link-type EN10MB (Ethernet), snapshot length 262144 bytes\n")
		r.await(t, core.StatusStarted)
		p.exit(1)

		r.await(t, core.StatusStopped)
		awaitState(t, e, core.StateStopped)
		assert.Zero(t, r.count(core.StatusError))
	})
}

func TestBatchLimitDropsExcessLines(t *testing.T) {
	e, l, r := newTestEngine(Options{BatchSize: 2})
	p := startRunning(t, e, l)

	p.stdout(t, httpsLine+httpsLine+httpsLine)

	require.Eventually(t, func() bool { return len(r.packetEvents()) == 2 }, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return e.Status().Dropped == 1 }, waitFor, 5*time.Millisecond)

	e.Stop()
	assert.Len(t, r.packetEvents(), 2)
}

func TestNewSessionAfterStop(t *testing.T) {
	e, l, r := newTestEngine(Options{})
	p := startRunning(t, e, l)
	p.stdout(t, httpsLine)
	require.Eventually(t, func() bool { return len(r.packetEvents()) == 1 }, waitFor, 5*time.Millisecond)
	first := e.Status().ID
	e.Stop()

	p2 := startRunning(t, e, l)
	assert.NotEqual(t, first, e.Status().ID)
	p2.stdout(t, httpsLine)
	require.Eventually(t, func() bool { return len(r.packetEvents()) == 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, uint64(1), r.packetEvents()[1].Summary.Seq, "sequence restarts per session")
	e.Stop()
}

func TestStatusWithoutSession(t *testing.T) {
	e, _, _ := newTestEngine(Options{})
	snap := e.Status()
	assert.Equal(t, core.StateIdle, snap.State)
	assert.Empty(t, snap.ID)

	_, err := e.ListInterfaces()
	assert.ErrorIs(t, err, core.ErrUnsupportedPlatform)
}

func TestClassifyStderr(t *testing.T) {
	tests := []struct {
		line string
		want stderrKind
	}{
		{"sudo: 1 incorrect password attempt", stderrAuthentication},
		{"Sorry, try again.", stderrAuthentication},
		{"sudo: a password is required", stderrAuthentication},
		{"sudo: no password was provided", stderrAuthentication},
		{"su: Authentication failure", stderrAuthentication},
		{"tcpdump: eth0: You don't have permission to capture on that device", stderrPermission},
		{"tcpdump: socket: Operation not permitted", stderrPermission},
		{"tcpdump: /dev/bpf0: Permission denied", stderrPermission},
		{"Insufficient privileges", stderrPermission},
		{"listening on lo, link-type EN10MB (Ethernet), snapshot length 262144 bytes", stderrListening},
		{"tcpdump: verbose output suppressed, use -v[v]... for full protocol decode", stderrOther},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classifyStderr(tt.line), tt.line)
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg, err := config.Default()
	require.NoError(t, err)

	opts := OptionsFromConfig(cfg)
	assert.Equal(t, "tcpdump", opts.Tool)
	assert.Equal(t, config.ElevationAuto, opts.Elevation)
	assert.Equal(t, 30*time.Second, opts.CredentialTimeout)
	assert.Equal(t, 5*time.Second, opts.GracePeriod)
	assert.Equal(t, 20, opts.BatchSize)
}
