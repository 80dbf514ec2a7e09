package command

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"firestige.xyz/wiretap/internal/core"
	"firestige.xyz/wiretap/internal/credential"
	"firestige.xyz/wiretap/internal/eventbus"
	"firestige.xyz/wiretap/internal/frame"
	"firestige.xyz/wiretap/internal/netif"
	"firestige.xyz/wiretap/internal/session"
)

// startServer runs a UDS server in the background and returns its socket path.
func startServer(t *testing.T, eng CaptureEngine, events EventSource) (string, func() error) {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "test.sock")
	server := NewUDSServer(socketPath, NewCommandHandler(eng), events)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	require.Eventually(t, func() bool {
		_, err := os.Stat(socketPath)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	stop := func() error {
		cancel()
		select {
		case err := <-errCh:
			return err
		case <-time.After(2 * time.Second):
			t.Error("server didn't stop in time")
			return nil
		}
	}
	t.Cleanup(func() { cancel() })
	return socketPath, stop
}

func TestUDSServerClient_Integration(t *testing.T) {
	eng := &mockEngine{}
	eng.On("ListInterfaces").Return([]netif.Interface{{Name: "eth0"}}, nil)
	eng.On("Start", mock.Anything, "eth0", "tcp").Return(nil)
	eng.On("Stop").Return()
	eng.On("Status").Return(session.Snapshot{ID: "s-1", Interface: "eth0", State: core.StateRunning, Packets: 3})
	eng.On("PendingPrompt").Return(core.PromptRequest{}, false)
	eng.On("Respond", mock.Anything).Return(false)

	socketPath, stop := startServer(t, eng, nil)
	client := NewUDSClient(socketPath, 5*time.Second)
	ctx := context.Background()

	t.Run("interfaces_list", func(t *testing.T) {
		res, err := client.InterfacesList(ctx)
		require.NoError(t, err)
		require.Len(t, res.Interfaces, 1)
		assert.Equal(t, "eth0", res.Interfaces[0].Name)
	})

	t.Run("capture_start", func(t *testing.T) {
		res, err := client.CaptureStart(ctx, CaptureStartParams{Interface: "eth0", Filter: "tcp"}, time.Minute)
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, "s-1", res.SessionID)
	})

	t.Run("capture_status", func(t *testing.T) {
		res, err := client.CaptureStatus(ctx)
		require.NoError(t, err)
		assert.Equal(t, core.StateRunning, res.State)
		assert.Equal(t, uint64(3), res.Packets)
		assert.Nil(t, res.Prompt)
	})

	t.Run("credential_respond", func(t *testing.T) {
		accepted, err := client.CredentialRespond(ctx, credential.Response{Secret: "x"})
		require.NoError(t, err)
		assert.False(t, accepted)
	})

	t.Run("capture_stop", func(t *testing.T) {
		require.NoError(t, client.CaptureStop(ctx))
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, client.Ping(ctx))
	})

	t.Run("unknown_method", func(t *testing.T) {
		resp, err := client.Call(ctx, "unknown.method", nil)
		require.NoError(t, err)
		require.NotNil(t, resp.Error)
		assert.Equal(t, ErrCodeMethodNotFound, resp.Error.Code)
	})

	err := stop()
	if err != nil && err != context.Canceled {
		t.Errorf("server error: %v", err)
	}

	_, statErr := os.Stat(socketPath)
	assert.True(t, os.IsNotExist(statErr), "socket file not removed after server stop")
}

func TestUDSServer_EventStream(t *testing.T) {
	bus := eventbus.NewCaptureEventBus(16)
	defer bus.Close()

	socketPath, _ := startServer(t, &mockEngine{}, bus)
	client := NewUDSClient(socketPath, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan struct{})
	var mu sync.Mutex
	var got []*eventbus.Event
	done := make(chan error, 1)
	go func() {
		done <- client.Subscribe(ctx, nil, func() { close(ready) }, func(ev *eventbus.Event) error {
			mu.Lock()
			got = append(got, ev)
			mu.Unlock()
			return nil
		})
	}()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not acknowledged")
	}

	sum := core.PacketSummary{Seq: 0, Source: "10.0.0.1", Destination: "10.0.0.2", Protocol: core.ProtocolUDP, Length: 80}
	bus.PublishStatus(core.StatusEvent{Status: core.StatusStarted, SessionID: "s-1", State: core.StateRunning})
	bus.PublishPacket(core.PacketEvent{SessionID: "s-1", Summary: sum, Frame: frame.Build(sum)})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, eventbus.TopicStatus, got[0].Topic)
	assert.Equal(t, core.StatusStarted, got[0].Status.Status)
	assert.Equal(t, eventbus.TopicPacket, got[1].Topic)
	require.NotNil(t, got[1].Packet)
	assert.Len(t, got[1].Packet.Frame.Data, 80)
	mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe did not return after cancel")
	}

	// The server drops the subscription once the peer is gone.
	require.Eventually(t, func() bool {
		return bus.GetStats().Subscribers == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestUDSServer_EventStreamTopicFilter(t *testing.T) {
	bus := eventbus.NewCaptureEventBus(16)
	defer bus.Close()

	socketPath, _ := startServer(t, &mockEngine{}, bus)
	client := NewUDSClient(socketPath, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan struct{})
	got := make(chan *eventbus.Event, 4)
	go client.Subscribe(ctx, []eventbus.Topic{eventbus.TopicStatus}, func() { close(ready) }, func(ev *eventbus.Event) error {
		got <- ev
		return nil
	})
	<-ready

	bus.PublishPacket(core.PacketEvent{SessionID: "s-1"})
	bus.PublishStatus(core.StatusEvent{Status: core.StatusStopped})

	select {
	case ev := <-got:
		assert.Equal(t, eventbus.TopicStatus, ev.Topic)
	case <-time.After(2 * time.Second):
		t.Fatal("status event not delivered")
	}
}

func TestUDSServer_SubscribeWithoutEvents(t *testing.T) {
	socketPath, _ := startServer(t, &mockEngine{}, nil)
	client := NewUDSClient(socketPath, 5*time.Second)

	err := client.Subscribe(context.Background(), nil, nil, func(*eventbus.Event) error { return nil })
	var rpcErr *ErrorInfo
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, ErrCodeInternalError, rpcErr.Code)
}

func TestUDSClient_ConnectionError(t *testing.T) {
	client := NewUDSClient(filepath.Join(t.TempDir(), "non-existent.sock"), 1*time.Second)

	_, err := client.DaemonStatus(context.Background())
	assert.Error(t, err)
}

func TestUDSClient_Timeout(t *testing.T) {
	eng := &mockEngine{}
	eng.On("Status").Return(session.Snapshot{})
	socketPath, _ := startServer(t, eng, nil)

	client := NewUDSClient(socketPath, 1*time.Nanosecond)
	_, err := client.DaemonStatus(context.Background())
	assert.Error(t, err)
}

func TestUDSServer_MultipleConnections(t *testing.T) {
	eng := &mockEngine{}
	eng.On("Status").Return(session.Snapshot{State: core.StateIdle})
	socketPath, _ := startServer(t, eng, nil)

	errCh := make(chan error, 5)
	for i := 0; i < 5; i++ {
		go func() {
			_, err := NewUDSClient(socketPath, 5*time.Second).DaemonStatus(context.Background())
			errCh <- err
		}()
	}

	for i := 0; i < 5; i++ {
		assert.NoError(t, <-errCh)
	}
}

// A blocked capture_start must not hold up credential_respond on another connection.
func TestUDSServer_RespondWhileStartBlocks(t *testing.T) {
	answered := make(chan credential.Response, 1)
	started := make(chan struct{})
	eng := &mockEngine{}
	eng.On("Start", mock.Anything, "eth0", "").Run(func(mock.Arguments) {
		close(started)
		<-answered
	}).Return(nil)
	eng.On("Status").Return(session.Snapshot{ID: "s-1", Interface: "eth0", State: core.StateRunning})
	eng.On("Respond", mock.Anything).Run(func(args mock.Arguments) {
		answered <- args.Get(0).(credential.Response)
	}).Return(true)

	socketPath, _ := startServer(t, eng, nil)
	client := NewUDSClient(socketPath, 5*time.Second)

	startDone := make(chan *CaptureStartResult, 1)
	go func() {
		res, err := client.CaptureStart(context.Background(), CaptureStartParams{Interface: "eth0"}, 10*time.Second)
		assert.NoError(t, err)
		startDone <- res
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("capture_start never reached the engine")
	}

	accepted, err := client.CredentialRespond(context.Background(), credential.Response{Secret: "hunter2"})
	require.NoError(t, err)
	assert.True(t, accepted)

	select {
	case res := <-startDone:
		require.NotNil(t, res)
		assert.True(t, res.Success)
	case <-time.After(5 * time.Second):
		t.Fatal("capture_start did not return")
	}
}

func TestNewUDSClient_DefaultTimeout(t *testing.T) {
	assert.Equal(t, 10*time.Second, NewUDSClient("/tmp/test.sock", 0).timeout)
	assert.Equal(t, 5*time.Second, NewUDSClient("/tmp/test.sock", 5*time.Second).timeout)
}
