package console

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/wiretap/internal/config"
	"firestige.xyz/wiretap/internal/core"
	"firestige.xyz/wiretap/internal/eventbus"
	"firestige.xyz/wiretap/internal/frame"
)

func summary() core.PacketSummary {
	return core.PacketSummary{
		Seq:         3,
		Timestamp:   time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		Source:      "10.0.0.1",
		Destination: "10.0.0.2",
		SrcPort:     443,
		DstPort:     51000,
		Protocol:    core.ProtocolHTTPS,
		Length:      64,
		Info:        "Flags [S], seq 1, ack 1, length 64",
	}
}

func TestHandlePacket(t *testing.T) {
	var out bytes.Buffer
	s := NewSink(&out, config.ConsoleSinkConfig{Enabled: true})

	sum := summary()
	require.NoError(t, s.Handle(&eventbus.Event{
		Topic:  eventbus.TopicPacket,
		Packet: &core.PacketEvent{Summary: sum, Frame: frame.Build(sum)},
	}))

	line := out.String()
	assert.Contains(t, line, "12:00:00.000000")
	assert.Contains(t, line, "HTTPS")
	assert.Contains(t, line, "10.0.0.1:443 -> 10.0.0.2:51000")
	assert.Contains(t, line, "len=64")
	assert.Contains(t, line, "Flags [S]")
	assert.NotContains(t, line, "\x1b[", "colors disabled")
}

func TestHandlePacketWithDump(t *testing.T) {
	var out bytes.Buffer
	s := NewSink(&out, config.ConsoleSinkConfig{Enabled: true, Dump: true})

	sum := summary()
	require.NoError(t, s.Handle(&eventbus.Event{
		Topic:  eventbus.TopicPacket,
		Packet: &core.PacketEvent{Summary: sum, Frame: frame.Build(sum)},
	}))
	assert.Contains(t, out.String(), "SrcPort=443")
}

func TestHandleStatus(t *testing.T) {
	var out bytes.Buffer
	s := NewSink(&out, config.ConsoleSinkConfig{})

	require.NoError(t, s.Handle(&eventbus.Event{
		Topic: eventbus.TopicStatus,
		Status: &core.StatusEvent{
			Status:    core.StatusError,
			Interface: "eth0",
			Message:   "wiretap: incorrect administrator password",
			Cause:     core.CauseAuthentication,
		},
	}))
	assert.Equal(t, "[error] eth0: wiretap: incorrect administrator password (authentication)\n", out.String())
}

func TestColorEnabled(t *testing.T) {
	var out bytes.Buffer
	s := NewSink(&out, config.ConsoleSinkConfig{Color: true})
	require.NoError(t, s.Handle(&eventbus.Event{
		Topic:  eventbus.TopicStatus,
		Status: &core.StatusEvent{Status: core.StatusStarted, Message: "capturing on lo"},
	}))
	assert.Contains(t, out.String(), "\x1b[")
}

func TestEndpoint(t *testing.T) {
	assert.Equal(t, "10.0.0.1", endpoint("10.0.0.1", 0))
	assert.Equal(t, "[fe80::1]:443", endpoint("fe80::1", 443))
	assert.Equal(t, "?", endpoint("", 0))
}
