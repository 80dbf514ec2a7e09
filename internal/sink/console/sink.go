// Package console prints capture events to a terminal.
package console

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"

	"firestige.xyz/wiretap/internal/config"
	"firestige.xyz/wiretap/internal/core"
	"firestige.xyz/wiretap/internal/eventbus"
	"firestige.xyz/wiretap/internal/frame"
)

// Name is the event bus subscriber name of the console sink.
const Name = "console"

// Sink writes one line per packet and per status change.
type Sink struct {
	mu   sync.Mutex
	out  io.Writer
	dump bool

	protoColors map[core.Protocol]*color.Color
	muted       *color.Color
	info        *color.Color
	warn        *color.Color
	alert       *color.Color
}

// NewSink creates a console sink writing to out.
func NewSink(out io.Writer, cfg config.ConsoleSinkConfig) *Sink {
	s := &Sink{
		out:  out,
		dump: cfg.Dump,
		protoColors: map[core.Protocol]*color.Color{
			core.ProtocolDNS:    color.New(color.FgHiMagenta),
			core.ProtocolHTTP:   color.New(color.FgHiGreen),
			core.ProtocolHTTPS:  color.New(color.FgGreen),
			core.ProtocolHTTP3:  color.New(color.FgHiCyan),
			core.ProtocolQUIC:   color.New(color.FgCyan),
			core.ProtocolTCP:    color.New(color.FgHiBlue),
			core.ProtocolUDP:    color.New(color.FgBlue),
			core.ProtocolICMP:   color.New(color.FgYellow),
			core.ProtocolICMPv6: color.New(color.FgYellow),
			core.ProtocolARP:    color.New(color.FgHiYellow),
		},
		muted: color.New(color.FgHiBlack),
		info:  color.New(color.FgHiGreen),
		warn:  color.New(color.FgHiYellow),
		alert: color.New(color.FgHiRed, color.Bold),
	}
	for _, c := range s.all() {
		if cfg.Color {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return s
}

func (s *Sink) all() []*color.Color {
	out := []*color.Color{s.muted, s.info, s.warn, s.alert}
	for _, c := range s.protoColors {
		out = append(out, c)
	}
	return out
}

// Handle is an event bus handler.
func (s *Sink) Handle(ev *eventbus.Event) error {
	var text string
	switch {
	case ev.Packet != nil:
		text = s.formatPacket(ev.Packet)
	case ev.Status != nil:
		text = s.formatStatus(ev.Status)
	default:
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := io.WriteString(s.out, text)
	return err
}

// Close flushes buffered output when the writer supports it.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.out.(interface{ Sync() error }); ok {
		// terminals and pipes reject fsync
		_ = f.Sync()
	}
	return nil
}

func (s *Sink) formatPacket(p *core.PacketEvent) string {
	sum := p.Summary
	proto := string(sum.Protocol)
	if c, ok := s.protoColors[sum.Protocol]; ok {
		proto = c.Sprintf("%-7s", proto)
	} else {
		proto = fmt.Sprintf("%-7s", proto)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%6d %s %s %s -> %s %s",
		sum.Seq,
		s.muted.Sprint(sum.Timestamp.Format("15:04:05.000000")),
		proto,
		endpoint(sum.Source, sum.SrcPort),
		endpoint(sum.Destination, sum.DstPort),
		s.muted.Sprintf("len=%d", sum.Length),
	)
	if sum.Info != "" {
		b.WriteString("  ")
		b.WriteString(sum.Info)
	}
	b.WriteByte('\n')

	if s.dump {
		b.WriteString(frame.Dissect(p.Frame))
		b.WriteByte('\n')
	}
	return b.String()
}

func (s *Sink) formatStatus(st *core.StatusEvent) string {
	tag := fmt.Sprintf("[%s]", st.Status)
	switch st.Status {
	case core.StatusError:
		tag = s.alert.Sprint(tag)
	case core.StatusRequestingCredential, core.StatusRequestingConfirmation:
		tag = s.warn.Sprint(tag)
	default:
		tag = s.info.Sprint(tag)
	}

	msg := st.Message
	if st.Cause != core.CauseNone {
		msg = fmt.Sprintf("%s (%s)", msg, st.Cause)
	}
	if st.Interface != "" {
		return fmt.Sprintf("%s %s: %s\n", tag, st.Interface, msg)
	}
	return fmt.Sprintf("%s %s\n", tag, msg)
}

func endpoint(addr string, port uint16) string {
	if addr == "" {
		addr = "?"
	}
	if port == 0 {
		return addr
	}
	if strings.Contains(addr, ":") {
		return fmt.Sprintf("[%s]:%d", addr, port)
	}
	return fmt.Sprintf("%s:%d", addr, port)
}
