package session

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"firestige.xyz/wiretap/internal/core"
	"firestige.xyz/wiretap/internal/frame"
	"firestige.xyz/wiretap/internal/metrics"
	"firestige.xyz/wiretap/internal/parser"
)

// run drives a running session until its process exits.
func (e *Engine) run(s *Session, proc Process) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		e.readStdout(s, proc.Stdout())
	}()
	go func() {
		defer wg.Done()
		e.readStderr(s, proc.Stderr())
	}()

	readers := make(chan struct{})
	go func() {
		wg.Wait()
		close(readers)
	}()

	<-proc.Done()
	select {
	case <-readers:
	case <-time.After(drainTimeout):
		slog.Warn("capture output still open after exit, closing", "session_id", s.id)
	}
	proc.Close()
	<-readers
	close(s.drained)

	e.handleExit(s, proc.ExitCode())
}

func (e *Engine) handleExit(s *Session, code int) {
	s.mu.Lock()
	state, privileged, last := s.state, s.privileged, s.lastStderr
	s.mu.Unlock()

	if state != core.StateRunning {
		return
	}
	if code == 0 || privileged {
		slog.Info("capture process exited", "session_id", s.id, "exit_code", code)
		e.complete(s)
		return
	}
	err := fmt.Errorf("%w: exit code %d before capture started", core.ErrProcessExited, code)
	if last != "" {
		err = fmt.Errorf("%w: exit code %d before capture started: %s", core.ErrProcessExited, code, last)
	}
	e.fail(s, err)
}

func (e *Engine) readStdout(s *Session, r io.Reader) {
	batcher := parser.NewBatcher(e.opts.BatchSize)
	p := parser.New()
	buf := make([]byte, readChunk)

	for {
		n, err := r.Read(buf)
		if n > 0 {
			lines, dropped := batcher.Feed(buf[:n])
			if dropped > 0 {
				s.mu.Lock()
				s.dropped += uint64(dropped)
				s.mu.Unlock()
				metrics.LinesDroppedTotal.WithLabelValues(metrics.DropOverflow).Add(float64(dropped))
				slog.Debug("dropped capture lines over batch limit", "session_id", s.id, "dropped", dropped)
			}
			for _, line := range lines {
				e.handleLine(s, p, line)
			}
		}
		if err != nil {
			if line, ok := batcher.Flush(); ok {
				e.handleLine(s, p, line)
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
				slog.Warn("capture stdout read failed", "session_id", s.id, "error", err)
			}
			return
		}
	}
}

func (e *Engine) handleLine(s *Session, p *parser.Parser, line string) {
	summary, err := p.Parse(line)
	if err != nil {
		reason := metrics.DropUnparsed
		if errors.Is(err, parser.ErrDecoration) {
			reason = metrics.DropDecoration
		}
		metrics.LinesDroppedTotal.WithLabelValues(reason).Inc()
		return
	}

	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.packets++
	s.privileged = true
	first := !s.started
	s.started = true
	s.mu.Unlock()

	if first {
		e.announceStarted(s)
	}

	metrics.PacketsTotal.WithLabelValues(s.iface, string(summary.Protocol)).Inc()
	e.pub.PublishPacket(core.PacketEvent{
		SessionID: s.id,
		Summary:   *summary,
		Frame:     frame.Build(*summary),
	})
}

// markPrivileged records that the capture tool confirmed its privileges.
func (e *Engine) markPrivileged(s *Session) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.privileged = true
	first := !s.started
	s.started = true
	s.mu.Unlock()

	if first {
		e.announceStarted(s)
	}
}

func (e *Engine) announceStarted(s *Session) {
	slog.Info("capture started", "session_id", s.id, "interface", s.iface)
	e.publishStatus(s, core.StatusStarted, fmt.Sprintf("capturing on %s", s.iface), nil)
}

func (e *Engine) readStderr(s *Session, r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch classifyStderr(line) {
		case stderrListening:
			e.markPrivileged(s)
		case stderrPermission:
			e.fail(s, fmt.Errorf("%w to capture on %s: %s", core.ErrInsufficientPrivileges, s.iface, line))
		case stderrAuthentication:
			e.fail(s, fmt.Errorf("%w: %s", core.ErrIncorrectCredential, line))
		default:
			s.mu.Lock()
			s.lastStderr = line
			s.mu.Unlock()
			slog.Debug("capture stderr", "session_id", s.id, "line", line)
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Debug("capture stderr scan stopped", "session_id", s.id, "error", err)
		io.Copy(io.Discard, r)
	}
}
