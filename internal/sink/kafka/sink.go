// Package kafka exports capture events to Kafka.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"firestige.xyz/wiretap/internal/config"
	"firestige.xyz/wiretap/internal/eventbus"
	"firestige.xyz/wiretap/internal/metrics"
)

// Name is the event bus subscriber name of the Kafka sink.
const Name = "kafka"

const (
	defaultBatchSize    = 100
	defaultBatchTimeout = 100 * time.Millisecond
	defaultMaxAttempts  = 3
	writeTimeout        = 5 * time.Second
)

// messageWriter is the subset of *kafka.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sink publishes packet and status events to a topic, keyed by session.
type Sink struct {
	cfg    config.KafkaSinkConfig
	writer messageWriter

	// Statistics
	reportedCount atomic.Uint64
	errorCount    atomic.Uint64
}

// NewSink validates cfg and creates a sink backed by a kafka-go writer.
func NewSink(cfg config.KafkaSinkConfig) (*Sink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("brokers is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = defaultBatchTimeout
	}

	codec, err := compressionCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}

	s := &Sink{cfg: cfg}
	s.writer = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{}, // one session stays on one partition
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		MaxAttempts:  defaultMaxAttempts,
		Compression:  codec,
		Async:        true,
		Completion:   s.completed,
	}

	slog.Info("kafka sink created",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"batch_size", cfg.BatchSize,
		"batch_timeout", cfg.BatchTimeout,
		"compression", cfg.Compression,
	)
	return s, nil
}

func newSinkWithWriter(cfg config.KafkaSinkConfig, w messageWriter) *Sink {
	return &Sink{cfg: cfg, writer: w}
}

func compressionCodec(name string) (compress.Compression, error) {
	switch name {
	case "none", "":
		return compress.None, nil
	case "gzip":
		return compress.Gzip, nil
	case "snappy":
		return compress.Snappy, nil
	case "lz4":
		return compress.Lz4, nil
	case "zstd":
		return compress.Zstd, nil
	default:
		return compress.None, fmt.Errorf("invalid compression type: %s", name)
	}
}

// completed is the async writer's delivery callback.
func (s *Sink) completed(msgs []kafka.Message, err error) {
	if err != nil {
		s.errorCount.Add(uint64(len(msgs)))
		metrics.SinkErrorsTotal.WithLabelValues(Name).Add(float64(len(msgs)))
		slog.Warn("kafka delivery failed", "messages", len(msgs), "error", err)
		return
	}
	s.reportedCount.Add(uint64(len(msgs)))
}

// Handle is an event bus handler.
func (s *Sink) Handle(ev *eventbus.Event) error {
	msg, err := encode(ev)
	if err != nil {
		s.errorCount.Add(1)
		return fmt.Errorf("serialize event failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		s.errorCount.Add(1)
		metrics.SinkErrorsTotal.WithLabelValues(Name).Inc()
		return fmt.Errorf("kafka write failed: %w", err)
	}
	return nil
}

// Close flushes pending messages.
func (s *Sink) Close() error {
	err := s.writer.Close()
	slog.Info("kafka sink stopped",
		"total_reported", s.reportedCount.Load(),
		"total_errors", s.errorCount.Load(),
	)
	return err
}

type packetRecord struct {
	SessionID string `json:"session_id"`
	Seq       uint64 `json:"seq"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds
	Family    string `json:"family,omitempty"`
	SrcIP     string `json:"src_ip"`
	DstIP     string `json:"dst_ip"`
	SrcPort   uint16 `json:"src_port"`
	DstPort   uint16 `json:"dst_port"`
	Protocol  string `json:"protocol"`
	Length    int    `json:"length"`
	Info      string `json:"info,omitempty"`
	Frame     []byte `json:"frame"`
}

func encode(ev *eventbus.Event) (kafka.Message, error) {
	var (
		key   string
		value any
		when  time.Time
		proto string
	)
	switch {
	case ev.Packet != nil:
		p := ev.Packet
		key, when, proto = p.SessionID, p.Summary.Timestamp, string(p.Summary.Protocol)
		value = packetRecord{
			SessionID: p.SessionID,
			Seq:       p.Summary.Seq,
			Timestamp: p.Summary.Timestamp.UnixMilli(),
			Family:    string(p.Summary.Family),
			SrcIP:     p.Summary.Source,
			DstIP:     p.Summary.Destination,
			SrcPort:   p.Summary.SrcPort,
			DstPort:   p.Summary.DstPort,
			Protocol:  proto,
			Length:    p.Summary.Length,
			Info:      p.Summary.Info,
			Frame:     p.Frame.Data,
		}
	case ev.Status != nil:
		key, when, value = ev.Status.SessionID, ev.Status.Time, ev.Status
	default:
		return kafka.Message{}, fmt.Errorf("empty %s event", ev.Topic)
	}

	data, err := json.Marshal(value)
	if err != nil {
		return kafka.Message{}, err
	}
	msg := kafka.Message{
		Key:     []byte(key),
		Value:   data,
		Time:    when,
		Headers: []kafka.Header{{Key: "type", Value: []byte(ev.Topic)}},
	}
	if proto != "" {
		msg.Headers = append(msg.Headers, kafka.Header{Key: "protocol", Value: []byte(proto)})
	}
	return msg, nil
}

// Stats returns delivered and failed message counts.
func (s *Sink) Stats() (reported, failed uint64) {
	return s.reportedCount.Load(), s.errorCount.Load()
}
