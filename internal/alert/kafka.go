package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"firestige.xyz/vigil/internal/config"
)

// messageWriter is the part of kafka.Writer used for publishing.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaWriter publishes records to a Kafka topic. Writes are batched and
// asynchronous; delivery failures are counted and logged.
type KafkaWriter struct {
	writer messageWriter
	topic  string

	// Statistics
	published atomic.Uint64
	failed    atomic.Uint64
}

// NewKafkaWriter creates a writer for cfg.
func NewKafkaWriter(cfg config.KafkaConfig) (*KafkaWriter, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka alert output requires brokers")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka alert output requires a topic")
	}

	writerConfig := kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{}, // alerts of one flow stay ordered
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeoutDuration,
		MaxAttempts:  cfg.MaxAttempts,
		Async:        true,
	}

	switch cfg.Compression {
	case "none", "":
		writerConfig.CompressionCodec = nil
	case "gzip":
		writerConfig.CompressionCodec = compress.Gzip.Codec()
	case "snappy":
		writerConfig.CompressionCodec = compress.Snappy.Codec()
	case "lz4":
		writerConfig.CompressionCodec = compress.Lz4.Codec()
	default:
		return nil, fmt.Errorf("invalid compression type: %s", cfg.Compression)
	}

	k := &KafkaWriter{topic: cfg.Topic}
	w := kafka.NewWriter(writerConfig)
	w.Completion = k.completed
	k.writer = w

	slog.Info("kafka alert output enabled",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"batch_size", cfg.BatchSize,
		"compression", cfg.Compression,
	)
	return k, nil
}

func (k *KafkaWriter) completed(msgs []kafka.Message, err error) {
	if err != nil {
		k.failed.Add(uint64(len(msgs)))
		slog.Error("kafka alert delivery failed", "topic", k.topic, "messages", len(msgs), "error", err)
		return
	}
	k.published.Add(uint64(len(msgs)))
}

// Write queues r for publishing. The message key is the flow, so alerts of
// one flow land on the same partition.
func (k *KafkaWriter) Write(r Record) error {
	value, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("serialize alert %d: %w", r.SID, err)
	}
	msg := kafka.Message{
		Key:   []byte(fmt.Sprintf("%s:%d-%s:%d", r.SrcIP, r.SrcPort, r.DstIP, r.DstPort)),
		Value: value,
		Time:  r.Timestamp,
		Headers: []kafka.Header{
			{Key: "sid", Value: []byte(strconv.FormatUint(uint64(r.SID), 10))},
		},
	}
	if r.AppProto != "" {
		msg.Headers = append(msg.Headers, kafka.Header{Key: "app_proto", Value: []byte(r.AppProto)})
	}
	if err := k.writer.WriteMessages(context.Background(), msg); err != nil {
		k.failed.Add(1)
		return fmt.Errorf("kafka write failed: %w", err)
	}
	return nil
}

// Close flushes pending messages.
func (k *KafkaWriter) Close() error {
	if err := k.writer.Close(); err != nil {
		slog.Error("error closing kafka writer", "error", err)
		return err
	}
	slog.Info("kafka alert output closed",
		"published", k.published.Load(),
		"failed", k.failed.Load(),
	)
	return nil
}
