// Package alert writes signature matches as JSON lines.
package alert

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"firestige.xyz/vigil/internal/config"
	"firestige.xyz/vigil/internal/metrics"
)

// Record is one alert line.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	SID       uint32    `json:"sid"`
	Rev       uint32    `json:"rev,omitempty"`
	Msg       string    `json:"msg,omitempty"`
	Direction string    `json:"direction"`
	Proto     string    `json:"proto"`
	SrcIP     string    `json:"src_ip"`
	SrcPort   uint16    `json:"src_port"`
	DstIP     string    `json:"dst_ip"`
	DstPort   uint16    `json:"dst_port"`
	AppProto  string    `json:"app_proto,omitempty"`
	TxID      *uint64   `json:"tx_id,omitempty"`
	FrameID   int64     `json:"frame_id,omitempty"`
	Frame     string    `json:"frame,omitempty"`
	SIP       *SIPInfo  `json:"sip,omitempty"`
	Files     []string  `json:"files,omitempty"`
}

// SIPInfo describes the SIP message an alert fired on.
type SIPInfo struct {
	Method     string `json:"method,omitempty"`
	URI        string `json:"uri,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	CallID     string `json:"call_id,omitempty"`
	CSeq       string `json:"cseq,omitempty"`
	From       string `json:"from,omitempty"`
	To         string `json:"to,omitempty"`
}

// Writer serializes records. It is safe for concurrent use by workers.
type Writer struct {
	mu  sync.Mutex
	out io.Writer
	enc *json.Encoder
}

// New creates a writer on out.
func New(out io.Writer) *Writer {
	return &Writer{out: out, enc: json.NewEncoder(out)}
}

// Open creates a writer on a rotating file.
func Open(cfg config.AlertsConfig) (*Writer, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("alert output requires 'path' field")
	}
	return New(&lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.Rotation.MaxSizeMB,
		MaxBackups: cfg.Rotation.MaxBackups,
		MaxAge:     cfg.Rotation.MaxAgeDays,
		Compress:   cfg.Rotation.Compress,
	}), nil
}

// Write appends r.
func (w *Writer) Write(r Record) error {
	metrics.AlertsTotal.WithLabelValues(strconv.FormatUint(uint64(r.SID), 10)).Inc()
	args := []any{
		"sid", r.SID,
		"msg", r.Msg,
		"src", fmt.Sprintf("%s:%d", r.SrcIP, r.SrcPort),
		"dst", fmt.Sprintf("%s:%d", r.DstIP, r.DstPort),
	}
	if r.TxID != nil {
		args = append(args, "tx_id", *r.TxID)
	}
	slog.Info("alert", args...)

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(r); err != nil {
		return fmt.Errorf("write alert %d: %w", r.SID, err)
	}
	return nil
}

// Close closes the output when it can be closed.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if c, ok := w.out.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Sink is an alert output.
type Sink interface {
	Write(r Record) error
	Close() error
}

// Multi writes every record to all sinks.
type Multi []Sink

// Write writes r to each sink, joining their errors.
func (m Multi) Write(r Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes each sink, joining their errors.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
