// Package engine runs packets through flow tracking, SIP parsing and
// detection on a fixed set of workers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"firestige.xyz/vigil/internal/alert"
	"firestige.xyz/vigil/internal/capture"
	"firestige.xyz/vigil/internal/config"
	"firestige.xyz/vigil/internal/core"
	"firestige.xyz/vigil/internal/detect"
	"firestige.xyz/vigil/internal/filestore"
	"firestige.xyz/vigil/internal/flow"
)

// AlertSink receives alert records. It is shared by all workers.
type AlertSink interface {
	Write(r alert.Record) error
}

// PacketSource yields raw packets until io.EOF.
type PacketSource interface {
	ReadPacket() (core.RawPacket, error)
}

// Decoder turns raw packets into decoded ones.
type Decoder interface {
	Decode(raw core.RawPacket) (*capture.Packet, error)
}

// Config contains engine configuration.
type Config struct {
	Workers        int
	QueueSize      int // per worker packet channel buffer
	Detect         detect.Config
	Flows          flow.TableConfig
	RetentionBytes int
	SIPPorts       []int
	SIPDisabled    bool
	HousekeepEvery int // packets between flow expiry passes
}

// ConfigFrom derives the engine configuration from the global one.
func ConfigFrom(cfg *config.GlobalConfig) Config {
	return Config{
		Workers: cfg.Workers,
		Detect: detect.Config{
			Lookahead:    cfg.Detect.Lookahead,
			MaxInstances: cfg.Detect.MultiBuffer.MaxInstances,
			State: detect.StateConfig{
				Validate:   cfg.Detect.State.Validate,
				MaxEntries: cfg.Detect.State.MaxEntries,
			},
		},
		Flows: flow.TableConfig{
			Timeout:     cfg.Stream.FlowTimeoutDuration,
			MaxFlows:    cfg.Stream.MaxFlows,
			MaxFileSize: int64(cfg.FileStore.MaxFileSize),
		},
		RetentionBytes: cfg.Stream.RetentionBytes,
		SIPPorts:       cfg.SIP.Ports,
		SIPDisabled:    !cfg.SIP.Enabled,
	}
}

// Stats contains engine counters.
type Stats struct {
	Received     atomic.Uint64
	Decoded      atomic.Uint64
	DecodeErrors atomic.Uint64
	Dropped      atomic.Uint64
	ParseErrors  atomic.Uint64
	Transactions atomic.Uint64
	Alerts       atomic.Uint64
	AlertErrors  atomic.Uint64
	FilesStored  atomic.Uint64
}

// Reset resets all counters to zero.
func (s *Stats) Reset() {
	s.Received.Store(0)
	s.Decoded.Store(0)
	s.DecodeErrors.Store(0)
	s.Dropped.Store(0)
	s.ParseErrors.Store(0)
	s.Transactions.Store(0)
	s.Alerts.Store(0)
	s.AlertErrors.Store(0)
	s.FilesStored.Store(0)
}

// Engine dispatches packets to workers by flow hash, so all packets of a
// flow are handled by the same worker.
type Engine struct {
	cfg     Config
	rules   atomic.Pointer[Ruleset]
	alerts  AlertSink
	files   *filestore.Store
	workers []*worker
	stats   Stats

	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// New creates an engine. files may be nil when extraction is disabled.
func New(cfg Config, rules *Ruleset, alerts AlertSink, files *filestore.Store) (*Engine, error) {
	if rules == nil {
		return nil, errors.New("engine requires a compiled rule set")
	}
	if alerts == nil {
		return nil, errors.New("engine requires an alert sink")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.HousekeepEvery <= 0 {
		cfg.HousekeepEvery = 1024
	}
	if cfg.Flows.Timeout <= 0 {
		cfg.Flows.Timeout = time.Minute
	}
	e := &Engine{cfg: cfg, alerts: alerts, files: files}
	e.rules.Store(rules)
	return e, nil
}

// Stats returns the engine counters.
func (e *Engine) Stats() *Stats {
	return &e.stats
}

// Rules returns the active rule set.
func (e *Engine) Rules() *Ruleset {
	return e.rules.Load()
}

// Reload swaps the active rule set. Workers pick it up before their next
// packet and reset the detect state of transactions still in progress.
func (e *Engine) Reload(rules *Ruleset) error {
	if rules == nil {
		return errors.New("reload requires a compiled rule set")
	}
	e.rules.Store(rules)
	slog.Info("rule set replaced", "rules", rules.Rules)
	return nil
}

// Start launches the workers.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return errors.New("engine already running")
	}

	slog.Info("engine starting", "workers", e.cfg.Workers)
	e.workers = make([]*worker, e.cfg.Workers)
	for i := range e.workers {
		w := newWorker(i, e)
		e.workers[i] = w
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			w.run()
		}()
	}
	e.running = true
	return nil
}

// Submit hands p to the worker owning its flow. It blocks while that
// worker's queue is full.
func (e *Engine) Submit(ctx context.Context, p *capture.Packet) error {
	if len(e.workers) == 0 {
		return errors.New("engine not started")
	}
	w := e.workers[p.Hash()%uint64(len(e.workers))]
	select {
	case w.in <- p:
		return nil
	case <-ctx.Done():
		e.stats.Dropped.Add(1)
		return ctx.Err()
	}
}

// Stop drains the worker queues, flushes every flow and waits for the
// workers to exit.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return nil
	}

	slog.Info("engine stopping")
	for _, w := range e.workers {
		close(w.in)
	}
	e.wg.Wait()
	e.running = false

	slog.Info("engine stopped",
		"received", e.stats.Received.Load(),
		"decoded", e.stats.Decoded.Load(),
		"transactions", e.stats.Transactions.Load(),
		"alerts", e.stats.Alerts.Load(),
	)
	return nil
}

// Run reads src until it is exhausted or ctx is cancelled, then stops the
// engine.
func (e *Engine) Run(ctx context.Context, src PacketSource, dec Decoder) error {
	if err := e.Start(); err != nil {
		return err
	}
	defer e.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := src.ReadPacket()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read packet: %w", err)
		}
		e.stats.Received.Add(1)

		p, err := dec.Decode(raw)
		if err != nil {
			e.stats.DecodeErrors.Add(1)
			slog.Debug("packet decode failed", "error", err)
			continue
		}
		e.stats.Decoded.Add(1)

		if err := e.Submit(ctx, p); err != nil {
			return err
		}
	}
}
