package engine

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/tcpassembly"

	"firestige.xyz/vigil/internal/alert"
	"firestige.xyz/vigil/internal/capture"
	"firestige.xyz/vigil/internal/core"
	"firestige.xyz/vigil/internal/detect"
	"firestige.xyz/vigil/internal/flow"
	"firestige.xyz/vigil/internal/log"
	"firestige.xyz/vigil/internal/metrics"
	"firestige.xyz/vigil/internal/sip"
	"firestige.xyz/vigil/internal/stream"
)

var directions = [2]core.Direction{core.ToServer, core.ToClient}

// worker owns the flows hashed to it. Everything below runs on the worker's
// goroutine, including flow eviction and stream callbacks.
type worker struct {
	id    int
	label string
	e     *Engine
	in    chan *capture.Packet

	table     *flow.Table
	assembler *tcpassembly.Assembler
	sipPorts  map[uint16]bool

	rules     *Ruleset
	inspector *detect.Inspector
	parser    *sip.Parser

	// flow and direction of the TCP segment being assembled
	cur    *flow.Flow
	curDir core.Direction

	now     time.Time
	packets int
}

func newWorker(id int, e *Engine) *worker {
	w := &worker{
		id:       id,
		label:    strconv.Itoa(id),
		e:        e,
		in:       make(chan *capture.Packet, e.cfg.QueueSize),
		sipPorts: make(map[uint16]bool, len(e.cfg.SIPPorts)),
	}
	for _, p := range e.cfg.SIPPorts {
		w.sipPorts[uint16(p)] = true
	}
	w.table = flow.NewTable(e.cfg.Flows, w.evict)
	w.assembler = tcpassembly.NewAssembler(tcpassembly.NewStreamPool(stream.NewFactory(w)))
	w.applyRules(e.rules.Load())
	return w
}

func (w *worker) run() {
	defer w.close()
	for p := range w.in {
		w.process(p)
	}
}

func (w *worker) process(p *capture.Packet) {
	start := time.Now()
	if r := w.e.rules.Load(); r != w.rules {
		w.applyRules(r)
	}
	w.now = p.Timestamp

	f, dir, err := w.table.Get(&p.Packet)
	if err != nil {
		w.e.stats.Dropped.Add(1)
		metrics.CaptureDropsTotal.WithLabelValues("flow_table").Inc()
		slog.Debug("packet dropped", "worker", w.id, "error", err)
		return
	}

	proto := "udp"
	if p.TCP != nil {
		proto = "tcp"
		w.cur, w.curDir = f, dir
		w.assembler.AssembleWithTimestamp(p.NetFlow, p.TCP, p.Timestamp)
		w.cur = nil
	} else {
		w.datagram(f, dir, p.Payload)
	}
	metrics.WorkerLatencySeconds.WithLabelValues(proto).Observe(time.Since(start).Seconds())

	w.packets++
	if w.packets%w.e.cfg.HousekeepEvery == 0 {
		w.housekeep()
	}
}

// applyRules switches to r. Transactions still being inspected lose their
// detect state since its signature numbers refer to the old rule set.
func (w *worker) applyRules(r *Ruleset) {
	first := w.rules == nil
	w.rules = r
	w.inspector = detect.NewInspector(r.Registry, w.e.cfg.Detect)
	w.parser = sip.NewParser(r.Frames, log.SIPLogger("sip.parser"))
	if first {
		return
	}

	reset := 0
	w.table.Range(func(f *flow.Flow) bool {
		reset += w.inspector.State().ResetActive(f)
		for _, dir := range directions {
			f.FramesOf(dir).Clear()
		}
		return true
	})
	slog.Info("worker switched rule set", "worker", w.id, "states_reset", reset)
}

func (w *worker) housekeep() {
	w.table.Expire(w.now)
	if w.e.cfg.Flows.Timeout > 0 {
		w.assembler.FlushOlderThan(w.now.Add(-w.e.cfg.Flows.Timeout))
	}
	metrics.FlowsActive.WithLabelValues(w.label).Set(float64(w.table.Len()))
}

func (w *worker) close() {
	w.assembler.FlushAll()
	w.table.Close()
	metrics.FlowsActive.WithLabelValues(w.label).Set(0)
}

// attach decides whether f carries SIP, from its ports or its first payload.
func (w *worker) attach(f *flow.Flow, payload []byte) bool {
	if f.App != nil {
		return true
	}
	if w.e.cfg.SIPDisabled {
		return false
	}
	if w.sipPorts[f.Key.Client.Port()] || w.sipPorts[f.Key.Server.Port()] || sip.Probe(payload) {
		sip.Attach(f)
		slog.Debug("sip flow", "worker", w.id, "flow", f.Key.String())
		return true
	}
	return false
}

func (w *worker) datagram(f *flow.Flow, dir core.Direction, payload []byte) {
	if len(payload) == 0 || !w.attach(f, payload) {
		return
	}
	frames := f.FramesOf(dir)
	frames.Clear()
	if _, err := w.parser.ParseDatagram(f, dir, payload); err != nil {
		w.e.stats.ParseErrors.Add(1)
	}
	w.inspectFrames(f, dir, detect.Datagram{Payload: payload})
	w.inspectTxs(f)
	// datagram frames never outlive their packet
	frames.Clear()
}

// Open implements stream.Handler. tcpassembly creates a stream while the
// worker assembles the stream's first segment, so the current packet names
// its flow and direction.
func (w *worker) Open(_, _ gopacket.Flow) (*stream.Buffer, stream.Sink) {
	if w.cur == nil {
		return &stream.Buffer{}, nil
	}
	return w.cur.Stream(w.curDir), &streamSink{w: w, f: w.cur, dir: w.curDir}
}

type streamSink struct {
	w   *worker
	f   *flow.Flow
	dir core.Direction
}

func (s *streamSink) StreamData()   { s.w.streamData(s.f, s.dir) }
func (s *streamSink) StreamClosed() { s.w.streamData(s.f, s.dir) }

func (w *worker) streamData(f *flow.Flow, dir core.Direction) {
	buf := f.Stream(dir)
	if buf == nil {
		return
	}
	if f.App == nil {
		var head []byte
		buf.Reassemble(buf.BaseOffset(), func(b []byte, _ uint64) bool {
			head = b
			return false
		})
		if !w.attach(f, head) {
			// not SIP: keep a short prefix until a probe is possible
			if len(head) >= 8 {
				buf.Prune(buf.Usable(false))
			}
			return
		}
	}

	if _, err := w.parser.ParseStream(f, dir); err != nil {
		w.e.stats.ParseErrors.Add(1)
		slog.Debug("sip stream parse failed", "flow", f.Key.String(), "direction", dir.String(), "error", err)
	}
	w.inspectFrames(f, dir, buf)
	w.inspectTxs(f)

	consumed := sip.Consumed(f, dir)
	if keep := uint64(w.e.cfg.RetentionBytes); consumed > keep {
		buf.Prune(consumed - keep)
	}
	f.FramesOf(dir).Prune(buf.BaseOffset())
}

func (w *worker) inspectFrames(f *flow.Flow, dir core.Direction, src detect.ByteSource) {
	frames := f.FramesOf(dir)
	if frames.Len() == 0 {
		return
	}
	for _, a := range w.inspector.InspectFrames(w.rules.Group, frames, src, dir) {
		w.emit(f, a, nil)
	}
}

// inspectTxs runs transaction signatures over every transaction direction
// not yet fully inspected, then frees the transactions both directions are
// done with.
func (w *worker) inspectTxs(f *flow.Flow) {
	for _, tx := range f.Transactions() {
		for _, dir := range directions {
			if tx.Inspected(dir) {
				continue
			}
			complete := tx.Complete(dir)
			alerts := w.inspector.InspectTx(f, w.rules.Group, tx, dir, complete)

			var stored []string
			if wantsStore(alerts) {
				stored = w.storeFiles(f, dir, tx.TxID())
			}
			for _, a := range alerts {
				w.emit(f, a, stored)
			}
			if complete {
				tx.SetInspected(dir)
			}
		}
	}
	for _, dir := range directions {
		f.UpdateInspectID(dir)
	}
	f.PruneTransactions(w.release(f))
}

func wantsStore(alerts []detect.Alert) bool {
	for _, a := range alerts {
		if a.Sig.FileStore {
			return true
		}
	}
	return false
}

func (w *worker) storeFiles(f *flow.Flow, dir core.Direction, txID uint64) []string {
	files := f.FilesOf(dir)
	if files.RequestStore(txID) == 0 || w.e.files == nil {
		return nil
	}
	paths, err := w.e.files.Flush(files)
	if err != nil {
		slog.Error("file store failed", "flow", f.Key.String(), "tx_id", txID, "error", err)
	}
	w.e.stats.FilesStored.Add(uint64(len(paths)))
	return paths
}

func (w *worker) release(f *flow.Flow) func(flow.Tx) {
	return func(tx flow.Tx) {
		w.inspector.State().Free(tx)
		for _, dir := range directions {
			f.FilesOf(dir).Release(tx.TxID())
		}
		w.e.stats.Transactions.Add(1)
	}
}

func (w *worker) evict(f *flow.Flow) {
	f.Release(w.release(f))
	for _, dir := range directions {
		f.FramesOf(dir).Clear()
	}
}

func (w *worker) emit(f *flow.Flow, a detect.Alert, files []string) {
	src, dst := f.Key.Client, f.Key.Server
	if a.Dir == core.ToClient {
		src, dst = dst, src
	}
	rec := alert.Record{
		Timestamp: w.now,
		SID:       a.Sig.ID,
		Rev:       a.Sig.Rev,
		Msg:       a.Sig.Msg,
		Direction: a.Dir.String(),
		Proto:     protoName(f.Key.Proto),
		SrcIP:     src.Addr().String(),
		SrcPort:   src.Port(),
		DstIP:     dst.Addr().String(),
		DstPort:   dst.Port(),
		FrameID:   a.FrameID,
		Files:     files,
	}
	if f.App != nil {
		rec.AppProto = f.App.Protocol()
	}
	if a.FrameID != 0 {
		if fr := f.FramesOf(a.Dir).Get(a.FrameID); fr != nil {
			rec.Frame = w.rules.Registry.FrameTypeName(fr.Type)
		}
	}
	if a.TxID != detect.TxUnknown {
		txID := a.TxID
		rec.TxID = &txID
		if tx, ok := f.Tx(txID).(*sip.Tx); ok {
			rec.SIP = sipInfo(tx)
		}
	}

	w.e.stats.Alerts.Add(1)
	if err := w.e.alerts.Write(rec); err != nil {
		w.e.stats.AlertErrors.Add(1)
		slog.Error("alert write failed", "sid", rec.SID, "error", err)
	}
}

func sipInfo(tx *sip.Tx) *alert.SIPInfo {
	m := tx.Message()
	if m == nil {
		return nil
	}
	info := &alert.SIPInfo{
		Method:     m.Method,
		URI:        m.URI,
		StatusCode: m.StatusCode,
		CallID:     m.CallID,
		CSeq:       m.CSeq,
		From:       tx.From(),
		To:         tx.To(),
	}
	// a response reports the method of the request it answers
	if tx.Response != nil {
		info.Method = tx.RequestMethod
	}
	return info
}

func protoName(p uint8) string {
	switch p {
	case core.ProtoTCP:
		return "tcp"
	case core.ProtoUDP:
		return "udp"
	}
	return strconv.Itoa(int(p))
}
