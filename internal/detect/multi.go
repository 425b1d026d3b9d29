package detect

import (
	"firestige.xyz/vigil/internal/core"
	"firestige.xyz/vigil/internal/metrics"
)

// DefaultMaxInstances bounds multi-instance iteration per transaction buffer.
const DefaultMaxInstances = 100

// TxBuffer returns instance of a transaction list for tx. With first unset,
// a buffer populated earlier in this pass is returned without calling the
// producer or the transforms again.
func (in *Inspector) TxBuffer(l *List, tx Transaction, dir core.Direction, instance uint32, first bool) (*InspectionBuffer, bool) {
	buf := in.buffers.Get(l.ID, instance)
	if !first && buf.populated {
		return buf, true
	}
	if l.Producer == nil {
		return nil, false
	}
	data, ok := l.Producer.Produce(tx, dir, instance)
	if !ok {
		return nil, false
	}
	buf.setup(data, l.Transforms)
	buf.Flags = CIStart | CIEnd
	return buf, true
}

// InstanceCounter is implemented by producers that can tell how many
// instances a transaction holds without producing them.
type InstanceCounter interface {
	Instances(tx Transaction, dir core.Direction) int
}

// RangeInstances calls fn for each instance of l until the producer is
// exhausted, fn returns false or the instance cap is reached. It returns the
// number of instances visited.
func (in *Inspector) RangeInstances(l *List, tx Transaction, dir core.Direction, fn func(buf *InspectionBuffer) bool) int {
	limit := uint32(in.maxInstances)
	if !l.Multi {
		limit = 1
	}
	var i uint32
	for ; limit == 0 || i < limit; i++ {
		buf, ok := in.TxBuffer(l, tx, dir, i, false)
		if !ok {
			return int(i)
		}
		if !fn(buf) {
			return int(i + 1)
		}
	}
	if l.Multi && capped(l, tx, dir, int(limit)) {
		metrics.InstanceCapTotal.WithLabelValues(l.Name).Inc()
	}
	return int(i)
}

// capped reports whether tx holds more instances of l than limit. Producers
// that cannot count are assumed to have more once the cap is reached, so no
// instance past the cap is ever produced.
func capped(l *List, tx Transaction, dir core.Direction, limit int) bool {
	if c, ok := l.Producer.(InstanceCounter); ok {
		return c.Instances(tx, dir) > limit
	}
	return true
}
