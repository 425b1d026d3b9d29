package flow

import (
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"

	"firestige.xyz/vigil/internal/core"
)

// TableConfig configures a Table.
type TableConfig struct {
	Timeout     time.Duration // idle time before a flow expires
	MaxFlows    int           // 0 is unlimited
	MaxFileSize int64
}

// Table maps packets to flows. Idle time is measured on packet timestamps,
// so a replayed capture expires flows the way live traffic would. Flows are
// only removed by Get, Expire and Close, on the goroutine owning the table.
type Table struct {
	cache *cache.Cache
	cfg   TableConfig
}

// NewTable creates a flow table. onEvict is called for each flow leaving the
// table, by expiry or Close.
func NewTable(cfg TableConfig, onEvict func(*Flow)) *Table {
	// no TTL and no janitor: expiry follows capture time, see Expire
	c := cache.New(cache.NoExpiration, 0)
	if onEvict != nil {
		c.OnEvicted(func(_ string, v any) {
			onEvict(v.(*Flow))
		})
	}
	return &Table{cache: c, cfg: cfg}
}

func (t *Table) idle(f *Flow, now time.Time) bool {
	return t.cfg.Timeout > 0 && now.Sub(f.LastSeen) > t.cfg.Timeout
}

// Get returns the flow of p, creating it when p starts a new one. The flow's
// last seen time moves to the packet's timestamp.
func (t *Table) Get(p *core.Packet) (*Flow, core.Direction, error) {
	key := KeyFor(p)
	ck := key.canonical()
	if v, ok := t.cache.Get(ck); ok {
		f := v.(*Flow)
		if !t.idle(f, p.Timestamp) {
			if p.Timestamp.After(f.LastSeen) {
				f.LastSeen = p.Timestamp
			}
			return f, f.Direction(p), nil
		}
		// an idle flow under the same key is evicted before it is replaced
		t.cache.Delete(ck)
	}

	if t.cfg.MaxFlows > 0 && t.cache.ItemCount() >= t.cfg.MaxFlows {
		t.Expire(p.Timestamp)
		if t.cache.ItemCount() >= t.cfg.MaxFlows {
			return nil, core.ToServer, fmt.Errorf("%s: %w", key, core.ErrFlowTableFull)
		}
	}
	f := New(key, p.Timestamp, t.cfg.MaxFileSize)
	t.cache.Set(ck, f, cache.NoExpiration)
	return f, core.ToServer, nil
}

// Lookup returns the flow of p without creating or touching it.
func (t *Table) Lookup(p *core.Packet) (*Flow, bool) {
	v, ok := t.cache.Get(KeyFor(p).canonical())
	if !ok {
		return nil, false
	}
	return v.(*Flow), true
}

// Len returns the number of flows held, idle ones included.
func (t *Table) Len() int {
	return t.cache.ItemCount()
}

// Range calls fn for each flow until fn returns false.
func (t *Table) Range(fn func(*Flow) bool) {
	for _, it := range t.cache.Items() {
		if !fn(it.Object.(*Flow)) {
			return
		}
	}
}

// Expire evicts flows idle for longer than the timeout at now, and returns
// how many it evicted.
func (t *Table) Expire(now time.Time) int {
	n := 0
	for k, it := range t.cache.Items() {
		if t.idle(it.Object.(*Flow), now) {
			t.cache.Delete(k)
			n++
		}
	}
	return n
}

// Close evicts every flow.
func (t *Table) Close() {
	for k := range t.cache.Items() {
		t.cache.Delete(k)
	}
}
