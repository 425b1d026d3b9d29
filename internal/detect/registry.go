package detect

import (
	"fmt"
	"slices"

	"firestige.xyz/vigil/internal/core"
)

// BufferProducer yields the bytes of one buffer instance for a transaction.
// It returns false when the instance does not exist, which ends iteration.
type BufferProducer interface {
	Produce(tx Transaction, dir core.Direction, instance uint32) ([]byte, bool)
}

// ProducerFunc adapts a function to BufferProducer.
type ProducerFunc func(tx Transaction, dir core.Direction, instance uint32) ([]byte, bool)

// Produce calls f.
func (f ProducerFunc) Produce(tx Transaction, dir core.Direction, instance uint32) ([]byte, bool) {
	return f(tx, dir, instance)
}

// Single adapts a producer of one value per transaction.
func Single(fn func(tx Transaction, dir core.Direction) ([]byte, bool)) BufferProducer {
	return ProducerFunc(func(tx Transaction, dir core.Direction, instance uint32) ([]byte, bool) {
		if instance > 0 {
			return nil, false
		}
		return fn(tx, dir)
	})
}

// List is a registered inspection list: a buffer type or a frame type, plus
// the transforms applied when its buffers are populated.
type List struct {
	ID         ListID
	Name       string
	Multi      bool
	Producer   BufferProducer
	Frame      bool
	FrameType  FrameType
	Transforms []Transform

	base *List
}

// Base returns the untransformed list this list derives from.
func (l *List) Base() *List {
	if l.base == nil {
		return l
	}
	return l.base
}

// Registry maps buffer and frame type names to lists. Buffers and frame
// types live in separate namespaces, so a protocol can expose a frame and a
// transaction buffer under the same name.
type Registry struct {
	lists      []*List
	buffers    map[string]*List
	derived    map[string]*List
	frameTypes map[string]FrameType
	frameNames []string
	frameLists []*List
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		buffers:    make(map[string]*List),
		derived:    make(map[string]*List),
		frameTypes: make(map[string]FrameType),
	}
}

func (r *Registry) add(l *List) *List {
	l.ID = ListID(len(r.lists))
	r.lists = append(r.lists, l)
	return l
}

// RegisterBuffer registers a single-value transaction buffer.
func (r *Registry) RegisterBuffer(name string, p BufferProducer) (ListID, error) {
	return r.register(name, p, false)
}

// RegisterMultiBuffer registers a transaction buffer with several instances.
func (r *Registry) RegisterMultiBuffer(name string, p BufferProducer) (ListID, error) {
	return r.register(name, p, true)
}

func (r *Registry) register(name string, p BufferProducer, multi bool) (ListID, error) {
	if _, ok := r.buffers[name]; ok {
		return 0, fmt.Errorf("buffer %q: %w", name, core.ErrDuplicateName)
	}
	l := r.add(&List{Name: name, Producer: p, Multi: multi})
	r.buffers[name] = l
	return l.ID, nil
}

// RegisterFrameType registers a frame type and its inspection list.
func (r *Registry) RegisterFrameType(name string) (FrameType, error) {
	if _, ok := r.frameTypes[name]; ok {
		return 0, fmt.Errorf("frame type %q: %w", name, core.ErrDuplicateName)
	}
	t := FrameType(len(r.frameNames))
	r.frameTypes[name] = t
	r.frameNames = append(r.frameNames, name)
	l := r.add(&List{Name: name, Frame: true, FrameType: t})
	r.frameLists = append(r.frameLists, l)
	return t, nil
}

// Lookup returns the transaction buffer registered under name.
func (r *Registry) Lookup(name string) (*List, error) {
	l, ok := r.buffers[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, core.ErrUnknownBuffer)
	}
	return l, nil
}

// LookupFrame returns the inspection list of the frame type called name.
func (r *Registry) LookupFrame(name string) (*List, error) {
	t, err := r.FrameType(name)
	if err != nil {
		return nil, err
	}
	return r.frameLists[t], nil
}

// FrameType returns the frame type registered under name.
func (r *Registry) FrameType(name string) (FrameType, error) {
	t, ok := r.frameTypes[name]
	if !ok {
		return 0, fmt.Errorf("%q: %w", name, core.ErrUnknownFrameType)
	}
	return t, nil
}

// FrameTypeName returns the registered name of t.
func (r *Registry) FrameTypeName(t FrameType) string {
	if int(t) < len(r.frameNames) {
		return r.frameNames[t]
	}
	return fmt.Sprintf("frame(%d)", t)
}

// FrameList returns the untransformed inspection list of a frame type.
func (r *Registry) FrameList(t FrameType) *List {
	if int(t) < len(r.frameLists) {
		return r.frameLists[t]
	}
	return nil
}

// List returns the list with id, or nil.
func (r *Registry) List(id ListID) *List {
	if id < 0 || int(id) >= len(r.lists) {
		return nil
	}
	return r.lists[id]
}

// Transforms returns the transform chain of list id.
func (r *Registry) Transforms(id ListID) []Transform {
	if l := r.List(id); l != nil {
		return l.Transforms
	}
	return nil
}

// WithTransforms returns the list that applies ts on top of base. Each
// distinct chain gets its own list so cached buffers never mix.
func (r *Registry) WithTransforms(base *List, ts []Transform) *List {
	base = base.Base()
	if len(ts) == 0 {
		return base
	}
	key := fmt.Sprintf("%d|%s", base.ID, transformKey(ts))
	if l, ok := r.derived[key]; ok {
		return l
	}
	l := r.add(&List{
		Name:       base.Name,
		Multi:      base.Multi,
		Producer:   base.Producer,
		Frame:      base.Frame,
		FrameType:  base.FrameType,
		Transforms: ts,
		base:       base,
	})
	r.derived[key] = l
	return l
}

// Names returns the registered buffer names followed by the frame type names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.buffers)+len(r.frameNames))
	for n := range r.buffers {
		names = append(names, n)
	}
	slices.Sort(names)
	return append(names, r.frameNames...)
}
