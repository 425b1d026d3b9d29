package detect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/vigil/internal/core"
)

func TestFramesLifecycle(t *testing.T) {
	var fs Frames
	a := fs.New(1, 0, 10, 1)
	b := fs.New(2, 10, FrameLenUnknown, 1)
	c := fs.New(1, 40, 20, 2)

	require.Equal(t, 3, fs.Len())
	assert.Equal(t, int64(1), a.ID)
	assert.Same(t, b, fs.Get(b.ID))
	assert.Same(t, c, fs.Last(1))
	assert.Nil(t, fs.Last(9))

	end, ok := a.End()
	assert.True(t, ok)
	assert.Equal(t, uint64(10), end)
	_, ok = b.End()
	assert.False(t, ok)

	a.InspectProgress = 10
	assert.True(t, a.Done())
	assert.Equal(t, 1, fs.Prune(0))
	assert.Equal(t, 2, fs.Len())

	b.SetLen(25)
	assert.Equal(t, 1, fs.Prune(35))
	assert.Same(t, c, fs.At(0))

	fs.Clear()
	assert.Zero(t, fs.Len())
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	id, err := r.RegisterBuffer("x.a", nil)
	require.NoError(t, err)
	ft, err := r.RegisterFrameType("x.pdu")
	require.NoError(t, err)

	l, err := r.Lookup("x.a")
	require.NoError(t, err)
	assert.Equal(t, id, l.ID)
	assert.Equal(t, "x.pdu", r.FrameTypeName(ft))
	assert.True(t, r.FrameList(ft).Frame)
	assert.Nil(t, r.List(99))
	assert.Equal(t, []string{"x.a", "x.pdu"}, r.Names())

	_, err = r.Lookup("x.b")
	assert.ErrorIs(t, err, core.ErrUnknownBuffer)
	_, err = r.Lookup("x.pdu")
	assert.ErrorIs(t, err, core.ErrUnknownBuffer, "frame types are not buffers")
	_, err = r.FrameType("x.a")
	assert.ErrorIs(t, err, core.ErrUnknownFrameType)
}

func TestRegistryNamespaces(t *testing.T) {
	r := NewRegistry()
	buf, err := r.RegisterBuffer("x.line", Single(func(Transaction, core.Direction) ([]byte, bool) {
		return []byte("line"), true
	}))
	require.NoError(t, err)
	ft, err := r.RegisterFrameType("x.line")
	require.NoError(t, err)

	l, err := r.Lookup("x.line")
	require.NoError(t, err)
	assert.Equal(t, buf, l.ID)
	assert.False(t, l.Frame)
	require.NotNil(t, l.Producer)

	fl, err := r.LookupFrame("x.line")
	require.NoError(t, err)
	assert.True(t, fl.Frame)
	assert.Equal(t, ft, fl.FrameType)
	assert.NotEqual(t, l.ID, fl.ID)

	_, err = r.RegisterBuffer("x.line", nil)
	assert.ErrorIs(t, err, core.ErrDuplicateName)
	_, err = r.RegisterMultiBuffer("x.line", nil)
	assert.ErrorIs(t, err, core.ErrDuplicateName)
	_, err = r.RegisterFrameType("x.line")
	assert.ErrorIs(t, err, core.ErrDuplicateName)
	_, err = r.LookupFrame("x.other")
	assert.ErrorIs(t, err, core.ErrUnknownFrameType)
}
