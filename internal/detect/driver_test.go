package detect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/vigil/internal/config"
	"firestige.xyz/vigil/internal/core"
)

// fieldTx is a transaction whose buffers appear as the parser fills them.
type fieldTx struct {
	testTx
	fields  map[string]string
	headers []string
}

func fieldProducer(name string) BufferProducer {
	return Single(func(tx Transaction, _ core.Direction) ([]byte, bool) {
		v, ok := tx.(*fieldTx).fields[name]
		if !ok {
			return nil, false
		}
		return []byte(v), true
	})
}

func newTestRegistry() *Registry {
	r := NewRegistry()
	r.RegisterBuffer("t.method", fieldProducer("method"))
	r.RegisterBuffer("t.uri", fieldProducer("uri"))
	r.RegisterMultiBuffer("t.header", ProducerFunc(func(tx Transaction, _ core.Direction, i uint32) ([]byte, bool) {
		h := tx.(*fieldTx).headers
		if int(i) >= len(h) {
			return nil, false
		}
		return []byte(h[i]), true
	}))
	r.RegisterFrameType("t.pdu")
	return r
}

func buildGroup(t *testing.T, r *Registry, yamlRules string) *SigGroup {
	t.Helper()
	rs, err := config.ParseRules([]byte(yamlRules), "yaml")
	require.NoError(t, err)
	g, err := Build(rs, r)
	require.NoError(t, err)
	return g
}

const driverRules = `
rules:
  - sid: 1
    msg: method and uri
    direction: to_server
    buffers:
      - name: t.method
        contents: [{pattern: INVITE, startswith: true}]
      - name: t.uri
        contents: [{pattern: "@evil"}]
  - sid: 2
    msg: header
    direction: to_server
    filestore: true
    buffers:
      - name: t.header
        transforms: [{name: to_lowercase}]
        contents: [{pattern: "x-scan"}]
  - sid: 3
    msg: pdu
    frame:
      name: t.pdu
      contents: [{pattern: "BYE"}]
  - sid: 4
    msg: pdu lowercase
    frame:
      name: t.pdu
      transforms: [{name: to_lowercase}]
      contents: [{pattern: "bye sip"}]
`

func TestInspectTxAccumulatesAcrossPasses(t *testing.T) {
	r := newTestRegistry()
	g := buildGroup(t, r, driverRules)
	in := NewInspector(r, Config{MaxInstances: 10})
	f := &testFlow{}
	tx := &fieldTx{testTx: testTx{id: 1}, fields: map[string]string{}}

	// nothing parsed yet
	assert.Empty(t, in.InspectTx(f, g, tx, core.ToServer, false))
	assert.Empty(t, in.State().LookupAll(tx, core.ToServer))

	// method arrives: partial match recorded
	tx.fields["method"] = "INVITE"
	assert.Empty(t, in.InspectTx(f, g, tx, core.ToServer, false))
	flags, ok := in.State().Lookup(tx, core.ToServer, 0)
	require.True(t, ok)
	assert.Equal(t, EngineFlag(0), flags)

	// uri arrives: match completes
	tx.fields["uri"] = "sip:bob@evil.example"
	alerts := in.InspectTx(f, g, tx, core.ToServer, false)
	require.Len(t, alerts, 1)
	assert.Equal(t, uint32(1), alerts[0].Sig.ID)
	assert.Equal(t, uint64(1), alerts[0].TxID)

	flags, _ = in.State().Lookup(tx, core.ToServer, 0)
	assert.True(t, flags.Final())

	// a final entry is never evaluated again
	assert.Empty(t, in.InspectTx(f, g, tx, core.ToServer, false))
}

func TestInspectTxCantMatch(t *testing.T) {
	r := newTestRegistry()
	g := buildGroup(t, r, driverRules)
	in := NewInspector(r, Config{MaxInstances: 10})
	f := &testFlow{}
	tx := &fieldTx{testTx: testTx{id: 4}, fields: map[string]string{"method": "REGISTER"}}

	assert.Empty(t, in.InspectTx(f, g, tx, core.ToServer, false))
	flags, ok := in.State().Lookup(tx, core.ToServer, 0)
	require.True(t, ok)
	assert.NotZero(t, flags&FlagSigCantMatch)

	// sig 2 never saw a header: ruled out once the direction completes
	assert.False(t, in.State().CanDisableFileStore(g, tx, core.ToServer))
	in.InspectTx(f, g, tx, core.ToServer, true)
	assert.True(t, in.State().CanDisableFileStore(g, tx, core.ToServer))
	assert.Equal(t, []disableCall{{dir: core.ToServer, txID: 4}}, f.disabled)
}

func TestInspectTxMultiInstance(t *testing.T) {
	r := newTestRegistry()
	g := buildGroup(t, r, driverRules)
	in := NewInspector(r, Config{MaxInstances: 10})
	tx := &fieldTx{
		testTx:  testTx{id: 2},
		fields:  map[string]string{},
		headers: []string{"Via: a", "From: b", "X-Scan: yes"},
	}

	alerts := in.InspectTx(&testFlow{}, g, tx, core.ToServer, false)
	require.Len(t, alerts, 1)
	assert.Equal(t, uint32(2), alerts[0].Sig.ID)

	// beyond the cap the header is never reached
	capped := NewInspector(r, Config{MaxInstances: 2})
	tx2 := &fieldTx{testTx: testTx{id: 3}, fields: map[string]string{}, headers: tx.headers}
	assert.Empty(t, capped.InspectTx(&testFlow{}, g, tx2, core.ToServer, false))
}

func TestInspectFrames(t *testing.T) {
	r := newTestRegistry()
	g := buildGroup(t, r, driverRules)
	in := NewInspector(r, Config{Lookahead: 10})
	ft, err := r.FrameType("t.pdu")
	require.NoError(t, err)

	var frames Frames
	payload := []byte("BYE sip:alice SIP/2.0\r\n\r\nINVITE")
	fr := frames.New(ft, 0, 25, 7)
	frames.New(ft, 25, FrameLenUnknown, 8)

	alerts := in.InspectFrames(g, &frames, Datagram{Payload: payload}, core.ToServer)
	require.Len(t, alerts, 2)
	ids := []uint32{alerts[0].Sig.ID, alerts[1].Sig.ID}
	assert.ElementsMatch(t, []uint32{3, 4}, ids)
	assert.Equal(t, fr.ID, alerts[0].FrameID)
	assert.Equal(t, uint64(7), alerts[0].TxID)

	// alerts fire once per frame
	assert.Empty(t, in.InspectFrames(g, &frames, Datagram{Payload: payload}, core.ToServer))
}

func TestInspectFramesStream(t *testing.T) {
	r := newTestRegistry()
	g := buildGroup(t, r, driverRules)
	in := NewInspector(r, Config{Lookahead: DefaultLookahead})
	ft, _ := r.FrameType("t.pdu")

	var frames Frames
	fr := frames.New(ft, 0, FrameLenUnknown, 1)
	s := &memStream{}
	s.write([]byte("xx BY"))
	assert.Empty(t, in.InspectFrames(g, &frames, s, core.ToClient))

	s.write([]byte("E SIP"))
	s.eof = true
	alerts := in.InspectFrames(g, &frames, s, core.ToClient)
	require.Len(t, alerts, 2)
	assert.Equal(t, fr.ID, alerts[1].FrameID)
	assert.Equal(t, uint64(10), fr.InspectProgress)
}

func TestBuildErrors(t *testing.T) {
	r := newTestRegistry()
	tests := []struct {
		name  string
		rules string
		err   error
	}{
		{"unknown buffer", `
rules:
  - sid: 1
    buffers: [{name: t.nope, contents: [{pattern: a}]}]`, core.ErrUnknownBuffer},
		{"unknown frame", `
rules:
  - sid: 1
    frame: {name: t.method, contents: [{pattern: a}]}`, core.ErrUnknownFrameType},
		{"frame as buffer", `
rules:
  - sid: 1
    buffers: [{name: t.pdu, contents: [{pattern: a}]}]`, core.ErrRulesInvalid},
		{"unknown transform", `
rules:
  - sid: 1
    buffers: [{name: t.uri, transforms: [{name: rot13}], contents: [{pattern: a}]}]`, core.ErrRulesInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs, err := config.ParseRules([]byte(tt.rules), "yaml")
			require.NoError(t, err)
			_, err = Build(rs, r)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestBuildSharesTransformedLists(t *testing.T) {
	r := newTestRegistry()
	g := buildGroup(t, r, `
rules:
  - sid: 10
    buffers: [{name: t.uri, transforms: [{name: to_lowercase}], contents: [{pattern: a}]}]
  - sid: 11
    buffers: [{name: t.uri, transforms: [{name: to_lowercase}], contents: [{pattern: b}]}]
  - sid: 12
    buffers: [{name: t.uri, contents: [{pattern: c}]}]
`)
	sigs := g.Sigs()
	require.Len(t, sigs, 3)
	assert.Same(t, sigs[0].Buffers[0].List, sigs[1].Buffers[0].List)
	assert.NotSame(t, sigs[0].Buffers[0].List, sigs[2].Buffers[0].List)
	assert.Same(t, sigs[2].Buffers[0].List, sigs[0].Buffers[0].List.Base())
	assert.Equal(t, uint32(0), g.FileStoreCount(core.ToServer))
	assert.Len(t, g.TxSigs(core.ToClient), 3)
}
