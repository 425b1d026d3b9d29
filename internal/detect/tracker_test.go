package detect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/vigil/internal/core"
)

func TestAppendLookupAll(t *testing.T) {
	sigs := sigsWithNums(8, 0)
	g := NewSigGroup(sigs)
	f := &testFlow{}
	tx := &testTx{id: 1}
	st := NewStateStore(StateConfig{})

	require.NoError(t, st.Append(f, g, tx, core.ToServer, sigs[3], FlagFullInspect))
	require.NoError(t, st.Append(f, g, tx, core.ToServer, sigs[7], FlagSigCantMatch))
	require.NoError(t, st.Append(f, g, tx, core.ToServer, sigs[3], FlagSigCantMatch))

	got := st.LookupAll(tx, core.ToServer)
	assert.Equal(t, []StateEntry{
		{Sig: 3, Flags: FlagFullInspect},
		{Sig: 7, Flags: FlagSigCantMatch},
	}, got)
	assert.Empty(t, st.LookupAll(tx, core.ToClient))
	assert.Equal(t, 1, f.counters.Live)
}

func TestAppendDuplicateValidation(t *testing.T) {
	sigs := sigsWithNums(4, 0)
	g := NewSigGroup(sigs)
	tx := &testTx{id: 1}
	st := NewStateStore(StateConfig{Validate: true})

	require.NoError(t, st.Append(nil, g, tx, core.ToServer, sigs[3], 0))
	err := st.Append(nil, g, tx, core.ToServer, sigs[3], FlagFullInspect)
	require.ErrorIs(t, err, core.ErrDuplicateSignature)

	flags, ok := st.Lookup(tx, core.ToServer, 3)
	require.True(t, ok)
	assert.Zero(t, flags)
	assert.Len(t, st.LookupAll(tx, core.ToServer), 1)
}

func TestAppendAtMostOnce(t *testing.T) {
	sigs := sigsWithNums(20, 0)
	g := NewSigGroup(sigs)
	tx := &testTx{id: 1}
	st := NewStateStore(StateConfig{})

	order := []int{5, 1, 5, 19, 0, 1, 19, 7, 7, 12}
	for _, i := range order {
		require.NoError(t, st.Append(nil, g, tx, core.ToClient, sigs[i], 0))
	}

	seen := map[SigNum]bool{}
	for _, e := range st.LookupAll(tx, core.ToClient) {
		assert.False(t, seen[e.Sig], "sig %d recorded twice", e.Sig)
		seen[e.Sig] = true
	}
	assert.Len(t, seen, 6)
}

func TestAppendMemcap(t *testing.T) {
	sigs := sigsWithNums(3, 0)
	g := NewSigGroup(sigs)
	tx := &testTx{id: 1}
	st := NewStateStore(StateConfig{MaxEntries: 2})

	require.NoError(t, st.Append(nil, g, tx, core.ToServer, sigs[0], 0))
	require.NoError(t, st.Append(nil, g, tx, core.ToServer, sigs[1], 0))
	err := st.Append(nil, g, tx, core.ToServer, sigs[2], 0)
	require.ErrorIs(t, err, core.ErrStateMemcap)
	assert.Len(t, st.LookupAll(tx, core.ToServer), 2)

	// the cap is per direction
	require.NoError(t, st.Append(nil, g, tx, core.ToClient, sigs[2], 0))
}

func TestFileStorePruning(t *testing.T) {
	sigs := sigsWithNums(6, 4)
	g := NewSigGroup(sigs)
	require.Equal(t, uint32(4), g.FileStoreCount(core.ToServer))

	f := &testFlow{}
	tx := &testTx{id: 9}
	st := NewStateStore(StateConfig{})

	// a non file-store signature never counts
	require.NoError(t, st.Append(f, g, tx, core.ToServer, sigs[5], FlagSigCantMatch))
	assert.False(t, st.CanDisableFileStore(g, tx, core.ToServer))

	for i := 0; i < 3; i++ {
		require.NoError(t, st.Append(f, g, tx, core.ToServer, sigs[i], FlagSigCantMatch))
		assert.False(t, st.CanDisableFileStore(g, tx, core.ToServer))
	}
	assert.Empty(t, f.disabled)

	require.NoError(t, st.Append(f, g, tx, core.ToServer, sigs[3], FlagSigCantMatch))
	assert.True(t, st.CanDisableFileStore(g, tx, core.ToServer))
	assert.Equal(t, []disableCall{{dir: core.ToServer, txID: 9}}, f.disabled)
	assert.Equal(t, 1, f.counters.FileStorePrunedTx)

	// the other direction is independent
	assert.False(t, st.CanDisableFileStore(g, tx, core.ToClient))

	// latched even when a reload grows the group
	bigger := NewSigGroup(sigsWithNums(10, 8))
	assert.True(t, st.CanDisableFileStore(bigger, tx, core.ToServer))

	// notified exactly once
	require.NoError(t, st.Append(f, g, tx, core.ToServer, sigs[4], FlagSigCantMatch))
	assert.Len(t, f.disabled, 1)

	st.Free(tx)
	assert.Equal(t, 0, f.counters.FileStorePrunedTx)
	assert.Equal(t, 0, f.counters.Live)
}

func TestFileStoreNoCandidates(t *testing.T) {
	g := NewSigGroup(sigsWithNums(2, 0))
	tx := &testTx{id: 1}
	st := NewStateStore(StateConfig{})

	assert.True(t, st.CanDisableFileStore(g, tx, core.ToServer))
}

func TestRefine(t *testing.T) {
	sigs := sigsWithNums(2, 1)
	g := NewSigGroup(sigs)
	f := &testFlow{}
	tx := &testTx{id: 2}
	st := NewStateStore(StateConfig{})

	assert.False(t, st.Refine(f, g, tx, core.ToServer, sigs[0], EngineFlag(0)))

	require.NoError(t, st.Append(f, g, tx, core.ToServer, sigs[0], EngineFlag(0)))
	assert.True(t, st.Refine(f, g, tx, core.ToServer, sigs[0], EngineFlag(1)))
	flags, _ := st.Lookup(tx, core.ToServer, sigs[0].Num)
	assert.Equal(t, EngineFlag(0)|EngineFlag(1), flags)
	assert.False(t, st.CanDisableFileStore(g, tx, core.ToServer))

	assert.True(t, st.Refine(f, g, tx, core.ToServer, sigs[0], FlagSigCantMatch))
	assert.True(t, st.CanDisableFileStore(g, tx, core.ToServer))
	assert.Len(t, f.disabled, 1)

	// setting the same bit again is not a new rule-out
	st.Refine(f, g, tx, core.ToServer, sigs[0], FlagSigCantMatch)
	assert.Equal(t, uint32(1), tx.state.Dir(core.ToServer).RuledOut())
}

func TestResetActive(t *testing.T) {
	sigs := sigsWithNums(3, 1)
	g := NewSigGroup(sigs)
	f := &testFlow{}
	st := NewStateStore(StateConfig{})

	for id := uint64(0); id < 4; id++ {
		tx := &testTx{id: id}
		f.txs = append(f.txs, tx)
		require.NoError(t, st.Append(f, g, tx, core.ToServer, sigs[0], FlagSigCantMatch))
		require.NoError(t, st.Append(f, g, tx, core.ToClient, sigs[1], FlagFullInspect))
	}
	require.Equal(t, 4, f.counters.FileStorePrunedTx)

	f.inspectID = [2]uint64{3, 2}
	n := st.ResetActive(f)
	assert.Equal(t, 2, n)

	for _, tx := range f.txs[:2] {
		assert.Len(t, st.LookupAll(tx, core.ToServer), 1)
		assert.True(t, st.CanDisableFileStore(g, tx, core.ToServer))
	}
	for _, tx := range f.txs[2:] {
		assert.Empty(t, st.LookupAll(tx, core.ToServer))
		assert.Empty(t, st.LookupAll(tx, core.ToClient))
		assert.False(t, st.CanDisableFileStore(g, tx, core.ToServer))
	}
	assert.Equal(t, 2, f.counters.FileStorePrunedTx)
	assert.Equal(t, 4, f.counters.Live)
}

func TestFreeIdempotent(t *testing.T) {
	sigs := sigsWithNums(1, 0)
	g := NewSigGroup(sigs)
	f := &testFlow{}
	tx := &testTx{id: 1}
	st := NewStateStore(StateConfig{})

	require.NoError(t, st.Append(f, g, tx, core.ToServer, sigs[0], 0))
	require.Equal(t, 1, f.counters.Live)

	st.Free(tx)
	st.Free(tx)
	assert.Nil(t, tx.DetectState())
	assert.Equal(t, 0, f.counters.Live)
}
