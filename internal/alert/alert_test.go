package alert

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/vigil/internal/config"
)

func TestWriterJSONLines(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)

	txID := uint64(3)
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, w.Write(Record{
		Timestamp: ts,
		SID:       2008578,
		Msg:       "SIP scanner",
		Direction: "toserver",
		Proto:     "udp",
		SrcIP:     "10.0.0.1",
		SrcPort:   40000,
		DstIP:     "10.0.0.2",
		DstPort:   5060,
		AppProto:  "sip",
		TxID:      &txID,
		SIP:       &SIPInfo{Method: "INVITE", CallID: "abc"},
	}))
	require.NoError(t, w.Write(Record{SID: 7, FrameID: 2, Frame: "sip.pdu"}))

	sc := bufio.NewScanner(&buf)
	var lines []map[string]any
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		lines = append(lines, m)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, float64(2008578), lines[0]["sid"])
	assert.Equal(t, "2024-05-01T12:00:00Z", lines[0]["timestamp"])
	assert.Equal(t, "INVITE", lines[0]["sip"].(map[string]any)["method"])
	assert.Equal(t, float64(3), lines[0]["tx_id"])
	assert.NotContains(t, lines[0], "frame_id")
	assert.Equal(t, "sip.pdu", lines[1]["frame"])
	assert.NotContains(t, lines[1], "sip")
	assert.NotContains(t, lines[1], "tx_id")
}

func TestWriterConcurrent(t *testing.T) {
	var buf bytes.Buffer
	w := New(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(sid uint32) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				assert.NoError(t, w.Write(Record{SID: sid}))
			}
		}(uint32(i + 1))
	}
	wg.Wait()

	n := 0
	sc := bufio.NewScanner(&buf)
	for sc.Scan() {
		var r Record
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		n++
	}
	assert.Equal(t, 400, n)
}

func TestOpenRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "alerts.json")
	w, err := Open(config.AlertsConfig{Enabled: true, Path: path, Rotation: config.RotationConfig{MaxSizeMB: 1}})
	require.NoError(t, err)
	require.NoError(t, w.Write(Record{SID: 1}))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"sid":1`)

	_, err = Open(config.AlertsConfig{})
	assert.Error(t, err)
}

type failingSink struct{ closed bool }

func (f *failingSink) Write(Record) error { return errors.New("sink down") }
func (f *failingSink) Close() error {
	f.closed = true
	return nil
}

func TestMultiWritesAll(t *testing.T) {
	var a, b bytes.Buffer
	bad := &failingSink{}
	m := Multi{New(&a), bad, New(&b)}

	err := m.Write(Record{SID: 9})
	assert.ErrorContains(t, err, "sink down")
	assert.Contains(t, a.String(), `"sid":9`)
	assert.Contains(t, b.String(), `"sid":9`, "a failing sink does not stop the others")

	require.NoError(t, m.Close())
	assert.True(t, bad.closed)
}
