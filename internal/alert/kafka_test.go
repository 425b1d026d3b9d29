package alert

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"firestige.xyz/vigil/internal/config"
)

type mockMessageWriter struct {
	mock.Mock
}

func (m *mockMessageWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	return m.Called(ctx, msgs).Error(0)
}

func (m *mockMessageWriter) Close() error {
	return m.Called().Error(0)
}

func TestNewKafkaWriter(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.KafkaConfig
		wantErr bool
	}{
		{"missing brokers", config.KafkaConfig{Topic: "alerts"}, true},
		{"missing topic", config.KafkaConfig{Brokers: []string{"localhost:9092"}}, true},
		{"invalid compression", config.KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "alerts", Compression: "zstd"}, true},
		{"valid minimal", config.KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "alerts"}, false},
		{"valid full", config.KafkaConfig{
			Brokers:              []string{"k1:9092", "k2:9092"},
			Topic:                "alerts",
			BatchSize:            200,
			BatchTimeoutDuration: 200 * time.Millisecond,
			Compression:          "gzip",
			MaxAttempts:          5,
		}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := NewKafkaWriter(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NoError(t, w.Close(), "nothing queued")
		})
	}
}

func TestKafkaWriterWrite(t *testing.T) {
	m := &mockMessageWriter{}
	k := &KafkaWriter{writer: m, topic: "alerts"}

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m.On("WriteMessages", mock.Anything, mock.MatchedBy(func(msgs []kafka.Message) bool {
		return len(msgs) == 1 &&
			string(msgs[0].Key) == "10.0.0.1:40000-10.0.0.2:5060" &&
			msgs[0].Time.Equal(ts) &&
			len(msgs[0].Headers) == 2 &&
			string(msgs[0].Headers[0].Value) == "2008578"
	})).Return(nil).Once()
	m.On("WriteMessages", mock.Anything, mock.Anything).Return(errors.New("broker down")).Once()

	rec := Record{
		Timestamp: ts,
		SID:       2008578,
		SrcIP:     "10.0.0.1",
		SrcPort:   40000,
		DstIP:     "10.0.0.2",
		DstPort:   5060,
		AppProto:  "sip",
	}
	require.NoError(t, k.Write(rec))
	assert.ErrorContains(t, k.Write(rec), "broker down")
	assert.Equal(t, uint64(1), k.failed.Load())
	m.AssertExpectations(t)
}

func TestKafkaWriterCompletion(t *testing.T) {
	k := &KafkaWriter{topic: "alerts"}
	k.completed(make([]kafka.Message, 3), nil)
	k.completed(make([]kafka.Message, 2), errors.New("timeout"))
	assert.Equal(t, uint64(3), k.published.Load())
	assert.Equal(t, uint64(2), k.failed.Load())
}

func TestKafkaWriterClose(t *testing.T) {
	m := &mockMessageWriter{}
	m.On("Close").Return(errors.New("flush failed")).Once()
	k := &KafkaWriter{writer: m, topic: "alerts"}
	assert.Error(t, k.Close())
	m.AssertExpectations(t)
}
