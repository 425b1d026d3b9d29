package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDirection(t *testing.T) {
	assert.Equal(t, 0, ToServer.Index())
	assert.Equal(t, 1, ToClient.Index())
	assert.Equal(t, ToClient, ToServer.Reverse())
	assert.Equal(t, ToServer, ToClient.Reverse())
	assert.Equal(t, "toserver", ToServer.String())
	assert.Equal(t, "toclient", ToClient.String())
}

func TestParseDirection(t *testing.T) {
	tests := []struct {
		input string
		want  Direction
		ok    bool
	}{
		{"to_server", ToServer, true},
		{"toserver", ToServer, true},
		{"request", ToServer, true},
		{"to_client", ToClient, true},
		{"response", ToClient, true},
		{"", ToServer, false},
		{"both", ToServer, false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			d, ok := ParseDirection(tt.input)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, d)
		})
	}
}

func TestPacketProto(t *testing.T) {
	p := Packet{IP: IPHeader{Protocol: ProtoTCP}}
	assert.True(t, p.IsTCP())
	assert.False(t, p.IsUDP())

	p.IP.Protocol = ProtoUDP
	assert.True(t, p.IsUDP())
}

func TestSentinelErrorsWrap(t *testing.T) {
	err := fmt.Errorf("append sid 7: %w", ErrDuplicateSignature)
	assert.True(t, errors.Is(err, ErrDuplicateSignature))
	assert.False(t, errors.Is(err, ErrStateMemcap))
}
