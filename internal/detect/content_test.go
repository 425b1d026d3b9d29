package detect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentMatch(t *testing.T) {
	whole := &InspectionBuffer{Inspect: []byte("INVITE sip:bob@example.com SIP/2.0"), Flags: CIStart | CIEnd}
	middle := &InspectionBuffer{Inspect: []byte("INVITE sip:bob"), InspectOffset: 40}
	head := &InspectionBuffer{Inspect: []byte("INVITE sip:bob"), Flags: CIStart}

	tests := []struct {
		name    string
		content Content
		buf     *InspectionBuffer
		want    bool
	}{
		{"plain hit", Content{Pattern: []byte("bob@")}, whole, true},
		{"plain miss", Content{Pattern: []byte("alice")}, whole, false},
		{"case sensitive", Content{Pattern: []byte("invite")}, whole, false},
		{"nocase", Content{Pattern: []byte("invite"), Nocase: true}, whole, true},
		{"startswith", Content{Pattern: []byte("INVITE"), StartsWith: true}, whole, true},
		{"startswith needs START", Content{Pattern: []byte("INVITE"), StartsWith: true}, middle, false},
		{"startswith on a head window", Content{Pattern: []byte("INVITE"), StartsWith: true}, head, true},
		{"endswith", Content{Pattern: []byte("SIP/2.0"), EndsWith: true}, whole, true},
		{"endswith needs END", Content{Pattern: []byte("bob"), EndsWith: true}, head, false},
		{"startswith and endswith exact", Content{Pattern: []byte("INVITE sip:bob@example.com SIP/2.0"), StartsWith: true, EndsWith: true}, whole, true},
		{"startswith and endswith partial", Content{Pattern: []byte("INVITE"), StartsWith: true, EndsWith: true}, whole, false},
		{"negate miss is a hit", Content{Pattern: []byte("alice"), Negate: true}, whole, true},
		{"negate hit is a miss", Content{Pattern: []byte("bob"), Negate: true}, whole, false},
		{"pattern longer than buffer", Content{Pattern: []byte("INVITE sip:bob@example.com SIP/2.0 extra")}, whole, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.content.Match(tt.buf))
		})
	}
}

func TestBufferMatchAllContents(t *testing.T) {
	buf := &InspectionBuffer{Inspect: []byte("User-Agent: friendly-scanner"), Flags: CIStart | CIEnd}
	m := BufferMatch{Contents: []Content{
		{Pattern: []byte("user-agent"), Nocase: true, StartsWith: true},
		{Pattern: []byte("scanner")},
	}}
	assert.True(t, m.Match(buf))

	m.Contents = append(m.Contents, Content{Pattern: []byte("sipvicious")})
	assert.False(t, m.Match(buf))
}

func TestIndexFold(t *testing.T) {
	assert.Equal(t, 0, indexFold([]byte("abc"), nil))
	assert.Equal(t, 2, indexFold([]byte("xxHeLLo"), []byte("hello")))
	assert.Equal(t, -1, indexFold([]byte("hell"), []byte("hello")))
}

func TestTransforms(t *testing.T) {
	tests := []struct {
		name    string
		options map[string]any
		in      string
		want    string
	}{
		{"to_lowercase", nil, "INVITE Sip", "invite sip"},
		{"strip_whitespace", nil, " a b\t\r\nc ", "abc"},
		{"compress_whitespace", nil, "a  b\t\t c", "a b\tc"},
		{"from_base64", nil, "aGVsbG8=", "hello"},
		{"from_base64", nil, "aGVsbG8gd29ybGQ!garbage", "hello wor"},
		{"from_base64", map[string]any{"mode": "rfc2045"}, "aGVs\r\nbG8=", "hello"},
		{"from_base64", map[string]any{"offset": 2, "bytes": 8}, "xxaGVsbG8=", "hello"},
		{"from_base64", map[string]any{"mode": "strict"}, "aGVsbG8", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := NewTransform(tt.name, tt.options)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(tr.Apply(nil, []byte(tt.in))))
		})
	}
}

func TestTransformErrors(t *testing.T) {
	_, err := NewTransform("rot13", nil)
	assert.Error(t, err)
	_, err = NewTransform("from_base64", map[string]any{"mode": "bogus"})
	assert.Error(t, err)
	_, err = NewTransform("from_base64", map[string]any{"offset": -1})
	assert.Error(t, err)
}
