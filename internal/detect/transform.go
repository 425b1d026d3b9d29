package detect

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"

	"firestige.xyz/vigil/internal/core"
)

// Transform rewrites an inspection buffer before matching.
type Transform interface {
	Name() string
	// Apply appends the transformed form of src to dst and returns it.
	Apply(dst, src []byte) []byte
}

// NewTransform builds a transform by name. Options are decoded from the rule
// set's free-form map.
func NewTransform(name string, options map[string]any) (Transform, error) {
	switch name {
	case "to_lowercase":
		return toLowercase{}, nil
	case "strip_whitespace":
		return stripWhitespace{}, nil
	case "compress_whitespace":
		return compressWhitespace{}, nil
	case "from_base64":
		t := &fromBase64{Mode: "rfc4648"}
		if len(options) > 0 {
			if err := mapstructure.Decode(options, t); err != nil {
				return nil, fmt.Errorf("transform %s options: %w", name, err)
			}
		}
		if err := t.validate(); err != nil {
			return nil, err
		}
		return t, nil
	}
	return nil, fmt.Errorf("unknown transform %q: %w", name, core.ErrRulesInvalid)
}

// transformKey returns a stable identity for a transform chain.
func transformKey(ts []Transform) string {
	if len(ts) == 0 {
		return ""
	}
	names := make([]string, len(ts))
	for i, t := range ts {
		names[i] = t.Name()
	}
	return strings.Join(names, ",")
}

type toLowercase struct{}

func (toLowercase) Name() string { return "to_lowercase" }

func (toLowercase) Apply(dst, src []byte) []byte {
	for _, c := range src {
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		dst = append(dst, c)
	}
	return dst
}

type stripWhitespace struct{}

func (stripWhitespace) Name() string { return "strip_whitespace" }

func (stripWhitespace) Apply(dst, src []byte) []byte {
	for _, c := range src {
		if isSpace(c) {
			continue
		}
		dst = append(dst, c)
	}
	return dst
}

type compressWhitespace struct{}

func (compressWhitespace) Name() string { return "compress_whitespace" }

func (compressWhitespace) Apply(dst, src []byte) []byte {
	prevSpace := false
	for _, c := range src {
		if isSpace(c) {
			if prevSpace {
				continue
			}
			prevSpace = true
		} else {
			prevSpace = false
		}
		dst = append(dst, c)
	}
	return dst
}

func isSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}

// fromBase64 decodes a base64 region of the buffer. Invalid input yields an
// empty buffer.
type fromBase64 struct {
	Mode   string `mapstructure:"mode"`
	Offset int    `mapstructure:"offset"`
	Bytes  int    `mapstructure:"bytes"`
}

func (t *fromBase64) Name() string {
	return fmt.Sprintf("from_base64(%s,%d,%d)", t.Mode, t.Offset, t.Bytes)
}

func (t *fromBase64) validate() error {
	switch t.Mode {
	case "rfc4648", "rfc2045", "strict":
	default:
		return fmt.Errorf("from_base64 mode %q: %w", t.Mode, core.ErrRulesInvalid)
	}
	if t.Offset < 0 || t.Bytes < 0 {
		return fmt.Errorf("from_base64 negative offset or bytes: %w", core.ErrRulesInvalid)
	}
	return nil
}

func (t *fromBase64) Apply(dst, src []byte) []byte {
	if t.Offset >= len(src) {
		return dst
	}
	src = src[t.Offset:]
	if t.Bytes > 0 && t.Bytes < len(src) {
		src = src[:t.Bytes]
	}

	enc := base64.StdEncoding
	switch t.Mode {
	case "rfc2045":
		// line breaks and other non-alphabet bytes are ignored
		src = bytes.Map(func(r rune) rune {
			if r == '+' || r == '/' || r == '=' ||
				('A' <= r && r <= 'Z') || ('a' <= r && r <= 'z') || ('0' <= r && r <= '9') {
				return r
			}
			return -1
		}, src)
	case "rfc4648":
		// decode the longest valid prefix
		if i := bytes.IndexFunc(src, func(r rune) bool {
			return !(r == '+' || r == '/' || r == '=' ||
				('A' <= r && r <= 'Z') || ('a' <= r && r <= 'z') || ('0' <= r && r <= '9'))
		}); i >= 0 {
			src = src[:i]
		}
	}

	if t.Mode != "strict" && !bytes.HasSuffix(src, []byte("=")) {
		src = src[:len(src)-len(src)%4]
	}

	start := len(dst)
	dst = append(dst, make([]byte, enc.DecodedLen(len(src)))...)
	n, err := enc.Decode(dst[start:], src)
	if err != nil {
		return dst[:start]
	}
	return dst[:start+n]
}
