package detect

import "bytes"

// Match reports whether the content holds for buf.
func (c *Content) Match(buf *InspectionBuffer) bool {
	return c.find(buf) != c.Negate
}

func (c *Content) find(buf *InspectionBuffer) bool {
	data := buf.Inspect
	if len(c.Pattern) > len(data) {
		return false
	}
	switch {
	case c.StartsWith && c.EndsWith:
		return buf.Flags&(CIStart|CIEnd) == CIStart|CIEnd && buf.InspectOffset == 0 &&
			len(data) == len(c.Pattern) && c.equal(data, c.Pattern)
	case c.StartsWith:
		return buf.Flags&CIStart != 0 && buf.InspectOffset == 0 &&
			c.equal(data[:len(c.Pattern)], c.Pattern)
	case c.EndsWith:
		return buf.Flags&CIEnd != 0 &&
			c.equal(data[len(data)-len(c.Pattern):], c.Pattern)
	}
	if c.Nocase {
		return indexFold(data, c.Pattern) >= 0
	}
	return bytes.Contains(data, c.Pattern)
}

func (c *Content) equal(a, b []byte) bool {
	if c.Nocase {
		return bytes.EqualFold(a, b)
	}
	return bytes.Equal(a, b)
}

// indexFold is bytes.Index with ASCII case folding.
func indexFold(s, sep []byte) int {
	n := len(sep)
	if n == 0 {
		return 0
	}
	for i := 0; i+n <= len(s); i++ {
		if lower(s[i]) != lower(sep[0]) {
			continue
		}
		if bytes.EqualFold(s[i:i+n], sep) {
			return i
		}
	}
	return -1
}

func lower(c byte) byte {
	if 'A' <= c && c <= 'Z' {
		return c + 'a' - 'A'
	}
	return c
}

// Match reports whether every content holds for buf.
func (m *BufferMatch) Match(buf *InspectionBuffer) bool {
	for i := range m.Contents {
		if !m.Contents[i].Match(buf) {
			return false
		}
	}
	return true
}
