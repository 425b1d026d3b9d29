// Package sip implements the SIP application layer: message framing over
// datagrams and streams, transactions, and the inspection buffers rules
// match against.
package sip

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/ghettovoice/gosip/sip"
)

// Header is one header line as received.
type Header struct {
	Name  string
	Value string
}

// Message is one parsed SIP request or response.
type Message struct {
	Request    bool
	Method     string
	URI        string
	Protocol   string
	StatusCode int
	Reason     string
	StartLine  string
	Headers    []Header
	Body       []byte
	CallID     string
	CSeq       string
}

// compact header forms (RFC 3261 section 7.3.3)
var compactNames = map[string]string{
	"i": "call-id",
	"m": "contact",
	"e": "content-encoding",
	"l": "content-length",
	"c": "content-type",
	"f": "from",
	"s": "subject",
	"k": "supported",
	"t": "to",
	"v": "via",
}

func canonicalName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if long, ok := compactNames[name]; ok {
		return long
	}
	return name
}

// newMessage converts a gosip message. startLine and body are taken from
// the raw bytes so rules see them as they were sent.
func newMessage(msg sip.Message, startLine string, body []byte) *Message {
	m := &Message{StartLine: startLine, Body: body}
	for _, h := range msg.Headers() {
		m.Headers = append(m.Headers, Header{Name: h.Name(), Value: h.Value()})
	}

	parts := strings.SplitN(startLine, " ", 3)
	switch v := msg.(type) {
	case sip.Request:
		m.Request = true
		m.Method = string(v.Method())
		if len(parts) == 3 {
			m.URI = parts[1]
			m.Protocol = parts[2]
		}
	case sip.Response:
		m.StatusCode = int(v.StatusCode())
		m.Reason = v.Reason()
		m.Protocol = parts[0]
	}

	if id, ok := msg.CallID(); ok {
		m.CallID = id.Value()
	}
	if cseq, ok := msg.CSeq(); ok {
		m.CSeq = cseq.Value()
	}
	return m
}

// Header returns the value of the first header called name. Compact forms
// match their long names.
func (m *Message) Header(name string) (string, bool) {
	name = canonicalName(name)
	for _, h := range m.Headers {
		if canonicalName(h.Name) == name {
			return h.Value, true
		}
	}
	return "", false
}

// HeaderValues returns the values of every header called name.
func (m *Message) HeaderValues(name string) []string {
	name = canonicalName(name)
	var out []string
	for _, h := range m.Headers {
		if canonicalName(h.Name) == name {
			out = append(out, h.Value)
		}
	}
	return out
}

// StatusText returns the status code as sent, empty for requests.
func (m *Message) StatusText() string {
	if m.Request {
		return ""
	}
	return strconv.Itoa(m.StatusCode)
}

// layout locates the parts of a message in raw bytes. All fields are
// offsets from the first byte of the message.
type layout struct {
	lineLen   int // start line without its line ending
	lineEnd   int // first byte after the start line
	headerEnd int // first byte of the blank line
	bodyOff   int
	bodyLen   int
	total     int
}

// scan finds the layout of the message at the start of data. It returns
// false while the header block is incomplete. A datagram without
// Content-Length carries its body up to the end of the payload; on a
// stream the body is then empty.
func scan(data []byte, datagram bool) (layout, bool) {
	var l layout
	sep := 4
	end := bytes.Index(data, []byte("\r\n\r\n"))
	if end < 0 {
		sep = 2
		end = bytes.Index(data, []byte("\n\n"))
	}
	if end < 0 {
		if !datagram {
			return l, false
		}
		// a datagram is all headers
		end, sep = len(data), 0
	}

	l.lineEnd = bytes.IndexByte(data[:end], '\n') + 1
	if l.lineEnd == 0 {
		l.lineEnd = end
	}
	l.lineLen = len(bytes.TrimRight(data[:min(l.lineEnd, end)], "\r\n"))
	l.headerEnd = end
	l.bodyOff = end + sep

	cl := contentLength(data[l.lineEnd:end])
	switch {
	case cl >= 0:
		l.bodyLen = cl
		if datagram {
			l.bodyLen = min(cl, len(data)-l.bodyOff)
		}
	case datagram:
		l.bodyLen = len(data) - l.bodyOff
	}
	l.total = l.bodyOff + l.bodyLen
	return l, true
}

// contentLength returns the Content-Length of a header block, -1 if absent
// or invalid.
func contentLength(headers []byte) int {
	for _, line := range bytes.Split(headers, []byte("\n")) {
		colonIdx := bytes.IndexByte(line, ':')
		if colonIdx == -1 {
			continue
		}
		if canonicalName(string(line[:colonIdx])) != "content-length" {
			continue
		}
		n, err := strconv.Atoi(string(bytes.TrimSpace(line[colonIdx+1:])))
		if err != nil || n < 0 {
			return -1
		}
		return n
	}
	return -1
}

// isRequest reports whether a start line is a request line.
func isRequest(startLine string) bool {
	// SIP request lines contain precisely two spaces.
	if strings.Count(startLine, " ") != 2 {
		return false
	}

	// Check that the version string starts with SIP.
	parts := strings.Split(startLine, " ")
	if len(parts[2]) < 3 {
		return false
	}
	return strings.ToUpper(parts[2][:3]) == "SIP"
}

// extractURI extracts the URI from a From/To header value.
// Example: "Alice" <sip:alice@example.com>;tag=1234 -> sip:alice@example.com
func extractURI(value string) string {
	start := strings.IndexByte(value, '<')
	if start == -1 {
		// No brackets, URI is the first token
		parts := strings.Fields(value)
		if len(parts) == 0 {
			return ""
		}
		uri := parts[0]
		if semiIdx := strings.IndexByte(uri, ';'); semiIdx != -1 {
			uri = uri[:semiIdx]
		}
		return uri
	}

	end := strings.IndexByte(value[start:], '>')
	if end == -1 {
		return ""
	}
	return value[start+1 : start+end]
}

// Probe reports whether payload looks like the start of a SIP message.
func Probe(payload []byte) bool {
	if len(payload) < 8 {
		return false
	}
	prefix := string(payload[:8])
	return strings.HasPrefix(prefix, "SIP/2.0 ") ||
		strings.HasPrefix(prefix, "INVITE ") ||
		strings.HasPrefix(prefix, "REGISTER") ||
		strings.HasPrefix(prefix, "BYE ") ||
		strings.HasPrefix(prefix, "CANCEL ") ||
		strings.HasPrefix(prefix, "ACK ") ||
		strings.HasPrefix(prefix, "OPTIONS ") ||
		strings.HasPrefix(prefix, "SUBSCRI") || // SUBSCRIBE
		strings.HasPrefix(prefix, "NOTIFY ") ||
		strings.HasPrefix(prefix, "MESSAGE ") ||
		strings.HasPrefix(prefix, "INFO ") ||
		strings.HasPrefix(prefix, "PRACK ") ||
		strings.HasPrefix(prefix, "UPDATE ") ||
		strings.HasPrefix(prefix, "REFER ")
}
