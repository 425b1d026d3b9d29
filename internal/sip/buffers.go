package sip

import (
	"fmt"

	"firestige.xyz/vigil/internal/core"
	"firestige.xyz/vigil/internal/detect"
)

// Frame type names.
const (
	FramePDU          = "sip.pdu"
	FrameRequestLine  = "sip.request_line"
	FrameResponseLine = "sip.response_line"
	FrameHeaders      = "sip.hdr"
	FrameData         = "sip.data"
)

// FrameTypes are the registered ids of the SIP frame types.
type FrameTypes struct {
	PDU          detect.FrameType
	RequestLine  detect.FrameType
	ResponseLine detect.FrameType
	Headers      detect.FrameType
	Data         detect.FrameType
}

// Register adds the SIP buffers and frame types to r. The request and
// response lines exist both as transaction buffers and as frame types.
func Register(r *detect.Registry) (FrameTypes, error) {
	buffers := []struct {
		name  string
		p     detect.BufferProducer
		multi bool
	}{
		{"sip.method", requestField(func(m *Message) string { return m.Method }), false},
		{"sip.uri", requestField(func(m *Message) string { return m.URI }), false},
		{"sip.request_line", requestField(func(m *Message) string { return m.StartLine }), false},
		{"sip.stat_code", responseField(func(m *Message) string { return m.StatusText() }), false},
		{"sip.stat_msg", responseField(func(m *Message) string { return m.Reason }), false},
		{"sip.response_line", responseField(func(m *Message) string { return m.StartLine }), false},
		{"sip.protocol", messageField(func(m *Message) string { return m.Protocol }), false},
		{"sip.from", headerField("from"), false},
		{"sip.to", headerField("to"), false},
		{"sip.call_id", headerField("call-id"), false},
		{"sip.user_agent", headerField("user-agent"), false},
		{"sip.content_type", headerField("content-type"), false},
		{"sip.via", headerInstances{name: "via"}, true},
		{"sip.header", rawHeaders{}, true},
		{"file.data", detect.Single(body), false},
	}
	for _, b := range buffers {
		var err error
		if b.multi {
			_, err = r.RegisterMultiBuffer(b.name, b.p)
		} else {
			_, err = r.RegisterBuffer(b.name, b.p)
		}
		if err != nil {
			return FrameTypes{}, fmt.Errorf("register sip buffers: %w", err)
		}
	}

	var types FrameTypes
	frames := []struct {
		name string
		t    *detect.FrameType
	}{
		{FramePDU, &types.PDU},
		{FrameRequestLine, &types.RequestLine},
		{FrameResponseLine, &types.ResponseLine},
		{FrameHeaders, &types.Headers},
		{FrameData, &types.Data},
	}
	for _, f := range frames {
		t, err := r.RegisterFrameType(f.name)
		if err != nil {
			return FrameTypes{}, fmt.Errorf("register sip frames: %w", err)
		}
		*f.t = t
	}
	return types, nil
}

// message returns the message of tx seen in dir.
func message(tx detect.Transaction, dir core.Direction) *Message {
	t, ok := tx.(*Tx)
	if !ok || t.Dir != dir {
		return nil
	}
	return t.Message()
}

func produced(s string) ([]byte, bool) {
	if s == "" {
		return nil, false
	}
	return []byte(s), true
}

func messageField(get func(*Message) string) detect.BufferProducer {
	return detect.Single(func(tx detect.Transaction, dir core.Direction) ([]byte, bool) {
		m := message(tx, dir)
		if m == nil {
			return nil, false
		}
		return produced(get(m))
	})
}

func requestField(get func(*Message) string) detect.BufferProducer {
	return messageField(func(m *Message) string {
		if !m.Request {
			return ""
		}
		return get(m)
	})
}

func responseField(get func(*Message) string) detect.BufferProducer {
	return messageField(func(m *Message) string {
		if m.Request {
			return ""
		}
		return get(m)
	})
}

func headerField(name string) detect.BufferProducer {
	return messageField(func(m *Message) string {
		v, _ := m.Header(name)
		return v
	})
}

// headerInstances yields one instance per header called name.
type headerInstances struct {
	name string
}

func (h headerInstances) Produce(tx detect.Transaction, dir core.Direction, instance uint32) ([]byte, bool) {
	m := message(tx, dir)
	if m == nil {
		return nil, false
	}
	values := m.HeaderValues(h.name)
	if int(instance) >= len(values) {
		return nil, false
	}
	return []byte(values[instance]), true
}

func (h headerInstances) Instances(tx detect.Transaction, dir core.Direction) int {
	if m := message(tx, dir); m != nil {
		return len(m.HeaderValues(h.name))
	}
	return 0
}

// rawHeaders yields each header as "Name: Value".
type rawHeaders struct{}

func (rawHeaders) Produce(tx detect.Transaction, dir core.Direction, instance uint32) ([]byte, bool) {
	m := message(tx, dir)
	if m == nil || int(instance) >= len(m.Headers) {
		return nil, false
	}
	h := m.Headers[instance]
	return []byte(h.Name + ": " + h.Value), true
}

func (rawHeaders) Instances(tx detect.Transaction, dir core.Direction) int {
	if m := message(tx, dir); m != nil {
		return len(m.Headers)
	}
	return 0
}

func body(tx detect.Transaction, dir core.Direction) ([]byte, bool) {
	m := message(tx, dir)
	if m == nil || len(m.Body) == 0 {
		return nil, false
	}
	return m.Body, true
}
