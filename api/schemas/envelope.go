package schemas

import (
	"encoding/json"
	"errors"
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// wire is the codec used for everything that crosses a context boundary.
var wire = jsoniter.ConfigCompatibleWithStandardLibrary

// -- Context Identifiers --

// ContextID names one of the four isolated execution contexts.
type ContextID string

const (
	ContextBackground ContextID = "background"
	ContextContent    ContextID = "content"
	ContextWeb        ContextID = "web"
	ContextPopup      ContextID = "popup"
)

// String implements fmt.Stringer.
func (c ContextID) String() string { return string(c) }

// Valid reports whether c is one of the known contexts.
func (c ContextID) Valid() bool {
	switch c {
	case ContextBackground, ContextContent, ContextWeb, ContextPopup:
		return true
	}
	return false
}

// TabScoped reports whether envelopes addressed to c need a destination tab.
func (c ContextID) TabScoped() bool {
	return c == ContextContent || c == ContextWeb
}

// -- Message Types --

// Message types understood by the transport and the built-in middleware.
const (
	TypeAck     = "ack"
	TypeTabID   = "tabid"
	TypeHandle  = "handle"
	TypeUpdate  = "update"
	TypeOpen    = "open"
	TypeClose   = "close"
	TypeTabs    = "tabs"
	TypeEhlo    = "ehlo"
	TypeClick   = "click"
	TypePress   = "press"
	TypeType    = "type"
	TypeScroll  = "scroll"
	TypeStore   = "store"
	TypeRestore = "restore"
	TypeTrace   = "trace"
)

// -- Envelope --

// Envelope is the unit of data exchanged between contexts.
// A non-nil Ack on a request means the sender expects an acknowledgment. On an
// envelope of type "ack" it carries the correlation id being acknowledged.
type Envelope struct {
	Src     ContextID       `json:"src"`
	Dst     ContextID       `json:"dst"`
	Type    string          `json:"type"`
	Msg     json.RawMessage `json:"msg,omitempty"`
	Ack     *int64          `json:"ack,omitempty"`
	FromTab *int64          `json:"ftab,omitempty"`
	ToTab   *int64          `json:"ttab,omitempty"`
}

// AckPayload is the msg of an "ack" envelope.
type AckPayload struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// IsAck reports whether the envelope acknowledges an earlier request.
func (e *Envelope) IsAck() bool { return e.Type == TypeAck }

// WantsAck reports whether the sender is waiting for a correlated reply.
func (e *Envelope) WantsAck() bool { return e.Ack != nil && !e.IsAck() }

// Clone returns a copy that shares no pointers with e.
func (e *Envelope) Clone() *Envelope {
	c := *e
	if e.Msg != nil {
		c.Msg = append(json.RawMessage(nil), e.Msg...)
	}
	c.Ack = cloneID(e.Ack)
	c.FromTab = cloneID(e.FromTab)
	c.ToTab = cloneID(e.ToTab)
	return &c
}

// ID returns a pointer to v, for the optional id fields of an Envelope.
func ID(v int64) *int64 { return &v }

func cloneID(p *int64) *int64 {
	if p == nil {
		return nil
	}
	return ID(*p)
}

// ErrMalformedEnvelope is returned when decoded data is not a usable envelope.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// EncodeEnvelope serializes an envelope for the wire.
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	data, err := wire.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("schemas: encode envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses and validates an envelope read from the wire.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := wire.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if !env.Src.Valid() || !env.Dst.Valid() {
		return nil, fmt.Errorf("%w: unknown context %q -> %q", ErrMalformedEnvelope, env.Src, env.Dst)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}
	if env.IsAck() && env.Ack == nil {
		return nil, fmt.Errorf("%w: ack without correlation id", ErrMalformedEnvelope)
	}
	return &env, nil
}

// MarshalPayload encodes v as an envelope msg. A nil v yields a nil message.
func MarshalPayload(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	data, err := wire.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("schemas: encode payload: %w", err)
	}
	return data, nil
}

// UnmarshalPayload decodes an envelope msg into v. An empty message leaves v untouched.
func UnmarshalPayload(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := wire.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("schemas: decode payload: %w", err)
	}
	return nil
}
