// Package xbusrpc implements the msgpack RPC transport used between the
// broker back-end, the front, and recipient (worker/consumer) processes.
//
// Wire format: a stream of msgpack values over TCP. A request is a header
// followed by one arguments value; a response is a header followed by one
// result value. Requests are matched to responses by sequence number, so a
// single connection multiplexes any number of in-flight calls.
//
// Notifications (Notify=true) carry no response; the broker uses them for
// fire-and-forget verbs such as stop_envelope.
package xbusrpc

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Verbs exposed by the back-end orchestrator.
const (
	VerbLogin          = "login"
	VerbLogout         = "logout"
	VerbRegisterNode   = "register_node"
	VerbReady          = "ready"
	VerbStartEnvelope  = "start_envelope"
	VerbStartEvent     = "start_event"
	VerbSendItem       = "send_item"
	VerbEndEvent       = "end_event"
	VerbEndEnvelope    = "end_envelope"
	VerbCancelEnvelope = "cancel_envelope"
)

// Verbs the orchestrator invokes on recipients and the front.
const (
	VerbStopEnvelope    = "stop_envelope"
	VerbRegisterBackend = "register_backend"
)

// requestHeader precedes the arguments value of every request.
type requestHeader struct {
	Seq    uint64 `msgpack:"seq"`
	Verb   string `msgpack:"verb"`
	Notify bool   `msgpack:"notify,omitempty"`
}

// responseHeader precedes the result value of every response.
type responseHeader struct {
	Seq   uint64 `msgpack:"seq"`
	Error string `msgpack:"error,omitempty"`
}

// Raw is an undecoded msgpack value. Handlers receive their arguments as
// Raw and decode into the shape they expect.
type Raw []byte

var _ msgpack.CustomEncoder = (*Raw)(nil)
var _ msgpack.CustomDecoder = (*Raw)(nil)

// EncodeMsgpack writes the raw bytes through unchanged.
func (r *Raw) EncodeMsgpack(enc *msgpack.Encoder) error {
	if len(*r) == 0 {
		return enc.EncodeNil()
	}
	_, err := enc.Writer().Write(*r)
	return err
}

// DecodeMsgpack captures the next value without interpreting it.
func (r *Raw) DecodeMsgpack(dec *msgpack.Decoder) error {
	raw, err := dec.DecodeRaw()
	if err != nil {
		return err
	}
	*r = Raw(raw)
	return nil
}

// Decode unmarshals the raw value into v.
func (r Raw) Decode(v any) error {
	if len(r) == 0 {
		return errors.New("xbusrpc: empty raw value")
	}
	return msgpack.Unmarshal(r, v)
}

// IsNil reports whether the raw value is the msgpack nil.
func (r Raw) IsNil() bool {
	return len(r) == 0 || r[0] == 0xc0
}

// marshalRaw encodes v into a Raw value.
func marshalRaw(v any) (Raw, error) {
	raw, err := msgpack.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Raw(raw), nil
}

// CallError is a remote handler failure relayed through a response header.
type CallError struct {
	Verb    string
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("xbusrpc: remote %s: %s", e.Verb, e.Message)
}

// ItemReply is one (indices, data) pair returned by a worker's send_item.
// Encoded positionally, as the recipients expect.
type ItemReply struct {
	_msgpack struct{} `msgpack:",as_array"`

	Indices []int
	Data    []byte
}

// Logger is the structured logger contract for this package.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}
