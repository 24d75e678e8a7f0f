package xbusrpc

import (
	"context"
)

// Positional argument shapes for the recipient-facing verbs. The recipient
// protocol is positional msgpack arrays, like the emitter protocol on the
// front.
type startEventArgs struct {
	_msgpack struct{} `msgpack:",as_array"`

	EnvelopeID string
	EventID    string
	TypeName   string
}

type sendItemArgs struct {
	_msgpack struct{} `msgpack:",as_array"`

	EnvelopeID string
	EventID    string
	Indices    []int
	Data       []byte
}

type endEventArgs struct {
	_msgpack struct{} `msgpack:",as_array"`

	EnvelopeID string
	EventID    string
}

type envelopeArgs struct {
	_msgpack struct{} `msgpack:",as_array"`

	EnvelopeID string
}

type registerBackendArgs struct {
	_msgpack struct{} `msgpack:",as_array"`

	URI string
}

// RecipientClient is a transport handle bound to one remote worker or
// consumer process.
type RecipientClient struct {
	client *Client
	uri    string
}

// ConnectRecipient dials the recipient listening at uri.
func ConnectRecipient(uri string) (*RecipientClient, error) {
	client, err := Dial(uri)
	if err != nil {
		return nil, err
	}
	return &RecipientClient{client: client, uri: uri}, nil
}

// NewRecipientClient wraps an existing RPC client.
func NewRecipientClient(client *Client, uri string) *RecipientClient {
	return &RecipientClient{client: client, uri: uri}
}

// URI returns the address the recipient was registered under.
func (r *RecipientClient) URI() string {
	return r.uri
}

// Close tears the connection down.
func (r *RecipientClient) Close() error {
	return r.client.Close()
}

// StartEvent announces a new event to the recipient.
func (r *RecipientClient) StartEvent(
	ctx context.Context, envelopeID, eventID, typeName string,
) (bool, error) {
	var reply Raw
	err := r.client.Call(ctx, VerbStartEvent, &startEventArgs{
		EnvelopeID: envelopeID,
		EventID:    eventID,
		TypeName:   typeName,
	}, &reply)
	if err != nil {
		return false, err
	}
	return truthy(reply), nil
}

// SendItem forwards one item. Workers answer with zero or more
// (indices, data) pairs; consumers answer with a bare acknowledgement.
// ok reports whether the recipient accepted the item.
func (r *RecipientClient) SendItem(
	ctx context.Context, envelopeID, eventID string, indices []int, data []byte,
) ([]ItemReply, bool, error) {
	var reply Raw
	err := r.client.Call(ctx, VerbSendItem, &sendItemArgs{
		EnvelopeID: envelopeID,
		EventID:    eventID,
		Indices:    indices,
		Data:       data,
	}, &reply)
	if err != nil {
		return nil, false, err
	}

	if reply.IsNil() {
		// Consumers may answer nil: an ack with nothing to forward.
		return nil, true, nil
	}
	var ok bool
	if derr := reply.Decode(&ok); derr == nil {
		return nil, ok, nil
	}
	var pairs []ItemReply
	if derr := reply.Decode(&pairs); derr != nil {
		return nil, false, derr
	}
	return pairs, true, nil
}

// EndEvent tells the recipient the event is complete.
func (r *RecipientClient) EndEvent(
	ctx context.Context, envelopeID, eventID string,
) (bool, error) {
	var reply Raw
	err := r.client.Call(ctx, VerbEndEvent, &endEventArgs{
		EnvelopeID: envelopeID,
		EventID:    eventID,
	}, &reply)
	if err != nil {
		return false, err
	}
	return truthy(reply), nil
}

// EndEnvelope tells the recipient the whole envelope is complete.
func (r *RecipientClient) EndEnvelope(
	ctx context.Context, envelopeID string,
) (bool, error) {
	var reply Raw
	err := r.client.Call(ctx, VerbEndEnvelope, &envelopeArgs{EnvelopeID: envelopeID}, &reply)
	if err != nil {
		return false, err
	}
	return truthy(reply), nil
}

// StopEnvelope tells the recipient to abandon the envelope. Fire-and-forget.
func (r *RecipientClient) StopEnvelope(envelopeID string) error {
	return r.client.Notify(VerbStopEnvelope, &envelopeArgs{EnvelopeID: envelopeID})
}

// truthy interprets a dynamic reply value as a success flag: explicit
// booleans speak for themselves, nil is a refusal, anything else an ack.
func truthy(reply Raw) bool {
	var ok bool
	if err := reply.Decode(&ok); err == nil {
		return ok
	}
	return !reply.IsNil()
}

// =============================================================================
// Front client
// =============================================================================

// FrontClient talks to the front broker's back-registration endpoint.
type FrontClient struct {
	client *Client
}

// ConnectFront dials the front's back-registration endpoint.
func ConnectFront(addr string) (*FrontClient, error) {
	client, err := Dial(addr)
	if err != nil {
		return nil, err
	}
	return &FrontClient{client: client}, nil
}

// RegisterBackend announces this back-end's URI to the front. A nil reply
// means the front refused the registration.
func (f *FrontClient) RegisterBackend(ctx context.Context, selfURI string) (bool, error) {
	var reply Raw
	err := f.client.Call(ctx, VerbRegisterBackend, &registerBackendArgs{URI: selfURI}, &reply)
	if err != nil {
		return false, err
	}
	return !reply.IsNil(), nil
}

// Close tears the connection down.
func (f *FrontClient) Close() error {
	return f.client.Close()
}
