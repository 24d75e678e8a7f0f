package backend

import (
	"context"
	"errors"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xbusproject/xbus/backend/envelope"
	"github.com/xbusproject/xbus/xbusrpc"
)

var tracer = otel.Tracer("xbus/backend")

// Wire argument shapes of the orchestrator verbs. Positional, matching
// what emitters and recipients send.
type loginArgs struct {
	_msgpack struct{} `msgpack:",as_array"`

	Login    string
	Password string
}

type tokenArgs struct {
	_msgpack struct{} `msgpack:",as_array"`

	Token string
}

type registerNodeArgs struct {
	_msgpack struct{} `msgpack:",as_array"`

	Token string
	URI   string
}

type envelopeIDArgs struct {
	_msgpack struct{} `msgpack:",as_array"`

	EnvelopeID string
}

type startEventArgs struct {
	_msgpack struct{} `msgpack:",as_array"`

	EnvelopeID string
	EventID    string
	TypeID     string
	TypeName   string
	Targets    []string
}

type sendItemArgs struct {
	_msgpack struct{} `msgpack:",as_array"`

	EnvelopeID string
	EventID    string
	Index      int
	Data       []byte
}

type endEventArgs struct {
	_msgpack struct{} `msgpack:",as_array"`

	EnvelopeID string
	EventID    string
	NbItems    int
}

// codeReply is the positional (code, message) reply of the event verbs.
type codeReply struct {
	_msgpack struct{} `msgpack:",as_array"`

	Code    int
	Message string
}

// ConnectRecipient is the production Dialer.
func ConnectRecipient(ctx context.Context, uri string) (envelope.Recipient, error) {
	_ = ctx
	client, err := xbusrpc.ConnectRecipient(uri)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// BindRPC registers every orchestrator verb on the server. Each handler
// runs under its own span.
func (b *Backend) BindRPC(srv *xbusrpc.Server) {
	srv.Register(xbusrpc.VerbLogin, traced(xbusrpc.VerbLogin, b.handleLogin))
	srv.Register(xbusrpc.VerbLogout, traced(xbusrpc.VerbLogout, b.handleLogout))
	srv.Register(xbusrpc.VerbRegisterNode, traced(xbusrpc.VerbRegisterNode, b.handleRegisterNode))
	srv.Register(xbusrpc.VerbReady, traced(xbusrpc.VerbReady, b.handleReady))
	srv.Register(xbusrpc.VerbStartEnvelope, traced(xbusrpc.VerbStartEnvelope, b.handleStartEnvelope))
	srv.Register(xbusrpc.VerbStartEvent, traced(xbusrpc.VerbStartEvent, b.handleStartEvent))
	srv.Register(xbusrpc.VerbSendItem, traced(xbusrpc.VerbSendItem, b.handleSendItem))
	srv.Register(xbusrpc.VerbEndEvent, traced(xbusrpc.VerbEndEvent, b.handleEndEvent))
	srv.Register(xbusrpc.VerbEndEnvelope, traced(xbusrpc.VerbEndEnvelope, b.handleEndEnvelope))
	srv.Register(xbusrpc.VerbCancelEnvelope, traced(xbusrpc.VerbCancelEnvelope, b.handleCancelEnvelope))
}

// traced wraps a verb handler in a span named after the verb.
func traced(verb string, fn xbusrpc.HandlerFunc) xbusrpc.HandlerFunc {
	return func(ctx context.Context, args xbusrpc.Raw) (any, error) {
		ctx, span := tracer.Start(ctx, "backend."+verb,
			trace.WithAttributes(attribute.String("xbus.verb", verb)))
		defer span.End()

		result, err := fn(ctx, args)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		span.SetStatus(codes.Ok, "")
		return result, nil
	}
}

func (b *Backend) handleLogin(ctx context.Context, args xbusrpc.Raw) (any, error) {
	var a loginArgs
	if err := args.Decode(&a); err != nil {
		return nil, err
	}
	return b.Login(ctx, a.Login, a.Password), nil
}

func (b *Backend) handleLogout(ctx context.Context, args xbusrpc.Raw) (any, error) {
	var a tokenArgs
	if err := args.Decode(&a); err != nil {
		return nil, err
	}
	return b.Logout(ctx, a.Token), nil
}

func (b *Backend) handleRegisterNode(ctx context.Context, args xbusrpc.Raw) (any, error) {
	var a registerNodeArgs
	if err := args.Decode(&a); err != nil {
		return nil, err
	}
	return b.RegisterNode(ctx, a.Token, a.URI), nil
}

func (b *Backend) handleReady(ctx context.Context, args xbusrpc.Raw) (any, error) {
	var a tokenArgs
	if err := args.Decode(&a); err != nil {
		return nil, err
	}
	return b.Ready(ctx, a.Token), nil
}

func (b *Backend) handleStartEnvelope(ctx context.Context, args xbusrpc.Raw) (any, error) {
	var a envelopeIDArgs
	if err := args.Decode(&a); err != nil {
		return nil, err
	}
	return b.StartEnvelope(ctx, a.EnvelopeID), nil
}

func (b *Backend) handleStartEvent(ctx context.Context, args xbusrpc.Raw) (any, error) {
	var a startEventArgs
	if err := args.Decode(&a); err != nil {
		return nil, err
	}
	code, msg := b.StartEvent(ctx, a.EnvelopeID, a.EventID, a.TypeID, a.TypeName, a.Targets)
	return &codeReply{Code: code, Message: msg}, nil
}

func (b *Backend) handleSendItem(ctx context.Context, args xbusrpc.Raw) (any, error) {
	var a sendItemArgs
	if err := args.Decode(&a); err != nil {
		return nil, err
	}
	code, msg := b.SendItem(ctx, a.EnvelopeID, a.EventID, a.Index, a.Data)
	return &codeReply{Code: code, Message: msg}, nil
}

func (b *Backend) handleEndEvent(ctx context.Context, args xbusrpc.Raw) (any, error) {
	var a endEventArgs
	if err := args.Decode(&a); err != nil {
		return nil, err
	}
	code, msg := b.EndEvent(ctx, a.EnvelopeID, a.EventID, a.NbItems)
	return &codeReply{Code: code, Message: msg}, nil
}

func (b *Backend) handleEndEnvelope(ctx context.Context, args xbusrpc.Raw) (any, error) {
	var a envelopeIDArgs
	if err := args.Decode(&a); err != nil {
		return nil, err
	}
	return b.EndEnvelope(ctx, a.EnvelopeID), nil
}

func (b *Backend) handleCancelEnvelope(ctx context.Context, args xbusrpc.Raw) (any, error) {
	var a envelopeIDArgs
	if err := args.Decode(&a); err != nil {
		return nil, err
	}
	return b.CancelEnvelope(ctx, a.EnvelopeID), nil
}

// RegisterOnFront announces this back-end to the front, retrying with
// exponential backoff until the front accepts or ctx expires.
func (b *Backend) RegisterOnFront(ctx context.Context) error {
	attempt := func() error {
		front, err := xbusrpc.ConnectFront(b.cfg.FrontAddr)
		if err != nil {
			b.logger.Warn("front_dial_failed", "addr", b.cfg.FrontAddr, "error", err.Error())
			return err
		}
		defer front.Close()
		ok, err := front.RegisterBackend(ctx, b.cfg.SelfURI)
		if err != nil {
			b.logger.Warn("front_register_failed", "error", err.Error())
			return err
		}
		if !ok {
			return errors.New("front refused registration")
		}
		return nil
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 8), ctx)
	if err := backoff.Retry(attempt, policy); err != nil {
		return err
	}
	b.logger.Info("registered_on_front", "front", b.cfg.FrontAddr, "self", b.cfg.SelfURI)
	return nil
}
