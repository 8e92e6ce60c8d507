package api

import (
	"context"
	"time"

	"github.com/matheus3301/dmsync/internal/auth"
	"github.com/matheus3301/dmsync/internal/bus"
	"github.com/matheus3301/dmsync/internal/outbox"
	"github.com/matheus3301/dmsync/internal/registry"
	"github.com/matheus3301/dmsync/internal/status"
	"github.com/matheus3301/dmsync/internal/transport"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Authenticator exchanges a username and password for a token.
type Authenticator interface {
	Login(ctx context.Context, username, password string) (transport.LoginResponse, error)
	Register(ctx context.Context, username, password string) (transport.LoginResponse, error)
}

// PushState reports the push connection.
type PushState interface {
	Connected() bool
}

// ControlService implements the control service consumed by dmctl and UIs.
type ControlService struct {
	profile   string
	startedAt time.Time
	machine   *status.Machine
	registry  *registry.Registry
	outbox    *outbox.Reconciler
	creds     *auth.Provider
	authn     Authenticator
	push      PushState
	bus       *bus.Bus
}

// Deps groups the collaborators of the control service.
type Deps struct {
	Profile  string
	Machine  *status.Machine
	Registry *registry.Registry
	Outbox   *outbox.Reconciler
	Creds    *auth.Provider
	Authn    Authenticator
	Push     PushState
	Bus      *bus.Bus
}

// NewControlService creates the control service.
func NewControlService(d Deps) *ControlService {
	return &ControlService{
		profile:   d.Profile,
		startedAt: time.Now(),
		machine:   d.Machine,
		registry:  d.Registry,
		outbox:    d.Outbox,
		creds:     d.Creds,
		authn:     d.Authn,
		push:      d.Push,
		bus:       d.Bus,
	}
}

func (s *ControlService) Status(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	state, reason, since := s.machine.Snapshot()
	resp := map[string]any{
		"profile":        s.profile,
		"state":          string(state),
		"state_reason":   reason,
		"state_since":    since.UnixMilli(),
		"uptime_ms":      time.Since(s.startedAt).Milliseconds(),
		"events_dropped": s.bus.Dropped(),
		"active":         listOf(s.registry.Active(), engineMap),
	}
	if cred, ok := s.creds.Current(); ok {
		resp["user_id"] = cred.UserID
		if !cred.ExpiresAt.IsZero() {
			resp["expires_at"] = cred.ExpiresAt.UnixMilli()
		}
	}
	if s.push != nil {
		resp["push_connected"] = s.push.Connected()
	}
	return toStruct(resp)
}

// Login installs a credential: a raw token, or one obtained from the server
// with a username and password ("register": true creates the account first).
func (s *ControlService) Login(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	token := stringArg(req, "token")
	if token == "" {
		username, err := requireArg(req, "username")
		if err != nil {
			return nil, err
		}
		password, err := requireArg(req, "password")
		if err != nil {
			return nil, err
		}
		if s.authn == nil {
			return nil, grpcstatus.Error(codes.Unavailable, "password login not configured")
		}
		var resp transport.LoginResponse
		if req.GetFields()["register"].GetBoolValue() {
			resp, err = s.authn.Register(ctx, username, password)
		} else {
			resp, err = s.authn.Login(ctx, username, password)
		}
		if err != nil {
			return nil, toStatus(err)
		}
		token = resp.Token
	}

	cred, err := s.creds.Set(token)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "install token: %v", err)
	}
	return toStruct(map[string]any{"user_id": cred.UserID})
}

func (s *ControlService) Logout(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	s.creds.Clear()
	return toStruct(map[string]any{})
}

func (s *ControlService) Activate(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.withConversation(req, s.registry.Activate)
}

func (s *ControlService) Deactivate(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.withConversation(req, s.registry.Deactivate)
}

func (s *ControlService) Wake(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.withConversation(req, s.registry.Wake)
}

func (s *ControlService) MarkRead(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.withConversation(req, func(id string) error {
		s.registry.MarkRead(id)
		return nil
	})
}

func (s *ControlService) withConversation(req *structpb.Struct, fn func(string) error) (*structpb.Struct, error) {
	id, err := requireArg(req, "conversation_id")
	if err != nil {
		return nil, err
	}
	if err := fn(id); err != nil {
		return nil, toStatus(err)
	}
	return toStruct(summaryMap(s.registry.Summary(id)))
}

func (s *ControlService) Send(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	conv, err := requireArg(req, "conversation_id")
	if err != nil {
		return nil, err
	}
	tempID, err := s.outbox.Submit(conv, stringArg(req, "body"))
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"client_temp_id": tempID})
}

func (s *ControlService) Retry(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.withSend(req, s.outbox.Retry)
}

func (s *ControlService) Discard(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return s.withSend(req, s.outbox.Discard)
}

func (s *ControlService) withSend(req *structpb.Struct, fn func(string) error) (*structpb.Struct, error) {
	id, err := requireArg(req, "client_temp_id")
	if err != nil {
		return nil, err
	}
	if err := fn(id); err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]any{"client_temp_id": id})
}

func (s *ControlService) Summaries(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return toStruct(map[string]any{"summaries": listOf(s.registry.Summaries(), summaryMap)})
}

func (s *ControlService) Log(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := requireArg(req, "conversation_id")
	if err != nil {
		return nil, err
	}
	return toStruct(map[string]any{
		"conversation_id": id,
		"items":           listOf(s.registry.View(id), itemMap),
	})
}

// Watch streams bus events whose kind starts with the requested prefix
// (all events when empty) until the client goes away.
func (s *ControlService) Watch(req *structpb.Struct, stream grpc.ServerStream) error {
	ch, unsub := s.bus.Subscribe(stringArg(req, "prefix"), 256)
	defer unsub()

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case evt := <-ch:
			msg, err := toStruct(eventMap(evt))
			if err != nil {
				return err
			}
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}
