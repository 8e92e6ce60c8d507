package api

import (
	"errors"

	"github.com/matheus3301/dmsync/internal/bus"
	"github.com/matheus3301/dmsync/internal/outbox"
	"github.com/matheus3301/dmsync/internal/registry"
	"github.com/matheus3301/dmsync/internal/status"
	"github.com/matheus3301/dmsync/internal/store"
	intsync "github.com/matheus3301/dmsync/internal/sync"
	"github.com/matheus3301/dmsync/internal/transport"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

func messageMap(m store.Message) map[string]any {
	out := map[string]any{
		"id":              m.ID,
		"conversation_id": m.ConversationID,
		"sender_id":       m.SenderID,
		"body":            m.Body,
		"timestamp":       m.Timestamp,
	}
	if m.ClientTempID != "" {
		out["client_temp_id"] = m.ClientTempID
	}
	return out
}

func sendMap(ps outbox.PendingSend) map[string]any {
	out := map[string]any{
		"client_temp_id":  ps.ClientTempID,
		"conversation_id": ps.ConversationID,
		"body":            ps.Body,
		"submitted_at":    ps.SubmittedAt.UnixMilli(),
		"state":           string(ps.State),
		"attempts":        ps.Attempts,
	}
	if ps.AckID != 0 {
		out["ack_id"] = ps.AckID
	}
	if ps.FailReason != "" {
		out["fail_reason"] = string(ps.FailReason)
	}
	if ps.LastError != "" {
		out["last_error"] = ps.LastError
	}
	return out
}

func summaryMap(s registry.Summary) map[string]any {
	out := map[string]any{
		"conversation_id":      s.ConversationID,
		"has_unconfirmed_send": s.HasUnconfirmedSend,
		"unread_count":         s.UnreadCount,
		"active":               s.Active,
	}
	if s.Latest != nil {
		out["latest"] = messageMap(*s.Latest)
	}
	return out
}

func itemMap(it registry.Item) map[string]any {
	out := messageMap(it.Message)
	out["kind"] = string(it.Kind)
	if it.Send != nil {
		out["send"] = sendMap(*it.Send)
	}
	return out
}

func engineMap(st intsync.Status) map[string]any {
	out := map[string]any{
		"conversation_id": st.ConversationID,
		"phase":           string(st.Phase),
		"cursor_ts":       st.Cursor.Timestamp,
		"cursor_id":       st.Cursor.ID,
		"failures":        st.Failures,
		"retrying":        st.Retrying(),
	}
	if st.LastError != "" {
		out["last_error"] = st.LastError
	}
	if !st.LastSyncAt.IsZero() {
		out["last_sync_at"] = st.LastSyncAt.UnixMilli()
	}
	return out
}

// eventMap flattens a bus event for the Watch stream.
func eventMap(evt bus.Event) map[string]any {
	out := map[string]any{
		"kind":      evt.Kind,
		"timestamp": evt.Timestamp.UnixMilli(),
	}
	switch p := evt.Payload.(type) {
	case string:
		out["conversation_id"] = p
	case bool:
		out["available"] = p
	case status.StatusChange:
		out["from"] = string(p.From)
		out["to"] = string(p.To)
		if p.Reason != "" {
			out["reason"] = p.Reason
		}
	case intsync.FetchFailure:
		out["conversation_id"] = p.ConversationID
		out["error"] = p.Error
		out["failures"] = p.Failures
		out["retry_in_ms"] = p.RetryIn.Milliseconds()
	case outbox.Change:
		out["change"] = string(p.Kind)
		out["send"] = sendMap(p.Send)
		if p.MessageID != 0 {
			out["message_id"] = p.MessageID
		}
	case registry.Summary:
		out["summary"] = summaryMap(p)
	}
	return out
}

func listOf[T any](items []T, fn func(T) map[string]any) []any {
	out := make([]any, 0, len(items))
	for _, it := range items {
		out = append(out, fn(it))
	}
	return out
}

func toStruct(m map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	return s, nil
}

func stringArg(req *structpb.Struct, key string) string {
	if v, ok := req.GetFields()[key]; ok {
		return v.GetStringValue()
	}
	return ""
}

func requireArg(req *structpb.Struct, key string) (string, error) {
	v := stringArg(req, key)
	if v == "" {
		return "", grpcstatus.Errorf(codes.InvalidArgument, "%s is required", key)
	}
	return v, nil
}

// toStatus maps domain errors onto gRPC codes.
func toStatus(err error) error {
	var se *transport.ServerError
	var ne *transport.NetworkError
	switch {
	case err == nil:
		return nil
	case errors.Is(err, registry.ErrNotActive), errors.Is(err, outbox.ErrUnknownSend):
		return grpcstatus.Error(codes.NotFound, err.Error())
	case errors.Is(err, outbox.ErrNotFailed), errors.Is(err, registry.ErrClosed):
		return grpcstatus.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, outbox.ErrEmptyBody):
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	case errors.As(err, &se) && se.Code == 401:
		return grpcstatus.Error(codes.Unauthenticated, err.Error())
	case errors.As(err, &se) && se.Code == 409:
		return grpcstatus.Error(codes.AlreadyExists, err.Error())
	case errors.As(err, &se), errors.As(err, &ne):
		return grpcstatus.Error(codes.Unavailable, err.Error())
	}
	return grpcstatus.Error(codes.Internal, err.Error())
}
