package devserver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matheus3301/dmsync/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const maxBodyLen = 4096

// Server serves the message API under /api.
type Server struct {
	db       *DB
	issuer   *Issuer
	hub      *Hub
	logger   *zap.Logger
	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

type ctxKey struct{}

// New creates a server on an already migrated database.
func New(db *DB, issuer *Issuer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		db:       db,
		issuer:   issuer,
		hub:      newHub(logger),
		logger:   logger,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("POST /api/register", s.handleRegister)
	s.mux.HandleFunc("POST /api/login", s.handleLogin)
	s.mux.Handle("GET /api/conversations/{id}/messages", s.authed(s.handleFetch))
	s.mux.Handle("POST /api/conversations/{id}/messages", s.authed(s.handleSend))
	s.mux.Handle("GET /api/ws", s.authed(s.handleWS))
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.mux }

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub { return s.hub }

// Run serves on ln until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("dev server listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.hub.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req transport.LoginRequest
	if !decode(w, r, &req) {
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || len(req.Password) < 6 {
		writeError(w, http.StatusBadRequest, "username required and password must be at least 6 characters")
		return
	}
	u, err := s.db.CreateUser(req.Username, req.Password)
	if errors.Is(err, ErrUsernameTaken) {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.internal(w, "create user", err)
		return
	}
	s.logger.Info("user registered", zap.String("user_id", u.ID), zap.String("username", u.Username))
	s.issue(w, u, http.StatusCreated)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req transport.LoginRequest
	if !decode(w, r, &req) {
		return
	}
	u, err := s.db.Authenticate(req.Username, req.Password)
	if errors.Is(err, ErrBadCredentials) {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if err != nil {
		s.internal(w, "authenticate", err)
		return
	}
	s.issue(w, u, http.StatusOK)
}

func (s *Server) issue(w http.ResponseWriter, u *User, status int) {
	token, err := s.issuer.Issue(u)
	if err != nil {
		s.internal(w, "issue token", err)
		return
	}
	writeJSON(w, status, transport.LoginResponse{Token: token, UserID: u.ID})
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	afterTS, err1 := queryInt(q.Get("after_ts"))
	afterID, err2 := queryInt(q.Get("after_id"))
	limit, err3 := queryInt(q.Get("limit"))
	if err := errors.Join(err1, err2, err3); err != nil {
		writeError(w, http.StatusBadRequest, "after_ts, after_id and limit must be integers")
		return
	}

	conv := r.PathValue("id")
	s.hub.Follow(conv, r.Context().Value(ctxKey{}).(string))

	rows, err := s.db.MessagesSince(conv, afterTS, afterID, int(limit))
	if err != nil {
		s.internal(w, "fetch messages", err)
		return
	}
	page := transport.MessagePage{Messages: make([]transport.WireMessage, 0, len(rows))}
	for _, m := range rows {
		page.Messages = append(page.Messages, wire(m))
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value(ctxKey{}).(string)
	var req transport.SendRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Body) == "" {
		writeError(w, http.StatusBadRequest, "message body is empty")
		return
	}
	if len(req.Body) > maxBodyLen {
		writeError(w, http.StatusRequestEntityTooLarge, "message body too long")
		return
	}

	conv := r.PathValue("id")
	m, created, err := s.db.InsertMessage(conv, userID, req.Body, req.ClientTempID)
	if err != nil {
		s.internal(w, "insert message", err)
		return
	}
	if created {
		senders, err := s.db.Senders(conv)
		if err != nil {
			s.logger.Warn("list conversation senders", zap.String("conversation_id", conv), zap.Error(err))
		}
		s.hub.Notify(Nudge{Type: "message", ConversationID: conv}, append(senders, userID)...)
	}
	writeJSON(w, http.StatusCreated, transport.SendAck{ID: m.ID, Timestamp: m.Timestamp})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.Context().Value(ctxKey{}).(string)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	go s.hub.serve(s.hub.add(conn, userID))
}

// authed verifies the bearer token and puts the user id in the request context.
func (s *Server) authed(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := s.issuer.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, claims.UserID)))
	})
}

func (s *Server) internal(w http.ResponseWriter, op string, err error) {
	s.logger.Error(op, zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func wire(m Message) transport.WireMessage {
	return transport.WireMessage{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Body:           m.Body,
		Timestamp:      m.Timestamp,
		ClientTempID:   m.ClientTempID,
	}
}

func queryInt(v string) (int64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
