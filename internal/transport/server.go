package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dreamware/consortium/internal/cluster"
)

// session is one accepted websocket connection.
type session struct {
	conn    *websocket.Conn
	id      string
	writeMu sync.Mutex
}

func (s *session) write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Server is the coordinator end of the link. Every accepted connection gets
// a fresh session ID; a participant reconnecting shows up as a new session.
type Server struct {
	handler  Handler
	auth     Authorizer
	logger   *zap.Logger
	sessions map[string]*session
	listener net.Listener
	httpSrv  *http.Server
	addr     string
	path     string
	upgrader websocket.Upgrader
	wg       sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the server's logger.
func WithServerLogger(l *zap.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithAuthorizer makes the server check every connection attempt.
func WithAuthorizer(a Authorizer) ServerOption {
	return func(s *Server) { s.auth = a }
}

// NewServer creates a server listening on addr and accepting websocket
// connections on path ("/" when empty).
func NewServer(addr, path string, handler Handler, opts ...ServerOption) *Server {
	if path == "" {
		path = "/"
	}
	s := &Server{
		handler:  handler,
		addr:     addr,
		path:     path,
		sessions: make(map[string]*session),
		logger:   zap.NewNop(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins listening. The listener is bound when Start returns, so a
// ":0" address can be read back with Addr.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle(s.path, s)

	s.mu.Lock()
	s.listener = ln
	s.httpSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	srv := s.httpSrv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("transport server stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	s.logger.Info("transport listening", zap.String("addr", ln.Addr().String()), zap.String("path", s.path))
	return nil
}

// Addr returns the bound listen address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ServeHTTP upgrades a connection and serves it until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.auth != nil {
		if err := s.auth.Authorize(r); err != nil {
			s.logger.Warn("rejecting connection", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade", zap.Error(err))
		return
	}

	sess := &session{id: uuid.NewString(), conn: conn}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.sessions[sess.id] = sess
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	log := s.logger.With(zap.String("session_id", sess.id))
	log.Debug("session opened", zap.String("remote_addr", r.RemoteAddr))

	hello, err := cluster.Encode(cluster.MsgHello, cluster.Hello{Status: cluster.StatusConnected})
	if err == nil {
		err = sess.write(hello)
	}
	if err != nil {
		s.drop(sess, err.Error())
		return
	}

	s.readLoop(sess, r.URL.Query().Get("id"), log)
}

func (s *Server) readLoop(sess *session, queryID string, log *zap.Logger) {
	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			s.drop(sess, err.Error())
			return
		}

		env, err := cluster.Decode(data)
		if err != nil {
			log.Warn("dropping malformed message", zap.Error(err))
			continue
		}

		switch env.Type {
		case cluster.MsgRegister:
			var reg cluster.Register
			if err := env.Payload(&reg); err != nil || reg.ID == "" {
				reg.ID = queryID
			}
			s.handler.HandleRegister(sess.id, reg.ID)
		case cluster.MsgRun:
			var msg cluster.RunMessage
			if err := env.Payload(&msg); err != nil {
				log.Warn("dropping run message", zap.Error(err))
				continue
			}
			if err := msg.Validate(); err != nil {
				log.Warn("dropping run message", zap.Error(err))
				continue
			}
			log.Debug("run message received", zap.String("run_id", msg.RunID), zap.String("client_id", msg.ID))
			s.handler.HandleRun(sess.id, msg)
		default:
			log.Debug("ignoring message", zap.String("type", string(env.Type)))
		}
	}
}

// drop forgets a session and reports the disconnect once.
func (s *Server) drop(sess *session, reason string) {
	s.mu.Lock()
	_, ok := s.sessions[sess.id]
	delete(s.sessions, sess.id)
	s.mu.Unlock()

	sess.conn.Close()
	if ok {
		s.logger.Debug("session closed", zap.String("session_id", sess.id), zap.String("reason", reason))
		s.handler.HandleDisconnect(sess.id, reason)
	}
}

// Send writes msg to every listed session. Failures for individual sessions
// do not stop delivery to the others and are returned joined.
func (s *Server) Send(msg cluster.RunMessage, sessions ...string) error {
	data, err := cluster.Encode(cluster.MsgRun, msg)
	if err != nil {
		return err
	}

	var errs []error
	for _, id := range sessions {
		s.mu.RLock()
		sess, ok := s.sessions[id]
		closed := s.closed
		s.mu.RUnlock()

		switch {
		case closed:
			return ErrClosed
		case !ok:
			errs = append(errs, fmt.Errorf("%w: %s", ErrUnknownSession, id))
		default:
			if err := sess.write(data); err != nil {
				errs = append(errs, fmt.Errorf("session %s: %w", id, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Sessions returns the IDs of the open sessions.
func (s *Server) Sessions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Close stops listening and closes every session.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	srv := s.httpSrv
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Close()
	}
	for _, sess := range sessions {
		sess.conn.Close()
	}
	s.wg.Wait()
	return err
}
