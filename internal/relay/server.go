package relay

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/voxrelay/internal/history"
	"github.com/MrWong99/voxrelay/internal/observe"
	"github.com/MrWong99/voxrelay/pkg/relay"
)

const (
	// defaultUserText replaces an empty userText.
	defaultUserText = "Hello"

	// readLimit admits base64 audio frames of a few seconds.
	readLimit = 4 << 20

	writeTimeout = 5 * time.Second
)

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithHistory persists every exchange in store and sends up to contextTurns
// earlier exchanges of the same session to the model.
func WithHistory(store history.Store, contextTurns int) ServerOption {
	return func(s *Server) {
		s.store = store
		s.contextTurns = contextTurns
	}
}

// WithConfigured reports whether the upstream API key is set. When it
// returns false every new connection is told so and closed. The default
// always returns true.
func WithConfigured(fn func() bool) ServerOption {
	return func(s *Server) { s.configured = fn }
}

// WithServerMetrics records session and request counts on m.
func WithServerMetrics(m *observe.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithAcceptOptions passes options to websocket.Accept, for example allowed
// origins.
func WithAcceptOptions(opts *websocket.AcceptOptions) ServerOption {
	return func(s *Server) { s.acceptOpts = opts }
}

// Server is an http.Handler upgrading every request to a relay session.
// Requests within a session are answered one at a time, in order.
type Server struct {
	responder    *Responder
	store        history.Store
	contextTurns int
	configured   func() bool
	metrics      *observe.Metrics
	acceptOpts   *websocket.AcceptOptions

	wg sync.WaitGroup
}

// NewServer returns a Server answering with responder.
func NewServer(responder *Responder, opts ...ServerOption) *Server {
	s := &Server{
		responder:  responder,
		configured: func() bool { return true },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Wait blocks until every session handler has returned. Sessions end when
// their request context is cancelled, so callers cancel the server's base
// context first.
func (s *Server) Wait() { s.wg.Wait() }

// ServeHTTP upgrades the request and runs the session until the client
// disconnects or the request context ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, s.acceptOpts)
	if err != nil {
		slog.Debug("relay: upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	conn.SetReadLimit(readLimit)

	sess := &session{
		id:     uuid.NewString(),
		conn:   conn,
		server: s,
	}
	ctx := observe.WithSession(r.Context(), sess.id)
	log := observe.Logger(ctx)

	if s.metrics != nil {
		s.metrics.ActiveSessions.Add(ctx, 1)
		defer s.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
	}

	if !s.configured() {
		log.Warn("relay: rejecting session, API key not configured")
		_ = sess.write(ctx, relay.EncodeError(relay.MsgAPIKeyMissing))
		conn.Close(websocket.StatusPolicyViolation, relay.MsgAPIKeyMissing)
		return
	}

	// Reads never see ctx; cancelling it closes the session cleanly instead.
	closed := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		defer close(closed)
		conn.Close(websocket.StatusGoingAway, "server shutting down")
	})

	log.Info("relay: client connected", "remote", r.RemoteAddr)
	err = sess.run(ctx)
	if !stop() {
		<-closed
		log.Info("relay: session closed by server")
		return
	}
	conn.CloseNow()
	log.Info("relay: client disconnected", "reason", err, "audio_frames", sess.audioFrames)
}

type session struct {
	id     string
	conn   *websocket.Conn
	server *Server

	// audioFrames received since the last reply.
	audioFrames int
}

// run reads frames until the connection fails. It returns nil when ctx
// ended.
func (sess *session) run(ctx context.Context) error {
	log := observe.Logger(ctx)
	readCtx := context.WithoutCancel(ctx)
	for {
		_, data, err := sess.conn.Read(readCtx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		msg, err := relay.Decode(data)
		if err != nil {
			log.Warn("relay: bad frame", "err", err)
			if werr := sess.write(ctx, relay.EncodeError(relay.MsgProcessingFailed)); werr != nil {
				return werr
			}
			continue
		}

		switch msg.Type {
		case relay.TypeAudioAppend:
			sess.audioFrames++
			if m := sess.server.metrics; m != nil {
				m.AudioFrames.Add(ctx, 1)
			}
			log.Debug("relay: audio frame", "count", sess.audioFrames)
		case relay.TypeResponseCreate:
			if err := sess.respond(ctx, msg.UserText); err != nil {
				return err
			}
		default:
			log.Debug("relay: ignoring message", "type", msg.Type)
		}
	}
}

// respond answers one response.create. Only a failed write is returned.
func (sess *session) respond(ctx context.Context, userText string) error {
	s := sess.server
	if userText == "" {
		userText = defaultUserText
	}

	ctx, span := observe.StartSpan(ctx, "relay.request")
	defer span.End()
	log := observe.Logger(ctx)

	var prior []history.Entry
	if s.store != nil && s.contextTurns > 0 {
		var err error
		prior, err = s.store.Recent(ctx, sess.id, s.contextTurns)
		if err != nil {
			log.Warn("relay: loading history failed, answering without context", "err", err)
			prior = nil
		}
	}

	reply := s.responder.Respond(ctx, userText, prior)
	sess.audioFrames = 0

	status := observe.StatusOK
	if reply.Fallback {
		status = observe.StatusFallback
	}
	if s.metrics != nil {
		s.metrics.RecordRelayRequest(ctx, status)
	}
	span.SetAttributes(attribute.String("relay.status", status))

	if err := sess.write(ctx, relay.EncodeResponseText(reply.Text)); err != nil {
		return err
	}
	log.Debug("relay: reply sent", "status", status)

	if s.store != nil {
		err := s.store.Append(ctx, history.Entry{
			SessionID: sess.id,
			User:      userText,
			Reply:     reply.Text,
			Fallback:  reply.Fallback,
			At:        time.Now(),
		})
		if err != nil {
			log.Warn("relay: storing exchange failed", "err", err)
		}
	}
	return nil
}

func (sess *session) write(ctx context.Context, frame []byte) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return sess.conn.Write(ctx, websocket.MessageText, frame)
}
