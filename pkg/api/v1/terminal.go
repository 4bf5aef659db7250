package v1

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	apierr "github.com/dockhand-labs/dockhand/pkg/api/errors"
	"github.com/dockhand-labs/dockhand/pkg/logger"
	"github.com/dockhand-labs/dockhand/pkg/session"
)

// closeGrace bounds how long the proxy waits to deliver a close frame
// after the other leg has gone away.
const closeGrace = 2 * time.Second

// TerminalRoutes proxies terminal WebSockets between the browser and the
// supervisor. Frames pass through untouched in both directions; the
// supervisor interprets resize and ping control frames.
type TerminalRoutes struct {
	sessions   *session.Manager
	supervisor SupervisorGateway
	upgrader   websocket.Upgrader
}

// NewTerminalRoutes creates the terminal routes. allowedOrigins mirrors the
// CORS allowlist; an empty list admits any origin.
func NewTerminalRoutes(sessions *session.Manager, sup SupervisorGateway, allowedOrigins []string) *TerminalRoutes {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = true
	}
	return &TerminalRoutes{
		sessions:   sessions,
		supervisor: sup,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 || allowed["*"] {
					return true
				}
				return allowed[r.Header.Get("Origin")]
			},
		},
	}
}

// Router mounts the terminal endpoint.
func (t *TerminalRoutes) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/{session}", t.handle)
	return r
}

func (t *TerminalRoutes) handle(w http.ResponseWriter, r *http.Request) {
	user, err := requestUser(r)
	if err != nil {
		apierr.WriteError(w, err)
		return
	}

	sess, err := t.sessions.Live(r.Context(), user, chi.URLParam(r, "session"))
	if err != nil {
		apierr.WriteError(w, err)
		return
	}

	upstream, _, err := t.supervisor.DialTerminal(r.Context(), sess.ID, r.URL.Query().Get("shell"))
	if err != nil {
		apierr.WriteError(w, err)
		return
	}
	defer func() { _ = upstream.Close() }()

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote its own response.
		return
	}
	defer func() { _ = conn.Close() }()

	logger.Debugw("terminal proxy open", "session_id", sess.ID)

	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error { return pump(conn, upstream) })
	g.Go(func() error { return pump(upstream, conn) })
	g.Go(func() error {
		// Unblock both reads once either leg ends or the request dies.
		<-ctx.Done()
		now := time.Now()
		_ = conn.SetReadDeadline(now)
		_ = upstream.SetReadDeadline(now)
		return nil
	})

	if err := g.Wait(); err != nil && !isExpectedClosure(err) {
		logger.Warnw("terminal proxy ended abnormally", "session_id", sess.ID, "error", err)
	}
}

// pump copies frames from src to dst until src ends, then forwards the
// closure to dst.
func pump(src, dst *websocket.Conn) error {
	for {
		messageType, data, err := src.ReadMessage()
		if err != nil {
			forwardClose(dst, err)
			return err
		}
		if err := dst.WriteMessage(messageType, data); err != nil {
			return err
		}
	}
}

// forwardClose relays src's close code to dst, defaulting to 1011 when the
// closure was not a proper close handshake.
func forwardClose(dst *websocket.Conn, err error) {
	code := websocket.CloseInternalServerErr
	if closeErr, ok := err.(*websocket.CloseError); ok {
		code = closeErr.Code
	}
	message := websocket.FormatCloseMessage(code, "")
	_ = dst.WriteControl(websocket.CloseMessage, message, time.Now().Add(closeGrace))
}

func isExpectedClosure(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
