// Package stream serves live events over WebSocket. Each connection attaches
// one bus subscription and receives events as JSON text frames until it
// disconnects.
package stream

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/HendryAvila/chatsync/internal/dispatch"
	"github.com/HendryAvila/chatsync/internal/events"
)

const (
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10
)

// Dispatcher executes commands.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd dispatch.Command) (any, error)
}

// Handler is the HTTP surface of the stream.
type Handler struct {
	d        Dispatcher
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

// NewHandler creates a Handler.
func NewHandler(d Dispatcher) *Handler {
	return &Handler{
		d: d,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		log: log.With().Str("component", "stream").Logger(),
	}
}

// Routes returns the handler's mux: GET /events?resource=messages|conversations
// and GET /healthz.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /events", h.ServeEvents)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}

// ServeEvents upgrades the request and streams one resource's events.
func (h *Handler) ServeEvents(w http.ResponseWriter, req *http.Request) {
	resource := strings.TrimSpace(req.URL.Query().Get("resource"))
	if resource == "" {
		resource = string(events.ResourceMessages)
	}
	out, err := h.d.Dispatch(req.Context(), dispatch.Subscribe{Resource: resource})
	if err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, dispatch.ErrInvalid) {
			status = http.StatusBadRequest
		}
		http.Error(w, err.Error(), status)
		return
	}
	sub := out.(dispatch.SubscribeReply).Subscription

	conn, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		sub.Close()
		return
	}
	logger := h.log.With().Str("subscription", sub.ID).Str("resource", resource).Logger()
	logger.Debug().Str("remote", req.RemoteAddr).Msg("stream attached")

	h.pump(conn, sub, logger)
	logger.Debug().Uint64("dropped", sub.Dropped()).Msg("stream detached")
}

// pump writes events until the client goes away or the bus closes.
func (h *Handler) pump(conn *websocket.Conn, sub *events.Subscription, logger zerolog.Logger) {
	defer func() { _ = conn.Close() }()
	defer sub.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case ev, ok := <-sub.Events():
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				logger.Warn().Err(err).Msg("stream write failed, dropping connection")
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Serve runs an HTTP server on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "stream: listen %s", addr)
	}
	return ServeListener(ctx, ln, h)
}

// ServeListener is Serve on an existing listener. Hijacked WebSocket
// connections outlive it and end when the bus closes.
func ServeListener(ctx context.Context, ln net.Listener, h http.Handler) error {
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	log.Info().Str("component", "stream").Str("addr", ln.Addr().String()).Msg("event stream listening")

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()

	var err error
	select {
	case err = <-errc:
	case <-ctx.Done():
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
		err = <-errc
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "stream: serve")
	}
	return nil
}
