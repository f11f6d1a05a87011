package hub

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/astromechza/automerge-sync/pkg/auth"
)

type GatewayOptions struct {
	Verifier  auth.Verifier
	Transport TransportOptions
	// CheckOrigin defaults to accepting every origin.
	CheckOrigin func(r *http.Request) bool
	Logger      *slog.Logger
}

// Gateway upgrades HTTP requests for /{docId}?token=... into room connections.
type Gateway struct {
	registry  *Registry
	verifier  auth.Verifier
	transport TransportOptions
	upgrader  websocket.Upgrader
	logger    *slog.Logger
}

func NewGateway(registry *Registry, opts GatewayOptions) *Gateway {
	if opts.Verifier == nil {
		opts.Verifier = auth.AllowAll{}
	}
	if opts.CheckOrigin == nil {
		opts.CheckOrigin = func(r *http.Request) bool { return true }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Gateway{
		registry:  registry,
		verifier:  opts.Verifier,
		transport: opts.Transport,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     opts.CheckOrigin,
		},
		logger: opts.Logger,
	}
}

// DocIDFromPath returns the document id addressed by a request path: everything after the
// leading slash, without any query string.
func DocIDFromPath(path string) string {
	path = strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return path
}

func (gw *Gateway) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	conn, err := gw.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		gw.logger.Error("failed to upgrade", "err", err)
		return
	}
	t := newWSTransport(conn, gw.transport)

	claims, err := gw.verifier.Verify(request.URL.Query().Get("token"))
	if err != nil {
		gw.logger.Warn("ws auth failed", "remote", request.RemoteAddr, "err", err)
		_ = t.Close(CloseUnauthorized, "Unauthorized")
		return
	}

	docID := DocIDFromPath(request.URL.Path)
	if docID == "" {
		_ = t.Close(CloseInvalidDocument, "Invalid document name")
		return
	}

	c, err := gw.registry.Join(request.Context(), docID, t)
	if err != nil {
		gw.logger.Error("failed to set up connection", "doc", docID, "err", err)
		_ = t.Close(CloseServerError, "Server error")
		return
	}
	gw.logger.Debug("authenticated", "doc", docID, "conn", c.ID(), "user", claims.UserID)
	gw.serve(c, t)
}

func (gw *Gateway) serve(c *Connection, t *wsTransport) {
	defer func() {
		gw.registry.Leave(c)
		_ = t.Close(websocket.CloseNormalClosure, "")
	}()
	for {
		frame, err := t.Read()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && !errors.Is(err, websocket.ErrCloseSent) {
				gw.logger.Debug("connection closed", "doc", c.docID, "conn", c.id, "err", err)
			}
			return
		}
		if err := gw.registry.HandleMessage(c, frame); err != nil {
			if errors.Is(err, ErrTransportClosed) {
				return
			}
			gw.logger.Warn("error handling message", "doc", c.docID, "conn", c.id, "err", err)
			_ = t.Close(CloseMalformedMessage, "Message handling error")
			return
		}
	}
}
