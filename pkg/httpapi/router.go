// Package httpapi wires the websocket gateway and the HTTP endpoints into one router.
package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"

	"github.com/astromechza/automerge-sync/pkg/hub"
	"github.com/astromechza/automerge-sync/pkg/replica"
	"github.com/astromechza/automerge-sync/pkg/viz"
)

var errNotAutomerge = errors.New("document is not an automerge replica")

type Options struct {
	Registry *hub.Registry
	Gateway  http.Handler
	// PublicURL is advertised by /api/v1/ws-info; it defaults to the request host.
	PublicURL string
	// Debug mounts the /debug routes.
	Debug  bool
	Logger *slog.Logger
}

type server struct {
	registry  *hub.Registry
	publicURL string
	logger    *slog.Logger
}

func NewRouter(opts Options) *mux.Router {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &server{registry: opts.Registry, publicURL: opts.PublicURL, logger: opts.Logger}

	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			opts.Logger.Info("handled", "method", request.Method, "url", request.URL.Path, "duration", m.Duration, "status", m.Code)
		})
	})

	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(s.healthz)
	r.Methods(http.MethodGet).Path("/api/v1/ws-info").HandlerFunc(s.wsInfo)
	if opts.Debug {
		r.Methods(http.MethodGet).Path("/debug/rooms").HandlerFunc(s.listRooms)
		r.Methods(http.MethodGet).Path("/debug/rooms/{docId:.+}/latest").HandlerFunc(s.latest)
		r.Methods(http.MethodGet).Path("/debug/rooms/{docId:.+}/graph.svg").HandlerFunc(s.graph)
	}
	r.Methods(http.MethodGet).PathPrefix("/").Handler(opts.Gateway)
	return r
}

// OriginChecker accepts requests without an Origin header and those whose origin is listed.
// An empty list accepts everything.
func OriginChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimSuffix(o, "/")] = struct{}{}
	}
	return func(request *http.Request) bool {
		origin := request.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.TrimSuffix(origin, "/")]
		return ok
	}
}

func writeJSON(writer http.ResponseWriter, status int, body any) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(body)
}

func (s *server) healthz(writer http.ResponseWriter, _ *http.Request) {
	docs := s.registry.ActiveDocuments()
	writeJSON(writer, http.StatusOK, map[string]any{"status": "ok", "rooms": len(docs), "documents": docs})
}

type wsInfo struct {
	Message      string `json:"message"`
	WebsocketURL string `json:"websocketUrl"`
	Usage        string `json:"usage"`
	Example      string `json:"example"`
}

func (s *server) wsInfo(writer http.ResponseWriter, request *http.Request) {
	base := s.publicURL
	if base == "" {
		base = "http://" + request.Host
	}
	u, err := url.Parse(base)
	if err != nil {
		writeJSON(writer, http.StatusInternalServerError, map[string]string{"error": "invalid public url"})
		return
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	ws := strings.TrimSuffix(u.String(), "/")
	writeJSON(writer, http.StatusOK, wsInfo{
		Message:      "WebSocket server is running",
		WebsocketURL: ws,
		Usage:        "Connect to " + ws + "/document-id?token=JWT_TOKEN",
		Example:      ws + "/test-doc?token=your-jwt-token",
	})
}

type roomList struct {
	Count     int             `json:"count"`
	Documents []string        `json:"documents"`
	Rooms     []hub.RoomStats `json:"rooms"`
}

func (s *server) listRooms(writer http.ResponseWriter, _ *http.Request) {
	stats := s.registry.Stats()
	out := roomList{Documents: make([]string, 0, len(stats)), Rooms: stats}
	if out.Rooms == nil {
		out.Rooms = []hub.RoomStats{}
	}
	for _, st := range stats {
		out.Documents = append(out.Documents, st.DocID)
	}
	out.Count = len(out.Documents)
	writeJSON(writer, http.StatusOK, out)
}

func (s *server) latest(writer http.ResponseWriter, request *http.Request) {
	docID := mux.Vars(request)["docId"]
	var state []byte
	err := s.registry.WithReplica(docID, func(r replica.Replica) error {
		state = r.EncodeFullState()
		return nil
	})
	if s.writeLookupError(writer, docID, err) {
		return
	}
	writer.Header().Set("Content-Type", "application/octet-stream")
	if _, err := writer.Write(state); err != nil {
		s.logger.Error("failed to write out", "err", err)
	}
}

func (s *server) graph(writer http.ResponseWriter, request *http.Request) {
	docID := mux.Vars(request)["docId"]
	var doc *replica.Automerge
	err := s.registry.WithReplica(docID, func(r replica.Replica) error {
		a, ok := r.(*replica.Automerge)
		if !ok {
			return errNotAutomerge
		}
		doc = a
		return nil
	})
	if s.writeLookupError(writer, docID, err) {
		return
	}
	// render from a fork so the room is not held while graphviz runs
	fork, err := doc.Fork()
	if err != nil {
		s.writeLookupError(writer, docID, err)
		return
	}
	var buff bytes.Buffer
	if err := viz.RenderSVG(fork, &buff); err != nil {
		s.writeLookupError(writer, docID, err)
		return
	}
	writer.Header().Set("Content-Type", "image/svg+xml")
	if _, err := writer.Write(buff.Bytes()); err != nil {
		s.logger.Error("failed to write out", "err", err)
	}
}

// writeLookupError reports err to the client and returns whether there was one.
func (s *server) writeLookupError(writer http.ResponseWriter, docID string, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, hub.ErrRoomNotFound):
		writeJSON(writer, http.StatusNotFound, map[string]string{"error": "no active room for " + docID})
	default:
		s.logger.Error("failed to read document", "doc", docID, "err", err)
		writeJSON(writer, http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return true
}
