package hub

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-sync/pkg/auth"
	"github.com/astromechza/automerge-sync/pkg/protocol"
)

func newTestGateway(t *testing.T) (*httptest.Server, *auth.JWT, *Registry) {
	t.Helper()
	j, err := auth.NewJWT("test-secret", time.Hour)
	require.NoError(t, err)
	g, _ := newTestRegistry(t)
	srv := httptest.NewServer(NewGateway(g, GatewayOptions{Verifier: j}))
	t.Cleanup(srv.Close)
	return srv, j, g
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func closeCodeOf(t *testing.T, conn *websocket.Conn) int {
	t.Helper()
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.True(t, errors.As(err, &ce), "expected close error, got %v", err)
		return ce.Code
	}
}

func TestDocIDFromPath(t *testing.T) {
	assert.Equal(t, "doc1", DocIDFromPath("/doc1"))
	assert.Equal(t, "doc1", DocIDFromPath("/doc1?token=abc"))
	assert.Equal(t, "team/notes", DocIDFromPath("/team/notes"))
	assert.Equal(t, "", DocIDFromPath("/"))
	assert.Equal(t, "", DocIDFromPath("/?token=abc"))
}

func TestGateway_RejectsMissingOrBadToken(t *testing.T) {
	srv, _, g := newTestGateway(t)
	for _, path := range []string{"/doc", "/doc?token=", "/doc?token=nonsense"} {
		conn := dial(t, srv, path)
		assert.Equal(t, CloseUnauthorized, closeCodeOf(t, conn), path)
	}
	assert.Equal(t, 0, g.Len())
}

func TestGateway_RejectsEmptyDocument(t *testing.T) {
	srv, j, g := newTestGateway(t)
	token, err := j.Issue("user-1", "")
	require.NoError(t, err)
	conn := dial(t, srv, "/?token="+token)
	assert.Equal(t, CloseInvalidDocument, closeCodeOf(t, conn))
	assert.Equal(t, 0, g.Len())
}

func TestGateway_JoinsRoomAndSyncs(t *testing.T) {
	srv, j, g := newTestGateway(t)
	token, err := j.Issue("user-1", "")
	require.NoError(t, err)
	conn := dial(t, srv, "/doc1?token="+token)

	mt, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	kind, payload, err := protocol.ReadMessageType(frame)
	require.NoError(t, err)
	assert.Equal(t, protocol.MessageSync, kind)
	st, _, err := protocol.DecodeSync(payload)
	require.NoError(t, err)
	assert.Equal(t, protocol.SyncStep1, st)
	assert.Equal(t, []string{"doc1"}, g.ActiveDocuments())

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, protocol.EncodeSyncStep1(nil)))
	_, frame, err = conn.ReadMessage()
	require.NoError(t, err)
	_, payload, err = protocol.ReadMessageType(frame)
	require.NoError(t, err)
	st, body, err := protocol.DecodeSync(payload)
	require.NoError(t, err)
	assert.Equal(t, protocol.SyncStep2, st)
	assert.NotEmpty(t, body, "the seeded document is sent back")

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return g.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestGateway_ClosesOnMalformedMessage(t *testing.T) {
	srv, j, g := newTestGateway(t)
	token, err := j.Issue("user-1", "")
	require.NoError(t, err)
	conn := dial(t, srv, "/doc?token="+token)
	_, _, err = conn.ReadMessage()
	require.NoError(t, err)

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{42}))
	assert.Equal(t, CloseMalformedMessage, closeCodeOf(t, conn))
	assert.Eventually(t, func() bool { return g.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}
