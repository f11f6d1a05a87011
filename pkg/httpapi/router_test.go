package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-sync/pkg/auth"
	"github.com/astromechza/automerge-sync/pkg/client"
	"github.com/astromechza/automerge-sync/pkg/docstore"
	"github.com/astromechza/automerge-sync/pkg/hub"
	"github.com/astromechza/automerge-sync/pkg/persistence"
	"github.com/astromechza/automerge-sync/pkg/replica"
)

type fixture struct {
	srv      *httptest.Server
	registry *hub.Registry
	jwt      *auth.JWT
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	j, err := auth.NewJWT("router-test", time.Hour)
	require.NoError(t, err)
	g := hub.NewRegistry(hub.Options{Store: docstore.New(docstore.Options{Adapter: persistence.NewMemory()})})
	opts.Registry = g
	opts.Gateway = hub.NewGateway(g, hub.GatewayOptions{Verifier: j})
	srv := httptest.NewServer(NewRouter(opts))
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, registry: g, jwt: j}
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func (f *fixture) connect(t *testing.T, docID string) *client.Client {
	t.Helper()
	token, err := f.jwt.Issue("user", "")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := client.Dial(ctx, "ws"+strings.TrimPrefix(f.srv.URL, "http"), docID, client.Options{Token: token})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.WaitSynced(ctx))
	return c
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, Options{})
	resp, body := f.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok","rooms":0,"documents":[]}`, string(body))

	f.connect(t, "beta")
	f.connect(t, "alpha")
	_, body = f.get(t, "/healthz")
	assert.JSONEq(t, `{"status":"ok","rooms":2,"documents":["alpha","beta"]}`, string(body))
}

func TestWSInfo(t *testing.T) {
	f := newFixture(t, Options{PublicURL: "https://sync.example.com/"})
	resp, body := f.get(t, "/api/v1/ws-info")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var info wsInfo
	require.NoError(t, json.Unmarshal(body, &info))
	assert.Equal(t, "wss://sync.example.com", info.WebsocketURL)
	assert.Equal(t, "wss://sync.example.com/test-doc?token=your-jwt-token", info.Example)

	f = newFixture(t, Options{})
	_, body = f.get(t, "/api/v1/ws-info")
	require.NoError(t, json.Unmarshal(body, &info))
	assert.Equal(t, "ws://"+strings.TrimPrefix(f.srv.URL, "http://"), info.WebsocketURL)
}

func TestDebugRoutesAreOptIn(t *testing.T) {
	f := newFixture(t, Options{})
	resp, _ := f.get(t, "/debug/rooms")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "falls through to the websocket gateway")
}

func TestDebugRooms(t *testing.T) {
	f := newFixture(t, Options{Debug: true})

	_, body := f.get(t, "/debug/rooms")
	assert.JSONEq(t, `{"count":0,"documents":[],"rooms":[]}`, string(body))

	a := f.connect(t, "alpha")
	f.connect(t, "beta")
	require.NoError(t, a.AppendText("hi"))

	var list roomList
	_, body = f.get(t, "/debug/rooms")
	require.NoError(t, json.Unmarshal(body, &list))
	assert.Equal(t, 2, list.Count)
	assert.Equal(t, []string{"alpha", "beta"}, list.Documents)
	assert.Equal(t, 1, list.Rooms[0].Connections)

	assert.Eventually(t, func() bool {
		resp, body := f.get(t, "/debug/rooms/alpha/latest")
		if resp.StatusCode != http.StatusOK {
			return false
		}
		r, err := replica.LoadAutomerge(body)
		if err != nil {
			return false
		}
		text, err := r.Text()
		return err == nil && text == "hi"
	}, 5*time.Second, 10*time.Millisecond)

	resp, body := f.get(t, "/debug/rooms/alpha/graph.svg")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/svg+xml", resp.Header.Get("Content-Type"))
	assert.Contains(t, string(body), "<svg")

	resp, _ = f.get(t, "/debug/rooms/gamma/latest")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestOriginChecker(t *testing.T) {
	request := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/doc", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}
	allowAll := OriginChecker(nil)
	assert.True(t, allowAll(request("https://evil.example")))

	check := OriginChecker([]string{"https://app.example/"})
	assert.True(t, check(request("")))
	assert.True(t, check(request("https://app.example")))
	assert.False(t, check(request("https://evil.example")))
}
