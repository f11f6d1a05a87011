package client

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-sync/pkg/auth"
	"github.com/astromechza/automerge-sync/pkg/docstore"
	"github.com/astromechza/automerge-sync/pkg/hub"
	"github.com/astromechza/automerge-sync/pkg/persistence"
)

func startServer(t *testing.T) (string, *auth.JWT, *hub.Registry) {
	t.Helper()
	j, err := auth.NewJWT("client-test", time.Hour)
	require.NoError(t, err)
	g := hub.NewRegistry(hub.Options{Store: docstore.New(docstore.Options{Adapter: persistence.NewMemory()})})
	srv := httptest.NewServer(hub.NewGateway(g, hub.GatewayOptions{Verifier: j}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http"), j, g
}

func dialSynced(t *testing.T, url string, j *auth.JWT, user string) *Client {
	t.Helper()
	token, err := j.Issue(user, "")
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, url, "notes", Options{Token: token})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.WaitSynced(ctx))
	return c
}

func textOf(c *Client) string {
	text, _ := c.Text()
	return text
}

func TestClients_ConvergeThroughServer(t *testing.T) {
	url, j, _ := startServer(t)
	a := dialSynced(t, url, j, "alice")
	b := dialSynced(t, url, j, "bob")

	changes := make(chan string, 16)
	b.OnChange(func(text string) { changes <- text })

	require.NoError(t, a.AppendText("hello"))
	select {
	case text := <-changes:
		assert.Equal(t, "hello", text)
	case <-time.After(5 * time.Second):
		t.Fatal("no change seen by the second client")
	}

	require.NoError(t, b.InsertText(0, ">> "))
	assert.Eventually(t, func() bool { return textOf(a) == ">> hello" }, 5*time.Second, 10*time.Millisecond)

	// concurrent edits from both sides still converge
	require.NoError(t, a.AppendText(" from a"))
	require.NoError(t, b.AppendText(" from b"))
	assert.Eventually(t, func() bool {
		ta := textOf(a)
		return ta == textOf(b) && strings.Contains(ta, "from a") && strings.Contains(ta, "from b")
	}, 5*time.Second, 10*time.Millisecond)
}

func TestClients_LateJoinerSeesHistory(t *testing.T) {
	url, j, _ := startServer(t)
	a := dialSynced(t, url, j, "alice")
	require.NoError(t, a.AppendText("before"))

	b := dialSynced(t, url, j, "bob")
	assert.Eventually(t, func() bool { return textOf(b) == "before" }, 5*time.Second, 10*time.Millisecond)
}

func TestClients_ShareAwareness(t *testing.T) {
	url, j, _ := startServer(t)
	a := dialSynced(t, url, j, "alice")
	b := dialSynced(t, url, j, "bob")

	require.NoError(t, a.SetAwareness(map[string]any{"cursor": 4}))
	assert.Eventually(t, func() bool {
		state, ok := b.Peers()[a.ClientID()]
		return ok && string(state) == `{"cursor":4}`
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Close())
	assert.Eventually(t, func() bool {
		_, ok := b.Peers()[a.ClientID()]
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
	assert.NoError(t, a.Err())
}

func TestClients_LastLeaveDestroysRoom(t *testing.T) {
	url, j, g := startServer(t)
	a := dialSynced(t, url, j, "alice")
	assert.Equal(t, []string{"notes"}, g.ActiveDocuments())
	require.NoError(t, a.Close())
	assert.Eventually(t, func() bool { return g.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestDial_Unauthorized(t *testing.T) {
	url, _, _ := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, url, "notes", Options{Token: "forged"})
	if err != nil {
		// the server may already have hung up before the first frame was written
		return
	}
	defer c.Close()

	assert.Error(t, c.WaitSynced(ctx))
	assert.Contains(t, c.Err().Error(), "4003")
}

func TestSetAwareness_RejectsUnmarshalable(t *testing.T) {
	url, j, _ := startServer(t)
	a := dialSynced(t, url, j, "alice")
	err := a.SetAwareness(map[string]any{"bad": make(chan int)})
	var ute *json.UnsupportedTypeError
	assert.ErrorAs(t, err, &ute)
}
