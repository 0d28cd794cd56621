package alert

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/elonfeng/apipulse/pkg/source"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	mu      sync.Mutex
	bodies  [][]byte
	headers []http.Header
}

func (c *captured) server(t *testing.T, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.headers = append(c.headers, r.Header.Clone())
		c.mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWebhook_SignsBody(t *testing.T) {
	var c captured
	srv := c.server(t, http.StatusNoContent)

	n := SessionCollected(source.SourceGitHub, 7, 30)
	require.NoError(t, NewWebhook(srv.URL, "s3cret").Send(context.Background(), n))

	require.Len(t, c.bodies, 1)
	assert.Equal(t, "sha256="+Sign("s3cret", c.bodies[0]), c.headers[0].Get(SignatureHeader))

	var got Notification
	require.NoError(t, json.Unmarshal(c.bodies[0], &got))
	assert.Equal(t, source.SourceGitHub, got.Source)
	assert.EqualValues(t, 7, got.SessionID)
	assert.Equal(t, 30, got.Items)
	assert.Equal(t, LevelInfo, got.Level)
}

func TestWebhook_NoSecretNoSignature(t *testing.T) {
	var c captured
	srv := c.server(t, http.StatusOK)

	require.NoError(t, NewWebhook(srv.URL, "").Send(context.Background(), JobFailed("collect:reddit", 4, errors.New("boom"))))
	assert.Empty(t, c.headers[0].Get(SignatureHeader))
}

func TestWebhook_Non2xxIsError(t *testing.T) {
	var c captured
	srv := c.server(t, http.StatusInternalServerError)

	err := NewWebhook(srv.URL, "").Send(context.Background(), JobFailed("x", 1, errors.New("boom")))
	assert.ErrorContains(t, err, "webhook status 500")
}

func TestSlackAndDiscordPayloads(t *testing.T) {
	var slack, discord captured
	slackSrv := slack.server(t, http.StatusOK)
	discordSrv := discord.server(t, http.StatusNoContent)

	m := NewManager([]Notifier{NewSlack(slackSrv.URL), NewDiscord(discordSrv.URL)})
	require.NoError(t, m.Broadcast(context.Background(), JobFailed("collect:hackernews", 4, errors.New("timeout"))))

	var slackPayload struct {
		Blocks []map[string]any `json:"blocks"`
	}
	require.NoError(t, json.Unmarshal(slack.bodies[0], &slackPayload))
	assert.Len(t, slackPayload.Blocks, 2)

	var discordPayload struct {
		Embeds []map[string]any `json:"embeds"`
	}
	require.NoError(t, json.Unmarshal(discord.bodies[0], &discordPayload))
	require.Len(t, discordPayload.Embeds, 1)
	assert.Contains(t, discordPayload.Embeds[0]["title"], "collect:hackernews failed")
	assert.EqualValues(t, 0xE74C3C, discordPayload.Embeds[0]["color"])
}

type failingNotifier struct{ name string }

func (f failingNotifier) Name() string { return f.name }
func (f failingNotifier) Send(context.Context, *Notification) error {
	return errors.New("unreachable")
}

func TestManager_JoinsErrors(t *testing.T) {
	m := NewManager([]Notifier{failingNotifier{"a"}, failingNotifier{"b"}})

	err := m.Broadcast(context.Background(), &Notification{Title: "t"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a: unreachable")
	assert.Contains(t, err.Error(), "b: unreachable")
}

func TestManager_NilIsNoop(t *testing.T) {
	var m *Manager
	assert.False(t, m.HasNotifiers())
	assert.NoError(t, m.Broadcast(context.Background(), &Notification{}))
}
