package transport

import (
	"context"
	"encoding/json"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/ragops-web/internal/agent"
	"github.com/ashureev/ragops-web/internal/identity"
	"github.com/ashureev/ragops-web/internal/session"
)

const testOwner = "owner_0123456789abcdef0123456789abcdef"

type echoModel struct{}

func (echoModel) Stream(_ context.Context, req agent.ModelRequest) iter.Seq2[agent.ModelEvent, error] {
	last := req.Messages[len(req.Messages)-1].Content
	return func(yield func(agent.ModelEvent, error) bool) {
		yield(agent.ModelEvent{Kind: agent.EventText, Text: "echo: " + last}, nil)
	}
}

func newTestServer(t *testing.T) (*httptest.Server, *session.Registry) {
	t.Helper()

	reg := session.NewRegistry(session.Config{
		NewModel: func(string, string) (agent.ModelClient, error) { return echoModel{}, nil },
		Agent:    agent.DefaultConfig(),
	})
	t.Cleanup(reg.CloseAll)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(identity.WithOwnerID(req.Context(), testOwner)))
		})
	})
	r.Handle("/ws/sessions/{id}", NewWebSocketHandler(reg, HandlerConfig{IsDev: true, PingInterval: time.Minute}))

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, reg
}

func dial(t *testing.T, srv *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/sessions/" + id
	ws, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.CloseNow() })
	return ws
}

type frame map[string]any

func readFrame(t *testing.T, ws *websocket.Conn) frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := ws.Read(ctx)
	require.NoError(t, err)
	var f frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

func readUntil(t *testing.T, ws *websocket.Conn, typ string) []frame {
	t.Helper()
	var seen []frame
	for {
		f := readFrame(t, ws)
		seen = append(seen, f)
		if f["type"] == typ {
			return seen
		}
	}
}

func write(t *testing.T, ws *websocket.Conn, raw string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ws.Write(ctx, websocket.MessageText, []byte(raw)))
}

func TestWebSocketChatTurn(t *testing.T) {
	t.Parallel()

	srv, reg := newTestServer(t)
	s, err := reg.Create(context.Background(), session.Options{OwnerID: testOwner})
	require.NoError(t, err)

	ws := dial(t, srv, s.ID)
	write(t, ws, `{"type":"chat","content":"hello"}`)

	frames := readUntil(t, ws, "stream_end")
	types := make([]string, 0, len(frames))
	for _, f := range frames {
		types = append(types, f["type"].(string))
		assert.Contains(t, f, "timestamp")
	}
	assert.Equal(t, []string{"stream_start", "content", "stream_end"}, types)
	assert.Equal(t, "echo: hello", frames[1]["content"])
}

func TestWebSocketBadMessageKeepsConnection(t *testing.T) {
	t.Parallel()

	srv, reg := newTestServer(t)
	s, err := reg.Create(context.Background(), session.Options{OwnerID: testOwner})
	require.NoError(t, err)

	ws := dial(t, srv, s.ID)
	write(t, ws, `{"type":"launch_missiles"}`)
	f := readFrame(t, ws)
	assert.Equal(t, "error", f["type"])
	assert.Equal(t, "bad_message", f["code"])

	write(t, ws, `not json`)
	f = readFrame(t, ws)
	assert.Equal(t, "bad_message", f["code"])

	write(t, ws, `{"type":"ping"}`)
	f = readFrame(t, ws)
	assert.Equal(t, "pong", f["type"])
}

func TestWebSocketUnknownSession(t *testing.T) {
	t.Parallel()

	srv, reg := newTestServer(t)
	other, err := reg.Create(context.Background(), session.Options{OwnerID: "owner_ffffffffffffffffffffffffffffffff"})
	require.NoError(t, err)

	for _, id := range []string{"missing", other.ID} {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/sessions/" + id
		_, resp, err := websocket.Dial(ctx, url, nil)
		cancel()
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	}
}

func TestWebSocketReconnectReplacesTransport(t *testing.T) {
	t.Parallel()

	srv, reg := newTestServer(t)
	s, err := reg.Create(context.Background(), session.Options{OwnerID: testOwner})
	require.NoError(t, err)

	first := dial(t, srv, s.ID)
	write(t, first, `{"type":"ping"}`)
	readFrame(t, first)

	second := dial(t, srv, s.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err = first.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))

	write(t, second, `{"type":"chat","content":"still here"}`)
	frames := readUntil(t, second, "stream_end")
	assert.Equal(t, "echo: still here", frames[1]["content"])
	assert.True(t, s.Connected())
}

func TestWebSocketClosedOnSessionDelete(t *testing.T) {
	t.Parallel()

	srv, reg := newTestServer(t)
	s, err := reg.Create(context.Background(), session.Options{OwnerID: testOwner})
	require.NoError(t, err)

	ws := dial(t, srv, s.ID)
	write(t, ws, `{"type":"ping"}`)
	readFrame(t, ws)

	done, err := reg.Delete(s.ID)
	require.NoError(t, err)
	<-done

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err = ws.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}
