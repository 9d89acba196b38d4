package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/incidentql/internal/agent"
	"github.com/MrWong99/incidentql/internal/health"
)

// fakeConversation echoes questions and counts them.
type fakeConversation struct {
	mu        sync.Mutex
	questions []string
}

func (c *fakeConversation) Ask(_ context.Context, q string) agent.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.questions = append(c.questions, q)
	return agent.Response{
		Text:   "answer to " + q,
		Status: agent.StatusSuccess,
		Trace:  []string{"Sending query to model: " + q},
	}
}

type fixture struct {
	srv     *httptest.Server
	started atomic.Int32
	mu      sync.Mutex
	convs   []*fakeConversation
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	f := &fixture{}
	cfg := Config{
		NewConversation: func() (Asker, error) {
			f.started.Add(1)
			c := &fakeConversation{}
			f.mu.Lock()
			f.convs = append(f.convs, c)
			f.mu.Unlock()
			return c, nil
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f.srv = httptest.NewServer(s)
	t.Cleanup(f.srv.Close)
	return f
}

func postAsk(t *testing.T, f *fixture, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(f.srv.URL+"/api/ask", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func TestNew_RequiresConversationFactory(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error")
	}
}

func TestAsk_Success(t *testing.T) {
	f := newFixture(t, nil)

	resp, body := postAsk(t, f, `{"question":"How many open incidents?"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	var got agent.Response
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Text != "answer to How many open incidents?" || got.Status != agent.StatusSuccess || len(got.Trace) != 1 {
		t.Errorf("response = %+v", got)
	}
	if !strings.Contains(string(body), `"status":"success"`) || !strings.Contains(string(body), `"trace":[`) {
		t.Errorf("wire shape = %s", body)
	}
}

func TestAsk_FreshConversationPerRequest(t *testing.T) {
	f := newFixture(t, nil)
	postAsk(t, f, `{"question":"one"}`)
	postAsk(t, f, `{"question":"two"}`)
	if n := f.started.Load(); n != 2 {
		t.Errorf("started %d conversations, want 2", n)
	}
}

func TestAsk_BadRequests(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{"malformed", `{"question":`, "invalid request body"},
		{"unknown field", `{"question":"q","sql":"DROP"}`, "invalid request body"},
		{"missing question", `{}`, "question is required"},
		{"too long", `{"question":"` + strings.Repeat("a", 2001) + `"}`, "at most 2000 characters"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			resp, body := postAsk(t, f, tt.body)
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
			if !strings.Contains(string(body), tt.wantErr) {
				t.Errorf("body = %s, want %q", body, tt.wantErr)
			}
			if f.started.Load() != 0 {
				t.Error("conversation started for a bad request")
			}
		})
	}
}

func TestAsk_ConversationStartFails(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.NewConversation = func() (Asker, error) { return nil, errors.New("no provider") }
	})
	resp, _ := postAsk(t, f, `{"question":"q"}`)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestAsk_MethodNotAllowed(t *testing.T) {
	f := newFixture(t, nil)
	resp, err := http.Get(f.srv.URL + "/api/ask")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func dialChat(t *testing.T, f *fixture) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(f.srv.URL, "http")+"/api/chat", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "done") })
	return conn
}

func TestChat_OneConversationPerConnection(t *testing.T) {
	f := newFixture(t, nil)
	conn := dialChat(t, f)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	for _, q := range []string{"first", "second"} {
		if err := wsjson.Write(ctx, conn, AskRequest{Question: q}); err != nil {
			t.Fatalf("write: %v", err)
		}
		var got agent.Response
		if err := wsjson.Read(ctx, conn, &got); err != nil {
			t.Fatalf("read: %v", err)
		}
		if got.Text != "answer to "+q {
			t.Errorf("reply = %+v", got)
		}
	}

	if n := f.started.Load(); n != 1 {
		t.Errorf("started %d conversations, want 1", n)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if qs := f.convs[0].questions; len(qs) != 2 {
		t.Errorf("conversation saw %v", qs)
	}
}

func TestChat_SeparateConnectionsAreIndependent(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	for i := range 2 {
		conn := dialChat(t, f)
		if err := wsjson.Write(ctx, conn, AskRequest{Question: "q"}); err != nil {
			t.Fatalf("conn %d write: %v", i, err)
		}
		var got agent.Response
		if err := wsjson.Read(ctx, conn, &got); err != nil {
			t.Fatalf("conn %d read: %v", i, err)
		}
	}
	if n := f.started.Load(); n != 2 {
		t.Errorf("started %d conversations, want 2", n)
	}
}

func TestChat_InvalidFrameGetsErrorReply(t *testing.T) {
	f := newFixture(t, nil)
	conn := dialChat(t, f)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := wsjson.Write(ctx, conn, AskRequest{}); err != nil {
		t.Fatal(err)
	}
	var got errorBody
	if err := wsjson.Read(ctx, conn, &got); err != nil {
		t.Fatal(err)
	}
	if got.Error != "question is required" {
		t.Errorf("error = %q", got.Error)
	}
}

func TestOptionalRoutes(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("incidentql_asks_total 0\n"))
	})
	f := newFixture(t, func(c *Config) {
		c.Health = health.New()
		c.Metrics = metrics
	})

	for path, want := range map[string]string{
		"/healthz": `"status":"ok"`,
		"/readyz":  `"status":"ok"`,
		"/metrics": "incidentql_asks_total",
		"/":        `"service":"incidentql"`,
	} {
		resp, err := http.Get(f.srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || !strings.Contains(buf.String(), want) {
			t.Errorf("GET %s = %d %s", path, resp.StatusCode, buf.String())
		}
	}

	resp, err := http.Get(f.srv.URL + "/mcp")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("/mcp without handler = %d, want 404", resp.StatusCode)
	}
}
