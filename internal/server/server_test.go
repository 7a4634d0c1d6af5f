package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"deskline/internal/config"
	"deskline/internal/db"
	"deskline/internal/engine"
	"deskline/internal/fabric"
	"deskline/internal/migrate"
	"deskline/internal/repo"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	store := repo.NewSQLite(conn)
	bus := fabric.NewBus(fabric.Config{}, nil)
	eng := engine.New(store, bus, cfg, nil)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }

	handler, err := New(Config{
		Engine:   eng,
		Store:    store,
		Bus:      bus,
		App:      cfg,
		BasePath: "/v1",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", "tester")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestAskResolveRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	askRes, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/ask", map[string]any{
		"question":         "Do you do keratin treatments?",
		"customer_context": "room-7",
	}, nil)
	if askRes.StatusCode != http.StatusOK {
		t.Fatalf("ask status %d: %s", askRes.StatusCode, string(data))
	}
	var asked AskResponse
	if err := json.Unmarshal(data, &asked); err != nil {
		t.Fatalf("unmarshal ask: %v", err)
	}
	if asked.Status != "escalated" || asked.RequestID == "" {
		t.Fatalf("expected escalation, got %+v", asked)
	}

	pendingRes, pendingBody := doJSON(t, client, http.MethodGet, srv.URL+"/v1/requests/pending", nil, nil)
	if pendingRes.StatusCode != http.StatusOK {
		t.Fatalf("pending status %d: %s", pendingRes.StatusCode, string(pendingBody))
	}
	var pending []RequestResponse
	if err := json.Unmarshal(pendingBody, &pending); err != nil {
		t.Fatalf("unmarshal pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != asked.RequestID {
		t.Fatalf("expected one pending request %s, got %+v", asked.RequestID, pending)
	}

	resolveRes, resolveBody := doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests/"+asked.RequestID+"/resolve", map[string]any{
		"answer": "Yes, keratin treatments start at $150.",
	}, map[string]string{"X-Actor-Id": "supervisor-1"})
	if resolveRes.StatusCode != http.StatusOK {
		t.Fatalf("resolve status %d: %s", resolveRes.StatusCode, string(resolveBody))
	}
	var resolved RequestResponse
	if err := json.Unmarshal(resolveBody, &resolved); err != nil {
		t.Fatalf("unmarshal resolve: %v", err)
	}
	if resolved.State != "RESOLVED" || resolved.SupervisorID != "supervisor-1" {
		t.Fatalf("bad resolved request: %+v", resolved)
	}

	// The answer was learned: asking again answers directly.
	againRes, againBody := doJSON(t, client, http.MethodPost, srv.URL+"/v1/ask", map[string]any{
		"question":         "do you do KERATIN treatments?",
		"customer_context": "room-8",
	}, nil)
	if againRes.StatusCode != http.StatusOK {
		t.Fatalf("second ask status %d: %s", againRes.StatusCode, string(againBody))
	}
	var again AskResponse
	if err := json.Unmarshal(againBody, &again); err != nil {
		t.Fatalf("unmarshal second ask: %v", err)
	}
	if again.Status != "answered" || again.Answer != "Yes, keratin treatments start at $150." {
		t.Fatalf("expected learned answer, got %+v", again)
	}

	knowledgeRes, knowledgeBody := doJSON(t, client, http.MethodGet, srv.URL+"/v1/knowledge", nil, nil)
	if knowledgeRes.StatusCode != http.StatusOK {
		t.Fatalf("knowledge status %d: %s", knowledgeRes.StatusCode, string(knowledgeBody))
	}
	var entries []KnowledgeResponse
	if err := json.Unmarshal(knowledgeBody, &entries); err != nil {
		t.Fatalf("unmarshal knowledge: %v", err)
	}
	if len(entries) != 1 || entries[0].SourceRequestID != asked.RequestID {
		t.Fatalf("expected learned entry with provenance, got %+v", entries)
	}
}

func TestErrorEnvelopeMapping(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	type envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}

	// Unknown request id -> 404 not_found.
	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests/nosuchid/resolve", map[string]any{
		"answer": "whatever",
	}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(body))
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Error.Code != "not_found" {
		t.Fatalf("expected not_found, got %q", env.Error.Code)
	}

	// Second resolve on a terminal request -> 409 already_terminal.
	_, askBody := doJSON(t, client, http.MethodPost, srv.URL+"/v1/ask", map[string]any{
		"question":         "Do you sell gift cards?",
		"customer_context": "room-2",
	}, nil)
	var asked AskResponse
	_ = json.Unmarshal(askBody, &asked)
	if res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests/"+asked.RequestID+"/resolve", map[string]any{
		"answer": "Yes, at the front desk.",
	}, nil); res.StatusCode != http.StatusOK {
		t.Fatalf("first resolve: %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v1/requests/"+asked.RequestID+"/resolve", map[string]any{
		"answer": "different answer",
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(body))
	}
	env = envelope{}
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Error.Code != "already_terminal" {
		t.Fatalf("expected already_terminal, got %q", env.Error.Code)
	}
}

func TestAuthRequiredWithoutLegacyHeader(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/requests/pending", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}

	// Health stays open.
	healthRes, err := srv.Client().Get(srv.URL + "/v1/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	defer healthRes.Body.Close()
	if healthRes.StatusCode != http.StatusOK {
		t.Fatalf("expected open health endpoint, got %d", healthRes.StatusCode)
	}
}

func TestEventsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	_, askBody := doJSON(t, client, http.MethodPost, srv.URL+"/v1/ask", map[string]any{
		"question":         "Is parking free?",
		"customer_context": "room-4",
	}, nil)
	var asked AskResponse
	_ = json.Unmarshal(askBody, &asked)

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?limit=10", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(body))
	}
	var events []EventResponse
	if err := json.Unmarshal(body, &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(events) != 1 || events[0].Type != "request.created" || events[0].EntityID != asked.RequestID {
		t.Fatalf("expected one request.created event, got %+v", events)
	}
}
