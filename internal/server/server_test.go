package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"reviewline/internal/config"
	"reviewline/internal/db"
	"reviewline/internal/domain"
	"reviewline/internal/engine"
	"reviewline/internal/migrate"
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
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default("cycle-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: "test-secret", AllowLegacyActorHeader: true},
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

// login exchanges an actor id for a bearer token header via the dev endpoint.
func login(t *testing.T, srv *testServer, actorID, role string) map[string]string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": actorID,
		"role":     role,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var out DevLoginResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + out.Token}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/cycles", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d", res.StatusCode)
	}
	// health stays open
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be open, got %d", res.StatusCode)
	}
	// metrics sits outside the authenticated base path
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics should be open, got %d", res.StatusCode)
	}
}

func TestReviewRoundOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	maker := login(t, srv, "maker", "")
	checker := login(t, srv, "checker", "")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/cycles", map[string]any{
		"id": "cycle-1", "name": "Audit 2026",
	}, maker)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create cycle: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cycles/cycle-1/instances", map[string]any{
		"phase": "planning",
	}, maker)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start planning: %d %s", res.StatusCode, string(data))
	}
	var inst domain.PhaseInstance
	if err := json.Unmarshal(data, &inst); err != nil {
		t.Fatalf("unmarshal instance: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/versions", map[string]any{
		"instance_id": inst.ID,
	}, maker)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create version: %d %s", res.StatusCode, string(data))
	}
	var v domain.Version
	_ = json.Unmarshal(data, &v)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/versions/"+v.ID+"/items", map[string]any{
		"rev":   v.Rev,
		"items": []map[string]any{{"category": "attribute", "payload_json": `{"name":"balance"}`}},
	}, maker)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add items: %d %s", res.StatusCode, string(data))
	}
	var items []domain.Item
	_ = json.Unmarshal(data, &items)
	if len(items) != 1 {
		t.Fatalf("expected one item, got %d", len(items))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/items/"+items[0].ID+"/decision", map[string]any{
		"track": "first", "outcome": "approve",
	}, maker)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first decision: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/versions/"+v.ID, nil, maker)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get version: %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &v)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/versions/"+v.ID+"/submit", map[string]any{
		"rev": v.Rev,
	}, maker)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit: %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &v)

	// stale rev loses with a conflict
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/versions/"+v.ID+"/decide", map[string]any{
		"rev": v.Rev - 1, "outcome": "approve",
	}, checker)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for stale rev, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/versions/"+v.ID+"/decide", map[string]any{
		"rev": v.Rev, "outcome": "approve",
	}, checker)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("decide: %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &v)
	if v.Status != domain.VersionApproved {
		t.Fatalf("status = %s, want approved", v.Status)
	}

	// approval completed the instance and the resolver moved on
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/instances/"+inst.ID, nil, maker)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get instance: %d %s", res.StatusCode, string(data))
	}
	_ = json.Unmarshal(data, &inst)
	if inst.Status != domain.InstanceComplete {
		t.Fatalf("instance = %s, want complete", inst.Status)
	}
}

func TestBlockedStartRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	hdr := login(t, srv, "maker", "")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/cycles", map[string]any{"id": "cycle-1"}, hdr)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create cycle: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cycles/cycle-1/instances", map[string]any{
		"phase": "scoping",
	}, hdr)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for blocked phase, got %d %s", res.StatusCode, string(data))
	}
	var apiErr struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &apiErr); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if apiErr.Error.Code == "" {
		t.Fatalf("error envelope missing code: %s", string(data))
	}
}

func TestLegacyActorHeader(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/cycles", map[string]any{"id": "cycle-1"},
		map[string]string{"X-Actor-Id": "legacy-user"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("legacy header rejected: %d %s", res.StatusCode, string(data))
	}
}

func TestEventLogPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	hdr := login(t, srv, "maker", "")

	if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/cycles", map[string]any{"id": "cycle-1"}, hdr); res.StatusCode != http.StatusCreated {
		t.Fatalf("create cycle: %d %s", res.StatusCode, string(data))
	}
	if res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/cycles/cycle-1/instances", map[string]any{"phase": "planning"}, hdr); res.StatusCode != http.StatusCreated {
		t.Fatalf("start planning: %d %s", res.StatusCode, string(data))
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/cycles/cycle-1/events?limit=50", nil, hdr)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var all paginatedEvents
	if err := json.Unmarshal(data, &all); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(all.Items) < 2 {
		t.Fatalf("expected at least two events, got %d", len(all.Items))
	}

	// walking one-event pages must yield the same sequence with no event
	// skipped at page boundaries
	var walked []int64
	cursor := ""
	for i := 0; i < len(all.Items)+1; i++ {
		url := srv.URL + "/v0/cycles/cycle-1/events?limit=1"
		if cursor != "" {
			url += "&cursor=" + cursor
		}
		res, data = doJSON(t, client, http.MethodGet, url, nil, hdr)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("page %d: %d %s", i, res.StatusCode, string(data))
		}
		var page paginatedEvents
		if err := json.Unmarshal(data, &page); err != nil {
			t.Fatalf("unmarshal page %d: %v", i, err)
		}
		for _, evt := range page.Items {
			walked = append(walked, evt.ID)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if len(walked) != len(all.Items) {
		t.Fatalf("paged walk saw %d events, full list has %d", len(walked), len(all.Items))
	}
	for i, evt := range all.Items {
		if walked[i] != evt.ID {
			t.Fatalf("page walk diverged at %d: %d vs %d", i, walked[i], evt.ID)
		}
	}
}

func TestOpenAPIListsSecuritySchemes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi: %d", res.StatusCode)
	}
	body := string(data)
	for _, want := range []string{"bearerAuth", "apiKeyAuth"} {
		if !strings.Contains(body, want) {
			t.Fatalf("openapi missing %s", want)
		}
	}
}
