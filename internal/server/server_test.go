package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"obraline/internal/config"
	"obraline/internal/db"
	"obraline/internal/domain"
	"obraline/internal/engine"
	"obraline/internal/metrics"
	"obraline/internal/migrate"
)

const testProgram = "obras-2025"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	return newTestServerWithAuth(t, AuthConfig{AllowLegacyActorHeader: true})
}

func newTestServerWithAuth(t *testing.T, authCfg AuthConfig) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default(testProgram)
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	e.Metrics = metrics.New()
	if _, err := e.InitProgram(context.Background(), testProgram, "", "tester"); err != nil {
		t.Fatalf("init program: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: authCfg})
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
		Engine: e,
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
	if _, ok := headers["Authorization"]; !ok {
		if _, ok := headers["X-Api-Key"]; !ok {
			req.Header.Set("X-Actor-Id", "tester")
		}
	}
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

func as(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor}
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error: %v (%s)", err, string(data))
	}
	return env
}

func createEntity(t *testing.T, srv *testServer, id, name string) EntityResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/programs/"+testProgram+"/entities", map[string]any{
		"id":   id,
		"name": name,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create entity status %d: %s", res.StatusCode, string(data))
	}
	var ent EntityResponse
	if err := json.Unmarshal(data, &ent); err != nil {
		t.Fatalf("unmarshal entity: %v", err)
	}
	return ent
}

func entityURL(srv *testServer, id string) string {
	return srv.URL + "/v0/programs/" + testProgram + "/entities/" + id
}

func TestAdvanceGatedUntilEvidenceApproved(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	ent := createEntity(t, srv, "obra-1", "Puente Río Verde")
	if ent.Stage != "planning" {
		t.Fatalf("expected planning, got %s", ent.Stage)
	}

	res, data := doJSON(t, client, http.MethodPost, entityURL(srv, ent.ID)+"/advance", nil, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "stage_gated" {
		t.Fatalf("expected stage_gated, got %s", env.Error.Code)
	}
	missing, _ := env.Error.Details["missing"].([]any)
	if len(missing) != 3 {
		t.Fatalf("expected 3 missing requirements, got %v", env.Error.Details)
	}

	for _, req := range []string{"proyecto-ejecutivo", "estudio-factibilidad", "manifestacion-impacto"} {
		res, data := doJSON(t, client, http.MethodPost, entityURL(srv, ent.ID)+"/evidence/"+req, map[string]any{
			"file_name": req + ".pdf",
			"file_size": 4096,
		}, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("attach %s: %d %s", req, res.StatusCode, string(data))
		}
		res, data = doJSON(t, client, http.MethodPost, entityURL(srv, ent.ID)+"/evidence/"+req+"/review", map[string]any{
			"decision": "approved",
		}, nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("approve %s: %d %s", req, res.StatusCode, string(data))
		}
	}

	res, data = doJSON(t, client, http.MethodPost, entityURL(srv, ent.ID)+"/advance", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("advance: %d %s", res.StatusCode, string(data))
	}
	var move domain.Transition
	_ = json.Unmarshal(data, &move)
	if move.To != "management" || move.Kind != domain.TransitionAdvance {
		t.Fatalf("unexpected transition %+v", move)
	}

	res, data = doJSON(t, client, http.MethodGet, entityURL(srv, ent.ID), nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get entity: %d %s", res.StatusCode, string(data))
	}
	var st EntityStateResponse
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if st.Entity.Stage != "management" || st.Progress != 25 || len(st.History) != 1 {
		t.Fatalf("unexpected state %+v", st)
	}
	if st.Approved.Satisfied != 0 || st.Approved.Total != 2 {
		t.Fatalf("expected fresh management checklist, got %+v", st.Approved)
	}
}

func TestReviewRequiresReviewerRole(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	ent := createEntity(t, srv, "obra-1", "Mercado municipal")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/programs/"+testProgram+"/rbac/roles/grant", map[string]any{
		"actor_id": "cap-1",
		"role_id":  "capturista",
	}, nil)
	if res.StatusCode != http.StatusNoContent && res.StatusCode != http.StatusOK {
		t.Fatalf("grant: %d %s", res.StatusCode, string(data))
	}

	evURL := entityURL(srv, ent.ID) + "/evidence/proyecto-ejecutivo"
	res, data = doJSON(t, client, http.MethodPost, evURL, map[string]any{"file_name": "planos.pdf"}, as("cap-1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("capturista attach: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, evURL+"/review", map[string]any{"decision": "approved"}, as("cap-1"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for capturista review, got %d %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "forbidden_reviewer" {
		t.Fatalf("expected forbidden_reviewer, got %s", env.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, evURL+"/review", map[string]any{"decision": "rejected"}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for rejection without comment, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, evURL+"/review", map[string]any{"decision": "rejected", "comment": "falta firma"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reject: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, evURL+"/review", map[string]any{"decision": "approved"}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 reviewing rejected evidence, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, entityURL(srv, ent.ID)+"/stage", map[string]any{
		"stage":  "execution",
		"reason": "captura extemporánea",
	}, as("cap-1"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for capturista override, got %d %s", res.StatusCode, string(data))
	}
}

func TestSetStageOverride(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	ent := createEntity(t, srv, "obra-1", "Pozo de agua")

	res, data := doJSON(t, client, http.MethodPost, entityURL(srv, ent.ID)+"/stage", map[string]any{"stage": "execution"}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without reason, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, entityURL(srv, ent.ID)+"/stage", map[string]any{
		"stage":  "completed",
		"reason": "obra entregada",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("override: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, entityURL(srv, ent.ID)+"/advance", nil, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 at terminal stage, got %d %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Details["terminal"] != true {
		t.Fatalf("expected terminal detail, got %v", env.Error.Details)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/programs/"+testProgram+"/events?type=stage.overridden", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", res.StatusCode, string(data))
	}
	var evts paginatedEvents
	_ = json.Unmarshal(data, &evts)
	if len(evts.Items) != 1 || evts.Items[0].Payload["reason"] != "obra entregada" {
		t.Fatalf("unexpected override events %+v", evts.Items)
	}
}

func TestSummaryAndIndicators(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	for _, ent := range []struct {
		id      string
		modules map[string][2]float64
	}{
		{"a", map[string][2]float64{"gasto": {60, 100}, "indicadores": {60, 100}}},
		{"b", map[string][2]float64{"gasto": {95, 100}, "indicadores": {85, 100}}},
		{"c", map[string][2]float64{"gasto": {10, 100}}},
	} {
		createEntity(t, srv, ent.id, "Obra "+ent.id)
		for module, pair := range ent.modules {
			res, data := doJSON(t, client, http.MethodPut, entityURL(srv, ent.id)+"/progress/"+module, map[string]any{
				"numerator":   pair[0],
				"denominator": pair[1],
			}, nil)
			if res.StatusCode != http.StatusOK {
				t.Fatalf("progress %s/%s: %d %s", ent.id, module, res.StatusCode, string(data))
			}
		}
	}

	res, data := doJSON(t, client, http.MethodPut, entityURL(srv, "a")+"/progress/gasto", map[string]any{
		"numerator":   -5,
		"denominator": 10,
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative numerator, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/programs/"+testProgram+"/summary?modules=gasto,indicadores&order=desc", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("summary: %d %s", res.StatusCode, string(data))
	}
	var sum engine.SummaryReport
	if err := json.Unmarshal(data, &sum); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	if len(sum.Rows) != 2 || sum.Rows[0].EntityID != "b" || sum.Rows[1].EntityID != "a" {
		t.Fatalf("unexpected rows %+v", sum.Rows)
	}
	if sum.Rows[0].Label.Level != domain.LevelGreen || sum.Rows[1].Label.Level != domain.LevelYellow {
		t.Fatalf("unexpected labels %+v", sum.Rows)
	}
	if len(sum.Failures) != 1 || sum.Failures[0].EntityID != "c" {
		t.Fatalf("expected c to fail, got %+v", sum.Failures)
	}

	res, data = doJSON(t, client, http.MethodGet, entityURL(srv, "b")+"/indicators", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("indicators: %d %s", res.StatusCode, string(data))
	}
	var rep engine.IndicatorReport
	_ = json.Unmarshal(data, &rep)
	if len(rep.Readings) != 2 || rep.Score != nil {
		t.Fatalf("expected two readings and no score, got %+v", rep)
	}
}

func TestEntityOfOtherProgramIsHidden(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	createEntity(t, srv, "obra-1", "Camino rural")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/programs", map[string]any{"id": "otro"}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create program: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/programs/otro/entities/obra-1", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/programs", map[string]any{"id": "otro"}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate program, got %d %s", res.StatusCode, string(data))
	}
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServerWithAuth(t, AuthConfig{})
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/programs/"+testProgram, nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health should be open, got %d", res.StatusCode)
	}
}

func devLogin(t *testing.T, srv *testServer, actorID string) map[string]string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": actorID,
		"org_id":   "default-org",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + login.Token}
}

func TestBearerReviewNeedsStoredRole(t *testing.T) {
	srv, cleanup := newTestServerWithAuth(t, AuthConfig{JWTSecret: "s3cret", AllowLegacyActorHeader: true, DevLogin: true})
	defer cleanup()
	client := srv.Client()
	ent := createEntity(t, srv, "obra-1", "Unidad deportiva")
	evURL := entityURL(srv, ent.ID) + "/evidence/proyecto-ejecutivo"
	if res, data := doJSON(t, client, http.MethodPost, evURL, map[string]any{"file_name": "planos.pdf"}, nil); res.StatusCode != http.StatusOK {
		t.Fatalf("attach: %d %s", res.StatusCode, string(data))
	}

	bearer := devLogin(t, srv, "revisor-cgpi")
	res, data := doJSON(t, client, http.MethodPost, evURL+"/review", map[string]any{"decision": "approved"}, bearer)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for token without grants, got %d %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "forbidden_reviewer" {
		t.Fatalf("expected forbidden_reviewer, got %s", env.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/programs/"+testProgram+"/rbac/roles/grant", map[string]any{
		"actor_id": "revisor-cgpi",
		"role_id":  "cgpi",
	}, nil)
	if res.StatusCode != http.StatusNoContent && res.StatusCode != http.StatusOK {
		t.Fatalf("grant: %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodPost, evURL+"/review", map[string]any{"decision": "approved"}, bearer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("review with stored cgpi role: %d %s", res.StatusCode, string(data))
	}
	var sub domain.Submission
	_ = json.Unmarshal(data, &sub)
	if sub.ReviewerID != "revisor-cgpi" || sub.Status != domain.StatusApproved {
		t.Fatalf("unexpected submission %+v", sub)
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}
}

func TestBearerWithoutGrantsIsForbidden(t *testing.T) {
	srv, cleanup := newTestServerWithAuth(t, AuthConfig{JWTSecret: "s3cret", DevLogin: true})
	defer cleanup()
	client := srv.Client()
	bearer := devLogin(t, srv, "desconocido")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/programs/"+testProgram+"/entities", map[string]any{
		"id":   "obra-1",
		"name": "Puente peatonal",
	}, bearer)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 creating entity without grants, got %d %s", res.StatusCode, string(data))
	}
	if env := decodeError(t, data); env.Error.Code != "forbidden" {
		t.Fatalf("expected forbidden, got %s", env.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, bearer)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me: %d %s", res.StatusCode, string(data))
	}
	var who WhoAmIResponse
	_ = json.Unmarshal(data, &who)
	if who.ActorID != "desconocido" || len(who.Roles) != 0 || len(who.Permissions) != 0 {
		t.Fatalf("token should carry no authority, got %+v", who)
	}
}

func TestDevLoginDisabledByDefault(t *testing.T) {
	body := map[string]any{"actor_id": "revisor-cgpi", "org_id": "default-org"}

	srv, cleanup := newTestServerWithAuth(t, AuthConfig{JWTSecret: "s3cret"})
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", body, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for dev login without the flag, got %d %s", res.StatusCode, string(data))
	}

	legacy, cleanupLegacy := newTestServerWithAuth(t, AuthConfig{JWTSecret: "s3cret", AllowLegacyActorHeader: true})
	defer cleanupLegacy()
	res, data = doJSON(t, legacy.Client(), http.MethodPost, legacy.URL+"/v0/auth/dev/login", body, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unregistered dev login, got %d %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/me/api-keys", map[string]any{"name": "ci"}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create api key: %d %s", res.StatusCode, string(data))
	}
	var key APIKeyResponse
	_ = json.Unmarshal(data, &key)
	if !strings.HasPrefix(key.Key, "ol_") {
		t.Fatalf("unexpected key %q", key.Key)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/programs/"+testProgram+"/me/permissions", nil, map[string]string{"X-Api-Key": key.Key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("whoami: %d %s", res.StatusCode, string(data))
	}
	var who WhoAmIResponse
	_ = json.Unmarshal(data, &who)
	if who.ActorID != "tester" || len(who.Roles) != 1 || who.Roles[0] != "owner" {
		t.Fatalf("unexpected whoami %+v", who)
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/me/api-keys/"+key.ID, nil, as("intruso"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 revoking another actor's key, got %d %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/me/api-keys/"+key.ID, nil, nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("revoke: %d %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"X-Api-Key": key.Key})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with revoked key, got %d", res.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ent := createEntity(t, srv, "obra-1", "Parque lineal")
	doJSON(t, srv.Client(), http.MethodPost, entityURL(srv, ent.ID)+"/advance", nil, nil)

	res, err := srv.Client().Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("metrics status %d", res.StatusCode)
	}
	if !strings.Contains(string(body), "obraline_stage_advance_gated_total 1") {
		t.Fatalf("gated counter not exposed:\n%s", string(body))
	}
}

func TestWebhookDelivery(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()

	var mu sync.Mutex
	var got []webhookEvent
	var headers []http.Header
	recv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		got = append(got, evt)
		headers = append(headers, r.Header.Clone())
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer recv.Close()

	cfg := config.Default(testProgram)
	cfg.Webhooks = []config.WebhookConfig{{URL: recv.URL, Events: []string{"entity.created", "stage.overridden"}, Secret: "hook-secret"}}
	if err := srv.Engine.ConfigureProgram(ctx, testProgram, cfg, "tester"); err != nil {
		t.Fatalf("configure: %v", err)
	}
	d := newWebhookDispatcher(ctx, srv.Engine, testProgram)
	if d == nil {
		t.Fatalf("expected a dispatcher")
	}
	d.dispatchAll(ctx)

	ent := createEntity(t, srv, "obra-1", "Centro de salud")
	if _, err := srv.Engine.RecordProgress(ctx, engine.ProgressOptions{EntityID: ent.ID, Module: "gasto", Numerator: 1, Denominator: 2}); err != nil {
		t.Fatalf("record progress: %v", err)
	}
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].Type != "entity.created" || got[0].EntityID != "obra-1" {
		t.Fatalf("unexpected deliveries %+v", got)
	}
	if headers[0].Get("X-Obraline-Event") != "entity.created" || headers[0].Get("X-Obraline-Secret") != "hook-secret" {
		t.Fatalf("unexpected headers %v", headers[0])
	}
}

func TestWebhookFailureRetries(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()

	var mu sync.Mutex
	fail := true
	delivered := 0
	recv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		delivered++
	}))
	defer recv.Close()

	cfg := config.Default(testProgram)
	cfg.Webhooks = []config.WebhookConfig{{URL: recv.URL, Events: []string{"entity.created"}}}
	if err := srv.Engine.ConfigureProgram(ctx, testProgram, cfg, "tester"); err != nil {
		t.Fatalf("configure: %v", err)
	}
	d := newWebhookDispatcher(ctx, srv.Engine, testProgram)
	d.dispatchAll(ctx)
	createEntity(t, srv, "obra-1", "Biblioteca")
	d.dispatchAll(ctx)

	mu.Lock()
	fail = false
	mu.Unlock()
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	if delivered != 1 {
		t.Fatalf("expected redelivery after failure, got %d", delivered)
	}
}
