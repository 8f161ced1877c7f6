package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"sensor-gateway/internal/alert"
	"sensor-gateway/internal/models"
	"sensor-gateway/internal/oss"
	"sensor-gateway/internal/sysinfo"
)

type fakeGateway struct {
	cfg          models.AlertConfig
	patches      []models.AlertPatch
	history      []json.RawMessage
	capacity     int
	lastLimit    int
	archive      bool
	archiveCalls int
}

func (g *fakeGateway) HealthSnapshot() models.HealthSnapshot {
	return models.HealthSnapshot{BrokerKind: "mqtt", HistorySize: len(g.history), LastAlert: "--"}
}

func (g *fakeGateway) CurrentConfig() models.AlertConfig { return g.cfg }

func (g *fakeGateway) ApplyConfigPatch(_ context.Context, patch models.AlertPatch) models.AlertConfig {
	g.patches = append(g.patches, patch)
	if patch.TempMax != nil {
		g.cfg.TempMax = *patch.TempMax
	}
	return g.cfg
}

func (g *fakeGateway) RecentHistory(limit int) ([]json.RawMessage, error) {
	g.lastLimit = limit
	if limit > len(g.history) {
		limit = len(g.history)
	}
	return g.history[len(g.history)-limit:], nil
}

func (g *fakeGateway) HistoryCapacity() int { return g.capacity }

func (g *fakeGateway) AlertDashboard() alert.Dashboard {
	return alert.Dashboard{LastAlert: "--", Sensor: alert.SensorStatus{Status: "online"}}
}

func (g *fakeGateway) SystemSnapshot() sysinfo.SystemDashboard {
	return sysinfo.SystemDashboard{Process: sysinfo.GatewayProcess{PID: 42}}
}

func (g *fakeGateway) ArchiveEnabled() bool { return g.archive }

func (g *fakeGateway) Archive(context.Context) (oss.ArchiveResult, error) {
	g.archiveCalls++
	return oss.ArchiveResult{Key: "sensor-history/gw/1.json", Entries: len(g.history)}, nil
}

func newFakeGateway(n int) *fakeGateway {
	g := &fakeGateway{cfg: models.DefaultAlertConfig(), capacity: 100}
	for i := 0; i < n; i++ {
		g.history = append(g.history, json.RawMessage(fmt.Sprintf(`{"temperatura":%d}`, i)))
	}
	return g
}

func doRequest(t *testing.T, h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestConfigEndpoints(t *testing.T) {
	gw := newFakeGateway(0)
	h := NewRouter(&models.Config{}, gw, nil, nil)

	rec := doRequest(t, h, http.MethodGet, "/api/config", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"tempMax":30`) {
		t.Fatalf("unexpected config response: %d %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h, http.MethodPost, "/api/config", `{"tempMax":28.5}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(gw.patches) != 1 || gw.cfg.TempMax != 28.5 {
		t.Fatalf("patch should be applied, got %+v", gw.cfg)
	}

	rec = doRequest(t, h, http.MethodPost, "/api/config", `{"tempMax":"hot"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed patch expected 400, got %d", rec.Code)
	}
	rec = doRequest(t, h, http.MethodPost, "/api/config", `[1,2]`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("non-object patch expected 400, got %d", rec.Code)
	}
	if len(gw.patches) != 1 {
		t.Fatalf("rejected patches must not be applied")
	}
}

func TestConfigUpdateRequiresToken(t *testing.T) {
	t.Setenv("API_AUTH_DISABLED", "")
	gw := newFakeGateway(0)
	h := NewRouter(&models.Config{APIAuthToken: "secret"}, gw, nil, nil)

	if rec := doRequest(t, h, http.MethodGet, "/api/config", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("GET should not require token, got %d", rec.Code)
	}
	if rec := doRequest(t, h, http.MethodPost, "/api/config", `{"isActive":false}`, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("POST without token expected 401, got %d", rec.Code)
	}
	rec := doRequest(t, h, http.MethodPost, "/api/config", `{"isActive":false}`, map[string]string{"Authorization": "Bearer secret"})
	if rec.Code != http.StatusOK {
		t.Fatalf("POST with token expected 200, got %d", rec.Code)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	gw := newFakeGateway(120)
	gw.capacity = 80
	h := NewRouter(&models.Config{}, gw, nil, nil)

	rec := doRequest(t, h, http.MethodGet, "/api/history", "", nil)
	if rec.Code != http.StatusOK || gw.lastLimit != defaultHistoryLimit {
		t.Fatalf("default limit expected %d, got %d (%d)", defaultHistoryLimit, gw.lastLimit, rec.Code)
	}
	var body struct {
		Count    int               `json:"count"`
		Readings []json.RawMessage `json:"readings"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if body.Count != 50 || string(body.Readings[49]) != `{"temperatura":119}` {
		t.Fatalf("expected newest 50 readings, got %d", body.Count)
	}

	doRequest(t, h, http.MethodGet, "/api/history?limit=500", "", nil)
	if gw.lastLimit != 80 {
		t.Fatalf("limit should be capped at capacity, got %d", gw.lastLimit)
	}
	if rec := doRequest(t, h, http.MethodGet, "/api/history?limit=-1", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("negative limit expected 400, got %d", rec.Code)
	}
}

func TestArchiveEndpoint(t *testing.T) {
	gw := newFakeGateway(3)
	h := NewRouter(&models.Config{}, gw, nil, nil)
	if rec := doRequest(t, h, http.MethodPost, "/api/history/archive", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("archive without bucket expected 503, got %d", rec.Code)
	}
	gw.archive = true
	rec := doRequest(t, h, http.MethodPost, "/api/history/archive", "", nil)
	if rec.Code != http.StatusOK || gw.archiveCalls != 1 {
		t.Fatalf("archive expected 200, got %d calls=%d", rec.Code, gw.archiveCalls)
	}
	if !strings.Contains(rec.Body.String(), `"entries":3`) {
		t.Fatalf("unexpected archive body: %s", rec.Body.String())
	}
}

func TestReadOnlyEndpoints(t *testing.T) {
	gw := newFakeGateway(2)
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("sgw_up 1\n"))
	})
	h := NewRouter(&models.Config{}, gw, metricsHandler, nil)

	cases := []struct {
		path string
		want string
	}{
		{path: "/api/health", want: `"historySize":2`},
		{path: "/api/alerts", want: `"status":"online"`},
		{path: "/api/system", want: `"pid":42`},
		{path: "/metrics", want: "sgw_up 1"},
	}
	for _, tc := range cases {
		rec := doRequest(t, h, http.MethodGet, tc.path, "", nil)
		if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), tc.want) {
			t.Fatalf("%s: unexpected response %d %s", tc.path, rec.Code, rec.Body.String())
		}
	}
	if rec := doRequest(t, h, http.MethodGet, "/ws", "", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("/ws should not be routed without live handler, got %d", rec.Code)
	}
}
