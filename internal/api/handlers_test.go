package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"geotrack/internal/config"
	"geotrack/internal/engine"
	"geotrack/internal/ingest"
	"geotrack/internal/metrics"
	"geotrack/internal/model"
	"geotrack/internal/signals"
	"geotrack/internal/store"
)

type stubProvider struct{}

func (stubProvider) Resolve(ctx context.Context, lat, lng float64) (model.Place, error) {
	return model.Place{Name: "Liberty Market", Type: "retail"}, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Enrichment.SubBatchPause = 0
	e, err := engine.New(cfg, engine.Deps{Store: store.NewMemory(), Feed: ingest.NewMemoryFeed(0), Provider: stubProvider{}})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Stop(ctx)
	})
	return NewServer(e, nil)
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthReady(t *testing.T) {
	h := newTestServer(t).Routes()
	if rr := do(t, h, http.MethodGet, "/healthz", nil); rr.Code != 200 {
		t.Fatalf("health: got %d", rr.Code)
	}
	if rr := do(t, h, http.MethodGet, "/readyz", nil); rr.Code != 200 {
		t.Fatalf("ready: got %d", rr.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	metrics.RegisterDefault()
	h := newTestServer(t).Routes()
	_ = do(t, h, http.MethodGet, "/healthz", nil)
	rr := do(t, h, http.MethodGet, "/metrics", nil)
	if rr.Code != 200 || !strings.Contains(rr.Body.String(), "http_requests_total") {
		t.Fatalf("metrics: %d", rr.Code)
	}
}

func TestConfigUpdateValidation(t *testing.T) {
	h := newTestServer(t).Routes()
	rr := do(t, h, http.MethodPut, "/v1/admin/config", map[string]any{"pollingIntervalMs": 20000})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("20000ms: got %d", rr.Code)
	}
	var p Problem
	_ = json.Unmarshal(rr.Body.Bytes(), &p)
	if p.Field != "pollingIntervalMs" {
		t.Fatalf("problem %+v", p)
	}

	rr = do(t, h, http.MethodPut, "/v1/admin/config", map[string]any{"pollingIntervalMs": 180000, "maxConcurrentBatches": 4})
	if rr.Code != http.StatusOK {
		t.Fatalf("180000ms: got %d %s", rr.Code, rr.Body.String())
	}
	var cfg engine.RuntimeConfig
	_ = json.Unmarshal(rr.Body.Bytes(), &cfg)
	if cfg.PollingIntervalMs != 180000 || cfg.MaxConcurrentBatches != 4 {
		t.Fatalf("config %+v", cfg)
	}

	rr = do(t, h, http.MethodGet, "/v1/admin/status", nil)
	var st engine.Status
	_ = json.Unmarshal(rr.Body.Bytes(), &st)
	if st.IsRunning || st.CurrentConfig.PollingIntervalMs != 180000 {
		t.Fatalf("status %+v", st)
	}
}

func TestReportPollAndQuery(t *testing.T) {
	s := newTestServer(t)
	h := s.Routes()
	zone := map[string]any{"name": "HQ", "centerLat": 31.5204, "centerLng": 74.3587, "radiusMeters": 100, "zoneType": "office"}
	if rr := do(t, h, http.MethodPost, "/v1/geofences", zone); rr.Code != http.StatusCreated {
		t.Fatalf("zone: %d %s", rr.Code, rr.Body.String())
	}
	if rr := do(t, h, http.MethodPut, "/v1/workers/w1", map[string]any{"active": true}); rr.Code != 200 {
		t.Fatalf("worker: %d", rr.Code)
	}
	at := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)
	sample := map[string]any{"workerId": "w1", "capturedAt": at, "latitude": 31.5204, "longitude": 74.3587, "accuracyMeters": 8}
	if rr := do(t, h, http.MethodPost, "/v1/devices/locations", sample); rr.Code != http.StatusAccepted {
		t.Fatalf("report: %d %s", rr.Code, rr.Body.String())
	}
	if rr := do(t, h, http.MethodPost, "/v1/admin/polling/start", nil); rr.Code != 200 {
		t.Fatalf("start: %d", rr.Code)
	}

	var body struct {
		Items []model.ValidationLogEntry `json:"items"`
	}
	deadline := time.Now().Add(3 * time.Second)
	for len(body.Items) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
		rr := do(t, h, http.MethodGet, "/v1/workers/w1/validations", nil)
		_ = json.Unmarshal(rr.Body.Bytes(), &body)
	}
	if len(body.Items) != 1 || body.Items[0].Result != model.ResultPass {
		t.Fatalf("validations %+v", body.Items)
	}
	if rr := do(t, h, http.MethodPost, "/v1/admin/polling/stop", nil); rr.Code != 200 {
		t.Fatalf("stop: %d", rr.Code)
	}

	from := at.Add(-time.Second).Format(time.RFC3339)
	to := at.Add(time.Second).Format(time.RFC3339)
	rr := do(t, h, http.MethodGet, "/v1/workers/w1/samples?from="+from+"&to="+to, nil)
	var samples struct {
		Items []model.LocationSample `json:"items"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &samples)
	if rr.Code != 200 || len(samples.Items) != 1 {
		t.Fatalf("samples: %d %s", rr.Code, rr.Body.String())
	}

	if rr := do(t, h, http.MethodPost, "/v1/admin/enrichment/run", nil); rr.Code != 200 {
		t.Fatalf("enrichment: %d", rr.Code)
	}
	rr = do(t, h, http.MethodGet, "/v1/workers/w1/locations?from="+from+"&to="+to, nil)
	var locs struct {
		Items []model.ProcessedLocation `json:"items"`
	}
	_ = json.Unmarshal(rr.Body.Bytes(), &locs)
	if len(locs.Items) != 1 || locs.Items[0].PlaceName != "Liberty Market" {
		t.Fatalf("locations %s", rr.Body.String())
	}
}

func TestBadRequests(t *testing.T) {
	h := newTestServer(t).Routes()
	cases := []struct {
		name, method, path string
		body               any
		want               int
	}{
		{"report without worker", http.MethodPost, "/v1/devices/locations", map[string]any{"capturedAt": time.Now(), "latitude": 1, "longitude": 1}, 400},
		{"inverted range", http.MethodGet, "/v1/workers/w1/samples?from=2024-01-02T00:00:00Z&to=2024-01-01T00:00:00Z", nil, 400},
		{"backfill inverted", http.MethodPost, "/v1/admin/enrichment/backfill", map[string]any{"from": "2024-01-02T00:00:00Z", "to": "2024-01-01T00:00:00Z"}, 400},
		{"backfill missing", http.MethodPost, "/v1/admin/enrichment/backfill", map[string]any{}, 400},
		{"zone radius", http.MethodPost, "/v1/geofences", map[string]any{"name": "x", "centerLat": 1, "centerLng": 1, "radiusMeters": 0, "zoneType": "home"}, 400},
		{"unknown batch", http.MethodGet, "/v1/admin/batches/nope", nil, 404},
		{"unknown zone", http.MethodDelete, "/v1/geofences/nope", nil, 404},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if rr := do(t, h, tc.method, tc.path, tc.body); rr.Code != tc.want {
				t.Fatalf("got %d want %d: %s", rr.Code, tc.want, rr.Body.String())
			}
		})
	}
}

func TestSignalStream(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.Routes())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/signals/stream?kinds=batchError"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	var ack map[string]any
	if err := conn.ReadJSON(&ack); err != nil || ack["kind"] != "subscribed" {
		t.Fatalf("ack %v err=%v", ack, err)
	}
	s.Engine.Signals().Publish(signals.Event{Kind: signals.BatchCompleted, BatchID: "skip"})
	s.Engine.Signals().Publish(signals.Event{Kind: signals.BatchError, BatchID: "b1", WillRetry: true, Error: "db down"})

	var evt signals.Event
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("read: %v", err)
	}
	if evt.Kind != signals.BatchError || evt.BatchID != "b1" || !evt.WillRetry {
		t.Fatalf("event %+v", evt)
	}
}

func TestOpenAPIJSON(t *testing.T) {
	h := newTestServer(t).Routes()
	rr := do(t, h, http.MethodGet, "/openapi.json", nil)
	if rr.Code != 200 || !strings.Contains(rr.Body.String(), "/v1/admin/config") {
		t.Fatalf("openapi: %d", rr.Code)
	}
}
