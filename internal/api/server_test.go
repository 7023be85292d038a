package api

import (
	"bytes"
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
	"go.uber.org/zap"

	"mapharvest/internal/campaigns"
	"mapharvest/internal/domain"
	"mapharvest/internal/driver"
	"mapharvest/internal/events"
	"mapharvest/internal/gateway"
	"mapharvest/internal/geonames"
	"mapharvest/internal/metrics"
	"mapharvest/internal/orchestrator"
	"mapharvest/internal/store"
)

type stubSession struct{}

func (stubSession) Navigate(context.Context, string) error   { return nil }
func (stubSession) WaitFor(context.Context, string) error    { return nil }
func (stubSession) FillQuery(context.Context, string) error  { return nil }
func (stubSession) ScrollResults(context.Context, int) error { return nil }
func (stubSession) ParseResults(context.Context, int) ([]driver.PlaceRecord, error) {
	return []driver.PlaceRecord{{Name: "Casa Botín", Address: "Calle de Cuchilleros 17"}}, nil
}
func (stubSession) CaptureImage(context.Context) ([]byte, error) { return []byte{1}, nil }
func (stubSession) CurrentURL() string                           { return "about:blank" }
func (stubSession) Alive() bool                                  { return true }
func (stubSession) Close(context.Context) error                  { return nil }

type stubDriver struct{}

func (stubDriver) Open(context.Context) (driver.Session, error) { return stubSession{}, nil }

func geoUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/countries", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]domain.Country{
			{GeonameID: 2510769, Code: "ES", Name: "Spain", Population: 46505963},
		})
	})
	mux.HandleFunc("/countries/ES/cities", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]domain.Geoname{
			{GeonameID: 3117735, Name: "Madrid", CountryCode: "ES", Population: 3255944},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type apiRig struct {
	svc *campaigns.Service
	srv *httptest.Server
}

func newAPIRig(t *testing.T) *apiRig {
	t.Helper()

	st := store.NewMemory()
	bus := events.NewBus(zap.NewNop())
	geo := geonames.New(geoUpstream(t).URL, zap.NewNop())
	cfg := orchestrator.Config{
		RetryBudget:      2,
		SnapshotInterval: time.Hour,
		GraceWindow:      200 * time.Millisecond,
		IdlePoll:         5 * time.Millisecond,
	}
	svc := campaigns.New(st, geo, stubDriver{}, bus, zap.NewNop(), metrics.New(), cfg, 0, 0)
	gw := gateway.New(svc, bus, zap.NewNop())
	server := New(svc, geo, gw, metrics.New(), zap.NewNop())

	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)
	return &apiRig{svc: svc, srv: srv}
}

func (r *apiRig) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, r.srv.URL+path, buf)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded map[string]any
	if len(raw) > 0 && json.Unmarshal(raw, &decoded) != nil {
		decoded = map[string]any{"_raw": string(raw)}
	}
	return resp.StatusCode, decoded
}

func (r *apiRig) getList(t *testing.T, path string) (int, []any) {
	t.Helper()
	resp, err := http.Get(r.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var list []any
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	}
	return resp.StatusCode, list
}

func validCreateBody() map[string]any {
	return map[string]any{
		"activity":      "restaurants",
		"country_code":  "ES",
		"location_name": "Madrid",
		"max_bots":      1,
	}
}

func (r *apiRig) waitCompleted(t *testing.T, campaignID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		status, body := r.do(t, http.MethodGet, "/api/campaigns/"+campaignID, nil)
		require.Equal(t, http.StatusOK, status)
		if body["status"] == string(domain.CampaignCompleted) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("campaign did not complete in time")
}

func TestAPI_Healthz(t *testing.T) {
	r := newAPIRig(t)
	status, body := r.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestAPI_CreateCampaign(t *testing.T) {
	r := newAPIRig(t)

	status, body := r.do(t, http.MethodPost, "/api/campaigns", validCreateBody())
	require.Equal(t, http.StatusCreated, status)
	assert.NotEmpty(t, body["campaign_id"])
	assert.Equal(t, "PENDING", body["status"])
	assert.Equal(t, float64(1), body["total_tasks"])
	assert.Contains(t, body["title"], "Restaurants Madrid")
}

func TestAPI_CreateCampaignValidation(t *testing.T) {
	r := newAPIRig(t)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing activity", map[string]any{"country_code": "ES"}},
		{"bad country code", map[string]any{"activity": "bars", "country_code": "ESP"}},
		{"negative max_results", map[string]any{"activity": "bars", "country_code": "ES", "max_results": -5}},
		{"rating out of range", map[string]any{"activity": "bars", "country_code": "ES", "min_rating": 9.0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := r.do(t, http.MethodPost, "/api/campaigns", tt.body)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.Equal(t, "validation_error", body["code"])
			assert.NotEmpty(t, body["detail"])
		})
	}
}

func TestAPI_GetCampaignNotFound(t *testing.T) {
	r := newAPIRig(t)
	status, body := r.do(t, http.MethodGet, "/api/campaigns/nope", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", body["code"])
}

func TestAPI_LifecycleAndPlaces(t *testing.T) {
	r := newAPIRig(t)

	_, created := r.do(t, http.MethodPost, "/api/campaigns", validCreateBody())
	id := created["campaign_id"].(string)

	status, _ := r.do(t, http.MethodPost, "/api/campaigns/"+id+"/start", nil)
	require.Equal(t, http.StatusNoContent, status)
	r.waitCompleted(t, id)

	status, places := r.getList(t, "/api/campaigns/"+id+"/places")
	require.Equal(t, http.StatusOK, status)
	require.Len(t, places, 1)
	place := places[0].(map[string]any)
	assert.Equal(t, "Casa Botín", place["name"])

	status, tasks := r.getList(t, "/api/campaigns/"+id+"/tasks")
	require.Equal(t, http.StatusOK, status)
	require.Len(t, tasks, 1)
	assert.Equal(t, "COMPLETED", tasks[0].(map[string]any)["status"])

	// Restarting a completed campaign conflicts.
	status, body := r.do(t, http.MethodPost, "/api/campaigns/"+id+"/start", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "conflict", body["code"])
}

func TestAPI_PauseWithoutRunConflicts(t *testing.T) {
	r := newAPIRig(t)

	_, created := r.do(t, http.MethodPost, "/api/campaigns", validCreateBody())
	id := created["campaign_id"].(string)

	status, body := r.do(t, http.MethodPost, "/api/campaigns/"+id+"/pause", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "conflict", body["code"])
}

func TestAPI_ArchiveHidesFromListing(t *testing.T) {
	r := newAPIRig(t)

	_, created := r.do(t, http.MethodPost, "/api/campaigns", validCreateBody())
	id := created["campaign_id"].(string)
	status, _ := r.do(t, http.MethodPost, "/api/campaigns/"+id+"/start", nil)
	require.Equal(t, http.StatusNoContent, status)
	r.waitCompleted(t, id)

	status, _ = r.do(t, http.MethodPost, "/api/campaigns/"+id+"/archive", nil)
	require.Equal(t, http.StatusNoContent, status)

	status, visible := r.getList(t, "/api/campaigns")
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, visible)

	status, all := r.getList(t, "/api/campaigns?include_archived=true")
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, all, 1)
}

func TestAPI_GeonamesEndpoints(t *testing.T) {
	r := newAPIRig(t)

	status, countries := r.getList(t, "/api/geonames/countries")
	require.Equal(t, http.StatusOK, status)
	require.Len(t, countries, 1)
	assert.Equal(t, "ES", countries[0].(map[string]any)["code"])

	status, cities := r.getList(t, "/api/geonames/countries/ES/cities")
	require.Equal(t, http.StatusOK, status)
	require.Len(t, cities, 1)

	status, body := r.do(t, http.MethodGet, "/api/geonames/countries/ES/cities?min_population=abc", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "validation_error", body["code"])
}

func TestAPI_MetricsExposed(t *testing.T) {
	r := newAPIRig(t)

	resp, err := http.Get(r.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(raw), "mapharvest_"))
}
