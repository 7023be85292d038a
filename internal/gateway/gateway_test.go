package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mapharvest/internal/campaigns"
	"mapharvest/internal/domain"
	"mapharvest/internal/driver"
	"mapharvest/internal/events"
	"mapharvest/internal/geonames"
	"mapharvest/internal/metrics"
	"mapharvest/internal/orchestrator"
	"mapharvest/internal/store"
)

type stubGeo struct{}

func (stubGeo) Cities(_ context.Context, countryCode string, _ geonames.CityFilter) ([]domain.Geoname, error) {
	if countryCode != "ES" {
		return nil, nil
	}
	return []domain.Geoname{
		{GeonameID: 3117735, Name: "Madrid", CountryCode: "ES", Population: 3255944},
	}, nil
}

func (stubGeo) City(_ context.Context, _ string, _ int) (*domain.Geoname, error) {
	return nil, domain.ErrNotFound
}

type stubSession struct{}

func (stubSession) Navigate(context.Context, string) error      { return nil }
func (stubSession) WaitFor(context.Context, string) error       { return nil }
func (stubSession) FillQuery(context.Context, string) error     { return nil }
func (stubSession) ScrollResults(context.Context, int) error    { return nil }
func (stubSession) ParseResults(context.Context, int) ([]driver.PlaceRecord, error) {
	return []driver.PlaceRecord{{Name: "Casa Botín", Address: "Calle de Cuchilleros 17"}}, nil
}
func (stubSession) CaptureImage(context.Context) ([]byte, error) { return []byte{1}, nil }
func (stubSession) CurrentURL() string                           { return "about:blank" }
func (stubSession) Alive() bool                                  { return true }
func (stubSession) Close(context.Context) error                  { return nil }

type stubDriver struct{}

func (stubDriver) Open(context.Context) (driver.Session, error) { return stubSession{}, nil }

type rig struct {
	svc *campaigns.Service
	bus *events.Bus
	url string
}

func newRig(t *testing.T) *rig {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := store.NewMemory()
	bus := events.NewBus(zap.NewNop())
	cfg := orchestrator.Config{
		RetryBudget:      2,
		SnapshotInterval: time.Hour,
		GraceWindow:      200 * time.Millisecond,
		IdlePoll:         5 * time.Millisecond,
	}
	svc := campaigns.New(st, stubGeo{}, stubDriver{}, bus, zap.NewNop(), metrics.New(), cfg, 0, 0)

	router := gin.New()
	router.GET("/ws/extraction/stream", New(svc, bus, zap.NewNop()).Handle)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &rig{
		svc: svc,
		bus: bus,
		url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/extraction/stream",
	}
}

func (r *rig) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(r.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(frame))
}

// readUntil skips interleaved stream frames until one of the wanted type
// arrives.
func readUntil(t *testing.T, conn *websocket.Conn, wantType string) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var frame map[string]any
		require.NoError(t, conn.ReadJSON(&frame), "waiting for %q frame", wantType)
		if frame["type"] == wantType {
			return frame
		}
	}
}

func (r *rig) createCampaign(t *testing.T) *domain.Campaign {
	t.Helper()
	campaign, err := r.svc.Create(context.Background(), "", domain.CampaignSpec{
		Activity:     "restaurants",
		CountryCode:  "ES",
		LocationName: "Madrid",
		MaxBots:      1,
	})
	require.NoError(t, err)
	return campaign
}

func TestGateway_SubscribeStreamsCampaignEvents(t *testing.T) {
	r := newRig(t)
	campaign := r.createCampaign(t)
	conn := r.dial(t)

	sendJSON(t, conn, map[string]any{"type": "subscribe", "campaign_id": campaign.ID})
	started := readUntil(t, conn, TypeStreamStarted)
	assert.Equal(t, campaign.ID, started["campaign_id"])

	r.bus.Publish(events.NewTaskStarted(campaign.ID, "t1", "restaurants", "Madrid"))
	r.bus.Publish(events.NewTaskStarted("other-campaign", "t9", "bars", "Sevilla"))

	frame := readUntil(t, conn, TypeBotStatus)
	assert.Equal(t, "task_started", frame["event"])
	assert.Equal(t, campaign.ID, frame["campaign_id"], "foreign campaign events are filtered out")
}

func TestGateway_SnapshotFramesAreBase64(t *testing.T) {
	r := newRig(t)
	campaign := r.createCampaign(t)
	conn := r.dial(t)

	sendJSON(t, conn, map[string]any{"type": "subscribe", "campaign_id": campaign.ID})
	readUntil(t, conn, TypeStreamStarted)

	r.bus.Publish(events.NewBotSnapshotCaptured(campaign.ID, "b1", "t1", "WORKING",
		[]byte("png-bytes"), "https://maps.example"))

	frame := readUntil(t, conn, TypeBotSnapshot)
	data := frame["data"].(map[string]any)
	assert.Equal(t, "cG5nLWJ5dGVz", data["screenshot"])
	assert.Equal(t, "https://maps.example", data["current_url"])
}

func TestGateway_SubscribeRequiresCampaignID(t *testing.T) {
	r := newRig(t)
	conn := r.dial(t)

	sendJSON(t, conn, map[string]any{"type": "subscribe"})
	frame := readUntil(t, conn, TypeError)
	assert.Contains(t, frame["message"], "campaign_id")
}

func TestGateway_StartExtractionInline(t *testing.T) {
	r := newRig(t)
	conn := r.dial(t)

	params, _ := json.Marshal(map[string]any{
		"activity":      "restaurants",
		"country_code":  "ES",
		"location_name": "Madrid",
		"num_bots":      1,
	})
	sendJSON(t, conn, map[string]any{
		"type":    "command",
		"command": "start_extraction",
		"params":  json.RawMessage(params),
	})

	frame := readUntil(t, conn, TypeCommandResult)
	assert.Equal(t, "start_extraction", frame["command"])
	require.Equal(t, true, frame["success"])

	result := frame["result"].(map[string]any)
	campaignID := result["campaign_id"].(string)
	assert.Equal(t, "IN_PROGRESS", result["status"])
	assert.Equal(t, float64(1), result["total_tasks"])

	waitDone(t, r.svc, campaignID)
}

func TestGateway_UnknownCommandFails(t *testing.T) {
	r := newRig(t)
	conn := r.dial(t)

	sendJSON(t, conn, map[string]any{"type": "command", "command": "self_destruct"})
	frame := readUntil(t, conn, TypeCommandResult)
	assert.Equal(t, false, frame["success"])
	assert.Contains(t, frame["error"], "self_destruct")
}

func TestGateway_QueryFallsBackToBoundCampaign(t *testing.T) {
	r := newRig(t)
	campaign := r.createCampaign(t)
	conn := r.dial(t)

	sendJSON(t, conn, map[string]any{"type": "subscribe", "campaign_id": campaign.ID})
	readUntil(t, conn, TypeStreamStarted)

	sendJSON(t, conn, map[string]any{"type": "query", "query": "get_status"})
	frame := readUntil(t, conn, TypeQueryResult)
	require.Equal(t, true, frame["success"])
	result := frame["result"].(map[string]any)
	assert.Equal(t, campaign.ID, result["campaign_id"])
	assert.Equal(t, "PENDING", result["status"])
}

func TestGateway_MalformedFrame(t *testing.T) {
	r := newRig(t)
	conn := r.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	frame := readUntil(t, conn, TypeError)
	assert.Contains(t, frame["message"], "malformed")

	// The session survives a bad frame.
	sendJSON(t, conn, map[string]any{"type": "query", "query": "get_bot_info"})
	frame = readUntil(t, conn, TypeQueryResult)
	require.Equal(t, true, frame["success"])
}

func TestGateway_AutoStartSubscribesAndStarts(t *testing.T) {
	r := newRig(t)
	conn := r.dial(t)

	params, _ := json.Marshal(map[string]any{
		"activity":      "restaurants",
		"country_code":  "ES",
		"location_name": "Madrid",
		"max_bots":      1,
	})
	sendJSON(t, conn, map[string]any{"type": "auto_start", "params": json.RawMessage(params)})

	started := readUntil(t, conn, TypeStreamStarted)
	campaignID := started["campaign_id"].(string)
	require.NotEmpty(t, campaignID)

	frame := readUntil(t, conn, TypeCommandResult)
	require.Equal(t, true, frame["success"])
	assert.Equal(t, campaignID, frame["result"].(map[string]any)["campaign_id"])

	waitDone(t, r.svc, campaignID)
}

func waitDone(t *testing.T, svc *campaigns.Service, campaignID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		status, err := svc.Status(context.Background(), campaignID)
		require.NoError(t, err)
		if !status.Running {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("campaign run did not finish in time")
}
