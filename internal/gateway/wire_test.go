package gateway

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mapharvest/internal/domain"
	"mapharvest/internal/events"
)

func TestEventToWire_Snapshot(t *testing.T) {
	ev := events.NewBotSnapshotCaptured("c1", "b1", "t1", "WORKING",
		[]byte{0x89, 'P', 'N', 'G'}, "https://www.google.com/maps/search/x")

	msg := eventToWire(ev)
	assert.Equal(t, TypeBotSnapshot, msg.Type)
	assert.Equal(t, "bot_snapshot_captured", msg.Event)
	assert.Equal(t, "c1", msg.CampaignID)

	data, ok := msg.Data.(snapshotData)
	require.True(t, ok)
	assert.Equal(t, "b1", data.BotID)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{0x89, 'P', 'N', 'G'}), data.Screenshot)
	assert.Equal(t, "https://www.google.com/maps/search/x", data.CurrentURL)

	at, err := time.Parse(WireTime, msg.Timestamp)
	require.NoError(t, err, "timestamp must use the fixed wire layout")
	assert.WithinDuration(t, time.Now().UTC(), at, time.Minute)
}

func TestEventToWire_TaskCompletedDuration(t *testing.T) {
	ev := events.NewTaskCompleted("c1", "t1", 12, 1500*time.Millisecond)

	msg := eventToWire(ev)
	assert.Equal(t, TypeBotStatus, msg.Type)
	assert.Equal(t, "task_completed", msg.Event)

	data, ok := msg.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 12, data["places_extracted"])
	assert.Equal(t, 1.5, data["duration_seconds"])
}

func TestEventToWire_BotError(t *testing.T) {
	msg := eventToWire(events.NewBotError("c1", "b1", "session crashed"))
	assert.Equal(t, TypeBotError, msg.Type)
	data, ok := msg.Data.(botErrorData)
	require.True(t, ok)
	assert.Equal(t, "session crashed", data.Error)
}

func TestEventToWire_DefaultVariantCarriesEvent(t *testing.T) {
	ev := events.NewPlaceExtracted("c1", "t1", "p1", "Casa Botín")
	msg := eventToWire(ev)
	assert.Equal(t, TypeBotStatus, msg.Type)
	assert.Equal(t, "place_extracted", msg.Event)

	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	data := decoded["data"].(map[string]any)
	assert.Equal(t, "Casa Botín", data["name"])

	// The envelope timestamp is the only time on the wire, in the fixed
	// layout; the event payload must not leak a second encoding.
	assert.NotContains(t, data, "occurred_at")
	_, err = time.Parse(WireTime, decoded["timestamp"].(string))
	assert.NoError(t, err)
}

func TestCommandResult(t *testing.T) {
	ok := commandResult("start_extraction", map[string]any{"campaign_id": "c1"}, nil)
	require.NotNil(t, ok.Success)
	assert.True(t, *ok.Success)
	assert.Empty(t, ok.Error)

	failed := commandResult("start_extraction", nil, errors.New("boom"))
	require.NotNil(t, failed.Success)
	assert.False(t, *failed.Success)
	assert.Equal(t, "boom", failed.Error)
}

func TestStartExtractionParams_BotCountAliases(t *testing.T) {
	tests := []struct {
		name   string
		params startExtractionParams
		want   int
	}{
		{"max_bots wins", startExtractionParams{MaxBots: 3, NumBots: 5, ExtractionBots: 7}, 3},
		{"num_bots fallback", startExtractionParams{NumBots: 5, ExtractionBots: 7}, 5},
		{"extraction_bots fallback", startExtractionParams{ExtractionBots: 7}, 7},
		{"unset stays zero for normalization", startExtractionParams{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.params.spec().MaxBots)
		})
	}
}

func TestUnmarshalParams(t *testing.T) {
	var p campaignIDParams
	require.NoError(t, unmarshalParams(nil, &p), "absent params are fine")

	err := unmarshalParams([]byte(`{"campaign_id": 42}`), &p)
	var pe *domain.ProtocolError
	require.ErrorAs(t, err, &pe)
}
