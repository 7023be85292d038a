// Wire mapping between domain events and the JSON protocol. One explicit
// mapper per event variant: screenshots as base64, timestamps in a fixed
// ISO format, enums as their string names.
package gateway

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"mapharvest/internal/events"
)

// WireTime is the timestamp layout of every outbound message.
const WireTime = "2006-01-02T15:04:05.000000Z"

// Message type discriminators.
const (
	TypeCommand       = "command"
	TypeQuery         = "query"
	TypeSubscribe     = "subscribe"
	TypeAutoStart     = "auto_start"
	TypeCommandResult = "command_result"
	TypeQueryResult   = "query_result"
	TypeStreamStarted = "stream_started"
	TypeBotStatus     = "bot_status"
	TypeBotSnapshot   = "bot_snapshot"
	TypeBotError      = "bot_error"
	TypeError         = "error"
)

// envelope is the inbound frame. Params stays raw until the handler knows
// its shape.
type envelope struct {
	Type       string          `json:"type"`
	Command    string          `json:"command,omitempty"`
	Query      string          `json:"query,omitempty"`
	CampaignID string          `json:"campaign_id,omitempty"`
	Params     json.RawMessage `json:"params,omitempty"`
}

type outMessage struct {
	Type       string `json:"type"`
	Event      string `json:"event,omitempty"`
	CampaignID string `json:"campaign_id,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`
	Data       any    `json:"data,omitempty"`

	// command_result / query_result fields
	Command string `json:"command,omitempty"`
	Query   string `json:"query,omitempty"`
	Success *bool  `json:"success,omitempty"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`

	// error frames
	Message string `json:"message,omitempty"`
}

func wireTimestamp(t time.Time) string {
	return t.UTC().Format(WireTime)
}

type snapshotData struct {
	BotID      string `json:"bot_id"`
	TaskID     string `json:"task_id"`
	Status     string `json:"status"`
	Screenshot string `json:"screenshot"`
	CurrentURL string `json:"current_url"`
}

type botErrorData struct {
	BotID string `json:"bot_id"`
	Error string `json:"error"`
}

// eventToWire maps one domain event to its outbound frame.
func eventToWire(ev events.Event) outMessage {
	msg := outMessage{
		CampaignID: ev.Campaign(),
		Timestamp:  wireTimestamp(ev.OccurredAt()),
	}
	switch e := ev.(type) {
	case events.BotSnapshotCaptured:
		msg.Type = TypeBotSnapshot
		msg.Event = string(e.Kind())
		msg.Data = snapshotData{
			BotID:      e.BotID,
			TaskID:     e.TaskID,
			Status:     e.Status,
			Screenshot: base64.StdEncoding.EncodeToString(e.Screenshot),
			CurrentURL: e.CurrentURL,
		}
	case events.BotError:
		msg.Type = TypeBotError
		msg.Event = string(e.Kind())
		msg.Data = botErrorData{BotID: e.BotID, Error: e.Error}
	case events.TaskCompleted:
		msg.Type = TypeBotStatus
		msg.Event = string(e.Kind())
		msg.Data = map[string]any{
			"task_id":          e.TaskID,
			"places_extracted": e.PlacesExtracted,
			"duration_seconds": e.Duration.Seconds(),
		}
	default:
		// The remaining variants are plain JSON structs already shaped for
		// the wire.
		msg.Type = TypeBotStatus
		msg.Event = string(ev.Kind())
		msg.Data = ev
	}
	return msg
}

func commandResult(command string, result any, err error) outMessage {
	success := err == nil
	msg := outMessage{
		Type:    TypeCommandResult,
		Command: command,
		Success: &success,
		Result:  result,
	}
	if err != nil {
		msg.Error = err.Error()
	}
	return msg
}

func queryResult(query string, result any, err error) outMessage {
	success := err == nil
	msg := outMessage{
		Type:    TypeQueryResult,
		Query:   query,
		Success: &success,
		Result:  result,
	}
	if err != nil {
		msg.Error = err.Error()
	}
	return msg
}

func errorFrame(message string) outMessage {
	return outMessage{Type: TypeError, Message: message}
}

func streamStarted(campaignID string) outMessage {
	return outMessage{
		Type:       TypeStreamStarted,
		CampaignID: campaignID,
		Timestamp:  wireTimestamp(time.Now()),
	}
}
