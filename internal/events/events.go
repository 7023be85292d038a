// Package events defines the closed set of domain event variants and the
// process-wide bus that carries them. Events reference aggregates by id
// only; entities never hold the bus.
package events

import "time"

// Kind discriminates event variants.
type Kind string

const (
	KindBotInitialized     Kind = "bot_initialized"
	KindBotTaskAssigned    Kind = "bot_task_assigned"
	KindBotSnapshotCapture Kind = "bot_snapshot_captured"
	KindBotTaskCompleted   Kind = "bot_task_completed"
	KindBotError           Kind = "bot_error"
	KindBotClosed          Kind = "bot_closed"
	KindTaskStarted        Kind = "task_started"
	KindPlaceExtracted     Kind = "place_extracted"
	KindTaskCompleted      Kind = "task_completed"
	KindTaskFailed         Kind = "task_failed"
)

// Event is implemented by every variant.
type Event interface {
	Kind() Kind
	Campaign() string
	OccurredAt() time.Time
}

// The occurrence time is deliberately excluded from serialization: the
// wire envelope carries the timestamp in its own fixed layout.
type base struct {
	CampaignID string    `json:"campaign_id"`
	At         time.Time `json:"-"`
}

func (b base) Campaign() string      { return b.CampaignID }
func (b base) OccurredAt() time.Time { return b.At }

func newBase(campaignID string) base {
	return base{CampaignID: campaignID, At: time.Now().UTC()}
}

// BotInitialized: a pool bot opened its browser session and is ready.
type BotInitialized struct {
	base
	BotID string `json:"bot_id"`
}

// BotTaskAssigned: a bot picked up a task.
type BotTaskAssigned struct {
	base
	BotID  string `json:"bot_id"`
	TaskID string `json:"task_id"`
}

// BotSnapshotCaptured: the periodic screenshot of a working bot. Screenshot
// is raw PNG bytes; encoding is a wire concern.
type BotSnapshotCaptured struct {
	base
	BotID      string `json:"bot_id"`
	TaskID     string `json:"task_id"`
	Status     string `json:"status"`
	Screenshot []byte `json:"-"`
	CurrentURL string `json:"current_url"`
}

// BotTaskCompleted: the bot finished its work on a task and returned to the
// pool. The task's own outcome is reported by TaskCompleted/TaskFailed.
type BotTaskCompleted struct {
	base
	BotID  string `json:"bot_id"`
	TaskID string `json:"task_id"`
}

// BotError: a bot hit a driver error.
type BotError struct {
	base
	BotID string `json:"bot_id"`
	Error string `json:"error"`
}

// BotClosed: a bot's session was closed during drain or replacement.
type BotClosed struct {
	base
	BotID string `json:"bot_id"`
}

// TaskStarted: a task transitioned to IN_PROGRESS.
type TaskStarted struct {
	base
	TaskID     string `json:"task_id"`
	SearchSeed string `json:"search_seed"`
	Location   string `json:"location"`
}

// PlaceExtracted: one unique place was persisted for a task.
type PlaceExtracted struct {
	base
	TaskID  string `json:"task_id"`
	PlaceID string `json:"place_id"`
	Name    string `json:"name"`
}

// TaskCompleted: a task finished successfully.
type TaskCompleted struct {
	base
	TaskID          string        `json:"task_id"`
	PlacesExtracted int           `json:"places_extracted"`
	Duration        time.Duration `json:"duration"`
}

// TaskFailed: a task failed after retry exhaustion or permanently.
type TaskFailed struct {
	base
	TaskID string `json:"task_id"`
	Error  string `json:"error"`
}

func (BotInitialized) Kind() Kind      { return KindBotInitialized }
func (BotTaskAssigned) Kind() Kind     { return KindBotTaskAssigned }
func (BotSnapshotCaptured) Kind() Kind { return KindBotSnapshotCapture }
func (BotTaskCompleted) Kind() Kind    { return KindBotTaskCompleted }
func (BotError) Kind() Kind            { return KindBotError }
func (BotClosed) Kind() Kind           { return KindBotClosed }
func (TaskStarted) Kind() Kind         { return KindTaskStarted }
func (PlaceExtracted) Kind() Kind      { return KindPlaceExtracted }
func (TaskCompleted) Kind() Kind       { return KindTaskCompleted }
func (TaskFailed) Kind() Kind          { return KindTaskFailed }

// NewBotInitialized and friends stamp the occurrence time.
func NewBotInitialized(campaignID, botID string) BotInitialized {
	return BotInitialized{base: newBase(campaignID), BotID: botID}
}

func NewBotTaskAssigned(campaignID, botID, taskID string) BotTaskAssigned {
	return BotTaskAssigned{base: newBase(campaignID), BotID: botID, TaskID: taskID}
}

func NewBotSnapshotCaptured(campaignID, botID, taskID, status string, png []byte, url string) BotSnapshotCaptured {
	return BotSnapshotCaptured{
		base: newBase(campaignID), BotID: botID, TaskID: taskID,
		Status: status, Screenshot: png, CurrentURL: url,
	}
}

func NewBotTaskCompleted(campaignID, botID, taskID string) BotTaskCompleted {
	return BotTaskCompleted{base: newBase(campaignID), BotID: botID, TaskID: taskID}
}

func NewBotError(campaignID, botID, msg string) BotError {
	return BotError{base: newBase(campaignID), BotID: botID, Error: msg}
}

func NewBotClosed(campaignID, botID string) BotClosed {
	return BotClosed{base: newBase(campaignID), BotID: botID}
}

func NewTaskStarted(campaignID, taskID, seed, location string) TaskStarted {
	return TaskStarted{base: newBase(campaignID), TaskID: taskID, SearchSeed: seed, Location: location}
}

func NewPlaceExtracted(campaignID, taskID, placeID, name string) PlaceExtracted {
	return PlaceExtracted{base: newBase(campaignID), TaskID: taskID, PlaceID: placeID, Name: name}
}

func NewTaskCompleted(campaignID, taskID string, places int, d time.Duration) TaskCompleted {
	return TaskCompleted{base: newBase(campaignID), TaskID: taskID, PlacesExtracted: places, Duration: d}
}

func NewTaskFailed(campaignID, taskID, msg string) TaskFailed {
	return TaskFailed{base: newBase(campaignID), TaskID: taskID, Error: msg}
}
