package domain

import "time"

// TaskStatus enumerates the extraction task lifecycle.
type TaskStatus string

const (
	TaskPending    TaskStatus = "PENDING"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskCompleted  TaskStatus = "COMPLETED"
	TaskFailed     TaskStatus = "FAILED"
	TaskSkipped    TaskStatus = "SKIPPED"
)

// Terminal reports whether no further transition is legal for the status
// within a single run.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskSkipped
}

// Task is one unit of extraction: one city under one campaign. Its legal
// status path is PENDING -> IN_PROGRESS -> (COMPLETED | FAILED), with
// FAILED -> PENDING only on campaign resume.
type Task struct {
	ID          string     `json:"id"`
	CampaignID  string     `json:"campaign_id"`
	GeonameID   int        `json:"geoname_id"`
	GeonameName string     `json:"geoname_name"`
	SearchSeed  string     `json:"search_seed"`
	Status      TaskStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// NewTask builds a PENDING task for one geoname under a campaign.
func NewTask(campaignID, searchSeed string, geo Geoname) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:          NewID(),
		CampaignID:  campaignID,
		GeonameID:   geo.GeonameID,
		GeonameName: geo.Name,
		SearchSeed:  searchSeed,
		Status:      TaskPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Title is the human-readable "seed in city" label.
func (t *Task) Title() string {
	return t.SearchSeed + " " + t.GeonameName
}

// MarkInProgress claims the task for a worker and counts the attempt.
func (t *Task) MarkInProgress() error {
	if t.Status != TaskPending {
		return Conflictf("task %s is %s, expected PENDING", t.ID, t.Status)
	}
	now := time.Now().UTC()
	t.Status = TaskInProgress
	t.Attempts++
	t.StartedAt = &now
	t.touch()
	return nil
}

// MarkCompleted finishes the task successfully.
func (t *Task) MarkCompleted() error {
	if t.Status != TaskInProgress {
		return Conflictf("task %s is %s, expected IN_PROGRESS", t.ID, t.Status)
	}
	now := time.Now().UTC()
	t.Status = TaskCompleted
	t.CompletedAt = &now
	t.touch()
	return nil
}

// MarkFailed records a terminal failure with its last error.
func (t *Task) MarkFailed(msg string) error {
	if t.Status != TaskInProgress {
		return Conflictf("task %s is %s, expected IN_PROGRESS", t.ID, t.Status)
	}
	now := time.Now().UTC()
	t.Status = TaskFailed
	t.LastError = msg
	t.CompletedAt = &now
	t.touch()
	return nil
}

// ResetPending returns a non-completed task to PENDING. Used for re-enqueue
// after a transient failure and for reconciliation on resume.
func (t *Task) ResetPending() error {
	if t.Status == TaskCompleted {
		return Conflictf("cannot reset a completed task")
	}
	t.Status = TaskPending
	t.StartedAt = nil
	t.CompletedAt = nil
	t.touch()
	return nil
}

// CanRetry reports whether the task still has budget for another attempt.
func (t *Task) CanRetry(budget int) bool {
	return t.Attempts < budget
}

func (t *Task) touch() {
	t.UpdatedAt = time.Now().UTC()
}
