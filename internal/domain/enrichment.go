package domain

import "time"

// EnrichmentType names the source a place enrichment draws from.
type EnrichmentType string

const (
	EnrichmentWebsite EnrichmentType = "WEBSITE"
	EnrichmentGBP     EnrichmentType = "GBP"
	EnrichmentSocial  EnrichmentType = "SOCIAL"
)

// EnrichmentTask is a unit of follow-up work: visit an extracted place's
// website and fill in the details the Maps listing does not carry. Unlike
// extraction tasks, enrichment tasks are global. They are not tied to a
// campaign and survive its archival, the same way places do.
type EnrichmentTask struct {
	ID          string         `json:"id"`
	PlaceID     string         `json:"place_id"`
	WebsiteURL  string         `json:"website_url"`
	Type        EnrichmentType `json:"type"`
	Status      TaskStatus     `json:"status"`
	Attempts    int            `json:"attempts"`
	LastError   string         `json:"last_error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// NewEnrichmentTask builds a PENDING website enrichment task for a place.
func NewEnrichmentTask(placeID, websiteURL string) (*EnrichmentTask, error) {
	if placeID == "" {
		return nil, Invalidf("enrichment task needs a place")
	}
	if websiteURL == "" {
		return nil, Invalidf("enrichment task needs a website")
	}
	now := time.Now().UTC()
	return &EnrichmentTask{
		ID:         NewID(),
		PlaceID:    placeID,
		WebsiteURL: websiteURL,
		Type:       EnrichmentWebsite,
		Status:     TaskPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}, nil
}

// Title is the human-readable label for logs and listings.
func (t *EnrichmentTask) Title() string {
	return "Enrichment for place " + t.PlaceID + " via " + t.WebsiteURL
}

// MarkInProgress claims the task for a worker and counts the attempt. Claims
// are legal from PENDING and from FAILED, so exhausted tasks can be swept up
// again without an explicit reset.
func (t *EnrichmentTask) MarkInProgress() error {
	if t.Status != TaskPending && t.Status != TaskFailed {
		return Conflictf("enrichment task %s is %s, expected PENDING or FAILED", t.ID, t.Status)
	}
	now := time.Now().UTC()
	t.Status = TaskInProgress
	t.Attempts++
	t.StartedAt = &now
	t.touch()
	return nil
}

// MarkCompleted finishes the task successfully.
func (t *EnrichmentTask) MarkCompleted() error {
	if t.Status != TaskInProgress {
		return Conflictf("enrichment task %s is %s, expected IN_PROGRESS", t.ID, t.Status)
	}
	now := time.Now().UTC()
	t.Status = TaskCompleted
	t.CompletedAt = &now
	t.touch()
	return nil
}

// MarkFailed records the failure. A failed enrichment task stays claimable
// until its attempt budget is spent.
func (t *EnrichmentTask) MarkFailed(msg string) error {
	if t.Status != TaskInProgress {
		return Conflictf("enrichment task %s is %s, expected IN_PROGRESS", t.ID, t.Status)
	}
	now := time.Now().UTC()
	t.Status = TaskFailed
	t.LastError = msg
	t.CompletedAt = &now
	t.touch()
	return nil
}

// ResetPending returns the task to PENDING. Completed work is never redone.
func (t *EnrichmentTask) ResetPending() error {
	if t.Status == TaskCompleted {
		return Conflictf("cannot reset a completed enrichment task")
	}
	t.Status = TaskPending
	t.StartedAt = nil
	t.CompletedAt = nil
	t.touch()
	return nil
}

// CanRetry reports whether the task still has budget for another attempt.
func (t *EnrichmentTask) CanRetry(budget int) bool {
	return t.Attempts < budget
}

func (t *EnrichmentTask) touch() {
	t.UpdatedAt = time.Now().UTC()
}
