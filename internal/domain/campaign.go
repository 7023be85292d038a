package domain

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// CampaignStatus enumerates the campaign lifecycle.
type CampaignStatus string

const (
	CampaignPending    CampaignStatus = "PENDING"
	CampaignInProgress CampaignStatus = "IN_PROGRESS"
	CampaignCompleted  CampaignStatus = "COMPLETED"
	CampaignFailed     CampaignStatus = "FAILED"
	CampaignArchived   CampaignStatus = "ARCHIVED"
)

// CampaignSpec is the validated input for creating a campaign.
type CampaignSpec struct {
	Activity      string  `json:"activity"`
	CountryCode   string  `json:"country_code"`
	Admin1Code    string  `json:"admin1_code,omitempty"`
	Admin2Code    string  `json:"admin2_code,omitempty"`
	CityGeonameID int     `json:"city_geoname_id,omitempty"`
	LocationName  string  `json:"location_name"`
	ISOLanguage   string  `json:"iso_language,omitempty"`
	Locale        string  `json:"locale,omitempty"`
	MaxResults    int     `json:"max_results,omitempty"`
	MinRating     float64 `json:"min_rating,omitempty"`
	MinPopulation int     `json:"min_population,omitempty"`
	MaxBots       int     `json:"max_bots,omitempty"`
}

// Defaults applied during Normalize.
const (
	DefaultMaxBots       = 3
	DefaultMaxResults    = 20
	DefaultMinPopulation = 15000
	DefaultLocale        = "en-US"
)

// Normalize fills spec defaults in place.
func (s *CampaignSpec) Normalize() {
	if s.MaxBots == 0 {
		s.MaxBots = DefaultMaxBots
	}
	if s.MaxResults == 0 {
		s.MaxResults = DefaultMaxResults
	}
	if s.MinPopulation == 0 {
		s.MinPopulation = DefaultMinPopulation
	}
	if s.Locale == "" {
		s.Locale = DefaultLocale
	}
	if s.ISOLanguage == "" {
		s.ISOLanguage = strings.SplitN(s.Locale, "-", 2)[0]
	}
}

// Validate rejects malformed specs. MaxBots must be positive: a zero-bot
// campaign can never make progress.
func (s *CampaignSpec) Validate() error {
	if strings.TrimSpace(s.Activity) == "" {
		return Invalidf("activity is required")
	}
	if len(s.CountryCode) != 2 {
		return Invalidf("country_code must be an ISO-3166 alpha-2 code")
	}
	if s.MaxBots <= 0 {
		return Invalidf("max_bots must be positive")
	}
	if s.MaxResults < 0 {
		return Invalidf("max_results must not be negative")
	}
	if s.MinRating < 0 || s.MinRating > 5 {
		return Invalidf("min_rating must be between 0 and 5")
	}
	if s.MinPopulation < 0 {
		return Invalidf("min_population must not be negative")
	}
	return nil
}

// Campaign is the aggregate root of one extraction job.
type Campaign struct {
	ID             string         `json:"id"`
	Title          string         `json:"title"`
	Status         CampaignStatus `json:"status"`
	Spec           CampaignSpec   `json:"spec"`
	TotalTasks     int            `json:"total_tasks"`
	CompletedTasks int            `json:"completed_tasks"`
	FailedTasks    int            `json:"failed_tasks"`
	CreatedAt      time.Time      `json:"created_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// NewCampaign builds a PENDING campaign, generating the title from the
// activity and the location snapshot when none is given.
func NewCampaign(title string, spec CampaignSpec) *Campaign {
	now := time.Now().UTC()
	if title == "" {
		title = strings.TrimSpace(fmt.Sprintf("%s %s %s",
			titleCase(spec.Activity), spec.LocationName, now.Format("2006-01-02 15:04:05")))
	}
	return &Campaign{
		ID:        NewID(),
		Title:     title,
		Status:    CampaignPending,
		Spec:      spec,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Progress is completed/total in [0,1].
func (c *Campaign) Progress() float64 {
	if c.TotalTasks == 0 {
		return 0
	}
	return float64(c.CompletedTasks) / float64(c.TotalTasks)
}

// CanStart reports whether the campaign may transition to IN_PROGRESS.
func (c *Campaign) CanStart() bool {
	return c.Status == CampaignPending && c.TotalTasks > 0
}

// MarkInProgress starts the run.
func (c *Campaign) MarkInProgress() error {
	switch c.Status {
	case CampaignCompleted, CampaignFailed, CampaignArchived:
		return Conflictf("cannot start a %s campaign", c.Status)
	case CampaignInProgress:
		return Conflictf("campaign %s is already running", c.ID)
	}
	now := time.Now().UTC()
	c.Status = CampaignInProgress
	c.StartedAt = &now
	c.touch()
	return nil
}

// MarkCompleted finishes a run in which every task ended COMPLETED or SKIPPED.
func (c *Campaign) MarkCompleted() error {
	if c.Status != CampaignInProgress {
		return Conflictf("cannot complete campaign in %s state", c.Status)
	}
	now := time.Now().UTC()
	c.Status = CampaignCompleted
	c.CompletedAt = &now
	c.touch()
	return nil
}

// MarkFailed finishes a run with at least one exhausted task.
func (c *Campaign) MarkFailed() error {
	if c.Status == CampaignCompleted || c.Status == CampaignArchived {
		return Conflictf("cannot fail a %s campaign", c.Status)
	}
	now := time.Now().UTC()
	c.Status = CampaignFailed
	c.CompletedAt = &now
	c.touch()
	return nil
}

// ResetForResume returns a FAILED or interrupted campaign to PENDING so a
// new run can claim the remaining tasks. Completed work is kept.
func (c *Campaign) ResetForResume() error {
	if c.Status != CampaignFailed && c.Status != CampaignInProgress {
		return Conflictf("cannot resume campaign in %s state", c.Status)
	}
	c.Status = CampaignPending
	c.FailedTasks = 0
	c.CompletedAt = nil
	c.touch()
	return nil
}

// MarkArchived soft-removes a finished campaign. Archiving an already
// archived campaign is a no-op.
func (c *Campaign) MarkArchived() error {
	if c.Status == CampaignArchived {
		return nil
	}
	if c.Status != CampaignCompleted && c.Status != CampaignFailed {
		return Conflictf("cannot archive campaign in %s state", c.Status)
	}
	c.Status = CampaignArchived
	c.touch()
	return nil
}

// TaskCompleted increments the completed counter.
func (c *Campaign) TaskCompleted() {
	c.CompletedTasks++
	c.touch()
}

// TaskFailed increments the failed counter.
func (c *Campaign) TaskFailed() {
	c.FailedTasks++
	c.touch()
}

func (c *Campaign) touch() {
	c.UpdatedAt = time.Now().UTC()
}

func titleCase(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}
