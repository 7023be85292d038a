package domain

import "testing"

func TestEnrichmentTask_New(t *testing.T) {
	t.Parallel()

	et, err := NewEnrichmentTask("p1", "https://casabotin.es")
	if err != nil {
		t.Fatalf("NewEnrichmentTask: %v", err)
	}
	if et.Status != TaskPending {
		t.Errorf("status = %s, want PENDING", et.Status)
	}
	if et.Type != EnrichmentWebsite {
		t.Errorf("type = %s, want WEBSITE", et.Type)
	}
	if et.Title() != "Enrichment for place p1 via https://casabotin.es" {
		t.Errorf("Title() = %q", et.Title())
	}

	if _, err := NewEnrichmentTask("", "https://casabotin.es"); err == nil {
		t.Error("missing place should be rejected")
	}
	if _, err := NewEnrichmentTask("p1", ""); err == nil {
		t.Error("missing website should be rejected")
	}
}

func TestEnrichmentTask_StatusPath(t *testing.T) {
	t.Parallel()

	et, err := NewEnrichmentTask("p1", "https://casabotin.es")
	if err != nil {
		t.Fatalf("NewEnrichmentTask: %v", err)
	}
	if err := et.MarkCompleted(); err == nil {
		t.Fatal("completing a PENDING task should conflict")
	}
	if err := et.MarkInProgress(); err != nil {
		t.Fatalf("MarkInProgress: %v", err)
	}
	if et.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", et.Attempts)
	}
	if err := et.MarkInProgress(); err == nil {
		t.Fatal("claiming an IN_PROGRESS task should conflict")
	}
	if err := et.MarkCompleted(); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	if err := et.ResetPending(); err == nil {
		t.Fatal("resetting a COMPLETED task should conflict")
	}
}

func TestEnrichmentTask_FailedIsReclaimable(t *testing.T) {
	t.Parallel()

	et, _ := NewEnrichmentTask("p1", "https://casabotin.es")
	_ = et.MarkInProgress()
	if err := et.MarkFailed("website unreachable"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if et.LastError != "website unreachable" {
		t.Errorf("LastError = %q", et.LastError)
	}

	// A FAILED task can be claimed again directly, no reset step needed.
	if err := et.MarkInProgress(); err != nil {
		t.Fatalf("reclaiming a FAILED task: %v", err)
	}
	if et.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", et.Attempts)
	}
}

func TestEnrichmentTask_CanRetry(t *testing.T) {
	t.Parallel()

	et, _ := NewEnrichmentTask("p1", "https://casabotin.es")
	if !et.CanRetry(3) {
		t.Error("fresh task should have retry budget")
	}
	et.Attempts = 3
	if et.CanRetry(3) {
		t.Error("exhausted task should not retry")
	}
}
