package domain

import "testing"

func testGeoname() Geoname {
	return Geoname{GeonameID: 3117735, Name: "Madrid", CountryCode: "ES", Population: 3255944}
}

func TestTask_StatusPath(t *testing.T) {
	t.Parallel()

	task := NewTask("c1", "restaurants", testGeoname())
	if task.Status != TaskPending {
		t.Fatalf("new task status = %s", task.Status)
	}

	if err := task.MarkCompleted(); err == nil {
		t.Fatal("completing a PENDING task should conflict")
	}
	if err := task.MarkInProgress(); err != nil {
		t.Fatalf("MarkInProgress: %v", err)
	}
	if task.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", task.Attempts)
	}
	if err := task.MarkInProgress(); err == nil {
		t.Fatal("claiming an IN_PROGRESS task should conflict")
	}
	if err := task.MarkCompleted(); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	if !task.Status.Terminal() {
		t.Error("COMPLETED should be terminal")
	}
}

func TestTask_FailAndReset(t *testing.T) {
	t.Parallel()

	task := NewTask("c1", "restaurants", testGeoname())
	_ = task.MarkInProgress()
	if err := task.MarkFailed("navigation timeout"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if task.LastError != "navigation timeout" {
		t.Errorf("LastError = %q", task.LastError)
	}

	if err := task.ResetPending(); err != nil {
		t.Fatalf("ResetPending: %v", err)
	}
	if task.Status != TaskPending {
		t.Errorf("status = %s, want PENDING", task.Status)
	}
	if task.Attempts != 1 {
		t.Errorf("attempts = %d, reset must preserve the count", task.Attempts)
	}
	if task.StartedAt != nil || task.CompletedAt != nil {
		t.Error("reset should clear the run timestamps")
	}
}

func TestTask_ResetCompletedRejected(t *testing.T) {
	t.Parallel()

	task := NewTask("c1", "restaurants", testGeoname())
	_ = task.MarkInProgress()
	_ = task.MarkCompleted()
	if err := task.ResetPending(); err == nil {
		t.Fatal("resetting a COMPLETED task should conflict")
	}
}

func TestTask_CanRetry(t *testing.T) {
	t.Parallel()

	task := NewTask("c1", "restaurants", testGeoname())
	if !task.CanRetry(2) {
		t.Error("fresh task should have retry budget")
	}
	task.Attempts = 2
	if task.CanRetry(2) {
		t.Error("exhausted task should not retry")
	}
}

func TestTask_Title(t *testing.T) {
	t.Parallel()

	task := NewTask("c1", "restaurants", testGeoname())
	if task.Title() != "restaurants Madrid" {
		t.Errorf("Title() = %q", task.Title())
	}
}
