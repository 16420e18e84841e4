package event

import (
	"testing"
	"time"
)

func TestDebouncer(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	d := NewDebouncer(10 * time.Second)
	d.now = func() time.Time { return now }

	event1 := &Event{
		Provider:  "github",
		RepoOwner: "owner",
		RepoName:  "repo",
		Type:      TypeMRUpdated,
		MRNumber:  42,
	}

	if !d.ShouldProcess(event1) {
		t.Error("First event should be accepted")
	}
	if d.ShouldProcess(event1) {
		t.Error("Duplicate event should be debounced")
	}

	now = now.Add(11 * time.Second)
	if !d.ShouldProcess(event1) {
		t.Error("Event after debounce window should be accepted")
	}
}

func TestDebouncer_DifferentEvents(t *testing.T) {
	d := NewDebouncer(time.Minute)

	event1 := &Event{Provider: "github", RepoOwner: "owner", RepoName: "repo", Type: TypeMRUpdated, MRNumber: 42}
	event2 := &Event{Provider: "github", RepoOwner: "owner", RepoName: "repo", Type: TypeMRUpdated, MRNumber: 43}

	if !d.ShouldProcess(event1) {
		t.Error("Event 1 should be accepted")
	}
	if !d.ShouldProcess(event2) {
		t.Error("Event 2 should be accepted (different MR)")
	}
}

func TestDebouncer_Cleanup(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	d := NewDebouncer(10 * time.Second)
	d.now = func() time.Time { return now }

	d.ShouldProcess(&Event{Provider: "gitlab", Type: TypeMRUpdated, MRNumber: 1})
	now = now.Add(5 * time.Second)
	d.ShouldProcess(&Event{Provider: "gitlab", Type: TypeMRUpdated, MRNumber: 2})

	now = now.Add(16 * time.Second)
	d.Cleanup()

	if got := d.Len(); got != 1 {
		t.Errorf("Len() = %d after cleanup, want 1", got)
	}
}

func TestEvent_Key(t *testing.T) {
	mr := &Event{Provider: "gitlab", RepoOwner: "acme", RepoName: "api", Type: TypeApproved, MRNumber: 7}
	if got, want := mr.Key(), "gitlab/acme/api/approved/7"; got != want {
		t.Errorf("Key() = %q, want %q", got, want)
	}

	p := &Event{Provider: "gitlab", RepoOwner: "acme", RepoName: "api", Type: TypePipeline,
		Pipeline: &PipelineInfo{ID: 99, Status: "running"}}
	if got, want := p.Key(), "gitlab/acme/api/pipeline/99/running"; got != want {
		t.Errorf("Key() = %q, want %q", got, want)
	}
}
