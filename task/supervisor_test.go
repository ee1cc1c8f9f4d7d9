package task

import (
	"fmt"
	"testing"
	"time"
)

func waitForState(t *testing.T, s *Supervisor, id string, want State) Status {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		status, ok := s.Status(id)
		if !ok {
			t.Fatalf("task %s disappeared", id)
		}
		if status.State == want {
			return status
		}
		time.Sleep(5 * time.Millisecond)
	}
	status, _ := s.Status(id)
	t.Fatalf("task %s never reached %s, last state %s", id, want, status.State)
	return Status{}
}

func TestSupervisorSuccess(t *testing.T) {
	s := NewSupervisor(0)
	defer s.Close()

	id := s.Submit(func(report func(string)) (string, int, error) {
		return "all done", 0, nil
	})

	status := waitForState(t, s, id, StateSucceeded)
	if status.Snapshot != "all done" {
		t.Errorf("got snapshot %q, want final result", status.Snapshot)
	}
	if status.ExitCode == nil || *status.ExitCode != 0 {
		t.Errorf("got exit code %v, want 0", status.ExitCode)
	}
}

func TestSupervisorFailure(t *testing.T) {
	s := NewSupervisor(0)
	defer s.Close()

	id := s.Submit(func(report func(string)) (string, int, error) {
		return "", 2, fmt.Errorf("it broke")
	})

	status := waitForState(t, s, id, StateFailed)
	if status.Snapshot != "it broke" {
		t.Errorf("got snapshot %q, want the error text", status.Snapshot)
	}
	if status.ExitCode == nil || *status.ExitCode != 2 {
		t.Errorf("got exit code %v, want 2", status.ExitCode)
	}
}

func TestSupervisorProgress(t *testing.T) {
	s := NewSupervisor(0)
	defer s.Close()

	release := make(chan struct{})
	id := s.Submit(func(report func(string)) (string, int, error) {
		report("halfway")
		<-release
		return "done", 0, nil
	})

	status := waitForState(t, s, id, StateProgress)
	if status.Snapshot != "halfway" {
		t.Errorf("got snapshot %q, want halfway", status.Snapshot)
	}
	if status.ExitCode != nil {
		t.Errorf("exit code must stay nil while running, got %v", *status.ExitCode)
	}

	close(release)
	waitForState(t, s, id, StateSucceeded)
}

func TestSupervisorMultiplePollers(t *testing.T) {
	s := NewSupervisor(0)
	defer s.Close()

	id := s.Submit(func(report func(string)) (string, int, error) {
		return "ok", 0, nil
	})
	waitForState(t, s, id, StateSucceeded)

	for i := 0; i < 5; i++ {
		status, ok := s.Status(id)
		if !ok || status.State != StateSucceeded {
			t.Fatalf("poll %d changed observed state: %v %v", i, ok, status.State)
		}
	}
}

func TestSupervisorUnknownHandle(t *testing.T) {
	s := NewSupervisor(0)
	defer s.Close()

	if _, ok := s.Status("nope"); ok {
		t.Error("unknown handle must not resolve")
	}
	if s.Purge("nope") {
		t.Error("purging an unknown handle must report false")
	}
}

func TestSupervisorPurge(t *testing.T) {
	s := NewSupervisor(0)
	defer s.Close()

	id := s.Submit(func(report func(string)) (string, int, error) {
		return "ok", 0, nil
	})
	waitForState(t, s, id, StateSucceeded)

	if !s.Purge(id) {
		t.Fatal("purge of a known handle must succeed")
	}
	if _, ok := s.Status(id); ok {
		t.Error("purged handle must be gone")
	}
}

func TestSupervisorHandlesAreUnique(t *testing.T) {
	s := NewSupervisor(0)
	defer s.Close()

	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id := s.Submit(func(report func(string)) (string, int, error) {
			return "", 0, nil
		})
		if seen[id] {
			t.Fatalf("duplicate handle %s", id)
		}
		seen[id] = true
	}
}
