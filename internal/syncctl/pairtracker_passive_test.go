package syncctl

import (
	"testing"
	"time"
)

func TestTryStartPassiveRefusesWhenActiveRunning(t *testing.T) {
	tr := NewPairTracker()
	if !tr.TryStart(1) {
		t.Fatal("expected active TryStart to succeed")
	}
	if _, ok := tr.TryStartPassive(1, time.Now()); ok {
		t.Fatal("a passive start must not supersede an active sync already running on the slot")
	}
	running, passive := tr.State(1)
	if !running || passive {
		t.Fatalf("State() = (%v, %v), want (true, false)", running, passive)
	}
}

func TestTryStartPassiveSupersedesIdlePassiveSession(t *testing.T) {
	tr := NewPairTracker()
	now := time.Now()
	first, ok := tr.TryStartPassive(1, now)
	if !ok {
		t.Fatal("expected first passive start to succeed")
	}
	second, ok := tr.TryStartPassive(1, now.Add(time.Second))
	if !ok {
		t.Fatal("an idle (no in-flight commands) passive session must be supersedable by a retry")
	}
	if second == first {
		t.Fatal("a superseding passive start must get a fresh syncID")
	}
}

func TestTryStartPassiveRefusesWhileCommandInFlight(t *testing.T) {
	tr := NewPairTracker()
	now := time.Now()
	id, ok := tr.TryStartPassive(1, now)
	if !ok {
		t.Fatal("expected first passive start to succeed")
	}
	if !tr.ContinueCommand(1, id, now) {
		t.Fatal("expected ContinueCommand to accept the just-started session")
	}
	if _, ok := tr.TryStartPassive(1, now); ok {
		t.Fatal("a passive session with an in-flight command must not be superseded")
	}
	tr.CommandFinished(1, id)
	if _, ok := tr.TryStartPassive(1, now); !ok {
		t.Fatal("once the in-flight command finishes the idle session should be supersedable again")
	}
}

func TestFinishPassiveFreesSlotForActiveStart(t *testing.T) {
	tr := NewPairTracker()
	id, ok := tr.TryStartPassive(2, time.Now())
	if !ok {
		t.Fatal("expected passive start to succeed")
	}
	if tr.TryStart(2) {
		t.Fatal("active TryStart must not preempt a running passive session")
	}
	tr.FinishPassive(2, id)
	if !tr.TryStart(2) {
		t.Fatal("expected active TryStart to succeed once the passive session ended")
	}
}

func TestFinishPassiveIgnoresStaleSyncID(t *testing.T) {
	tr := NewPairTracker()
	id, _ := tr.TryStartPassive(3, time.Now())
	tr.FinishPassive(3, id+1)
	if running, _ := tr.State(3); !running {
		t.Fatal("FinishPassive with a mismatched syncID must not end the real session")
	}
}

func TestSweepStalePassiveStopsOnlyIdleExpiredSessions(t *testing.T) {
	tr := NewPairTracker()
	start := time.Now()
	id, _ := tr.TryStartPassive(1, start)
	tr.ContinueCommand(1, id, start)
	tr.TryStartPassive(2, start)

	stopped := tr.SweepStalePassive(start.Add(time.Minute), 30*time.Second)
	if len(stopped) != 1 || stopped[0] != 2 {
		t.Fatalf("stopped = %v, want [2] (slot 1 has an in-flight command and must survive)", stopped)
	}
	if running, _ := tr.State(2); running {
		t.Fatal("slot 2's stale passive session should have been force-stopped")
	}
	if running, _ := tr.State(1); !running {
		t.Fatal("slot 1's session has an in-flight command and must still be running")
	}
}

func TestSweepStalePassiveLeavesFreshSessionsAlone(t *testing.T) {
	tr := NewPairTracker()
	now := time.Now()
	tr.TryStartPassive(1, now)
	stopped := tr.SweepStalePassive(now.Add(time.Second), 30*time.Second)
	if len(stopped) != 0 {
		t.Fatalf("stopped = %v, want none (session is well within the timeout)", stopped)
	}
}
