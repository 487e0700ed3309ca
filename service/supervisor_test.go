package service

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

// writeStubSv writes a tiny shell script standing in for the real sv
// binary: it ignores its arguments and exits with the given code.
func writeStubSv(t *testing.T, exitCode int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sv")
	script := "#!/bin/sh\nexit " + strconv.Itoa(exitCode) + "\n"
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("write stub sv: %v", err)
	}
	return path
}

func TestStartSuccess(t *testing.T) {
	sv := New(writeStubSv(t, 0))
	if err := sv.Start("lnd"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := sv.Status("lnd"); got != StatusStarted {
		t.Errorf("Status = %v, want %v", got, StatusStarted)
	}
}

func TestStopWaitFailureRecordsLastStopError(t *testing.T) {
	sv := New(writeStubSv(t, 1))
	err := sv.StopWait("bitcoind", 1)
	if err == nil {
		t.Fatalf("expected an error from a failing stop")
	}
	if got := sv.LastStopError("bitcoind"); got == nil {
		t.Errorf("LastStopError = nil, want non-nil after a failing stop")
	}
	if got := sv.Status("bitcoind"); got != StatusStopping {
		t.Errorf("Status after failed stop = %v, want %v", got, StatusStopping)
	}
}

func TestWaitBriefly(t *testing.T) {
	calls := 0
	ok := WaitBriefly(200*time.Millisecond, 5*time.Millisecond, func() bool {
		calls++
		return calls >= 3
	})
	if !ok {
		t.Errorf("WaitBriefly = false, want true")
	}
	if calls < 3 {
		t.Errorf("calls = %d, want >= 3", calls)
	}
}

func TestWaitBrieflyTimesOut(t *testing.T) {
	ok := WaitBriefly(20*time.Millisecond, 5*time.Millisecond, func() bool { return false })
	if ok {
		t.Errorf("WaitBriefly = true, want false (poll never succeeds)")
	}
}
