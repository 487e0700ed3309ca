// Package service wraps the `sv` process-supervisor binary (part of
// runit) the way the daemon's predecessor wrapped lnd's own process
// lifecycle in core/conduit.go: spawn, capture output, wait, and
// interpret the exit status, generalized here from "launch and stream a
// log" to "start/stop/stopWait a named supervised service and remember
// its last-known status."
package service

import (
	"bytes"
	"fmt"
	"os/exec"
	"strconv"
	"sync"
	"time"

	ndgerrors "github.com/nakamochi/ndg/errors"
)

// Status mirrors core.ServiceStatus; duplicated here (rather than
// importing core) to keep this package leaf-level and reusable
// independent of the daemon's state machine.
type Status string

const (
	StatusInitial  Status = "initial"
	StatusStarted  Status = "started"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
)

type serviceState struct {
	mu            sync.Mutex
	status        Status
	lastStopError error
}

// Supervisor tracks per-service status for every service name it has been
// asked to start or stop, guarded by a per-service mutex so status
// updates for different services never block one another.
type Supervisor struct {
	svPath string

	mu       sync.Mutex
	services map[string]*serviceState
}

// New creates a Supervisor that shells out to the sv binary found on PATH
// (or at svPath, if non-empty — tests point this at a stub script).
func New(svPath string) *Supervisor {
	if svPath == "" {
		svPath = "sv"
	}
	return &Supervisor{svPath: svPath, services: make(map[string]*serviceState)}
}

func (s *Supervisor) stateFor(name string) *serviceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.services[name]
	if !ok {
		st = &serviceState{status: StatusInitial}
		s.services[name] = st
	}
	return st
}

// Start runs `sv start <name>`.
func (s *Supervisor) Start(name string) error {
	st := s.stateFor(name)
	st.mu.Lock()
	defer st.mu.Unlock()

	out, err := s.run(0, "start", name)
	if err != nil {
		return classifyExitErr(err, out, ndgerrors.ErrBadStartCode, ndgerrors.ErrBadStartTerm)
	}
	st.status = StatusStarted
	return nil
}

// Stop runs `sv stop <name>` without waiting for the service to actually
// exit; the service's status stays StatusStopping until a StopWait
// confirms it stopped.
func (s *Supervisor) Stop(name string) error {
	st := s.stateFor(name)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.status = StatusStopping
	out, err := s.run(0, "stop", name)
	if err != nil {
		wrapped := classifyExitErr(err, out, ndgerrors.ErrBadStopCode, ndgerrors.ErrBadStopTerm)
		st.lastStopError = wrapped
		return wrapped
	}
	st.lastStopError = nil
	return nil
}

// StopWait runs `sv -w <waitSec> stop <name>`, blocking until the service
// reports stopped or the wait elapses.
func (s *Supervisor) StopWait(name string, waitSec int) error {
	st := s.stateFor(name)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.status = StatusStopping
	out, err := s.run(waitSec, "stop", name)
	if err != nil {
		wrapped := classifyExitErr(err, out, ndgerrors.ErrBadStopCode, ndgerrors.ErrBadStopTerm)
		st.lastStopError = wrapped
		return wrapped
	}
	st.status = StatusStopped
	st.lastStopError = nil
	return nil
}

// Status returns the last-known status for name, StatusInitial if the
// service has never been started or stopped through this Supervisor.
func (s *Supervisor) Status(name string) Status {
	st := s.stateFor(name)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.status
}

// LastStopError returns the most recent stop error for name, if any.
func (s *Supervisor) LastStopError(name string) error {
	st := s.stateFor(name)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lastStopError
}

// run executes `sv [-w waitSec] <verb> <name>`, capturing combined
// stdout+stderr for error classification, the way conduit.go's
// startLnd captured lnd's stdout for log parsing.
func (s *Supervisor) run(waitSec int, verb, name string) ([]byte, error) {
	args := []string{}
	if waitSec > 0 {
		args = append(args, "-w", strconv.Itoa(waitSec))
	}
	args = append(args, verb, name)

	cmd := exec.Command(s.svPath, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

func classifyExitErr(err error, out []byte, codeErr, termErr ndgerrors.Error) error {
	if exitErr, ok := err.(*exec.ExitError); ok {
		if exitErr.ProcessState.Exited() {
			return fmt.Errorf("%w (exit %d): %s", codeErr, exitErr.ExitCode(), string(out))
		}
		return fmt.Errorf("%w: %s", termErr, string(out))
	}
	return err
}

// WaitBriefly is a small helper for callers (e.g. wallet init, §4.7 step
// 4) that need a best-effort poll loop without hand-rolling a ticker each
// time: it calls poll at the given interval until poll returns true or
// the deadline elapses, returning whether poll ever returned true.
func WaitBriefly(deadline time.Duration, interval time.Duration, poll func() bool) bool {
	stop := time.Now().Add(deadline)
	for {
		if poll() {
			return true
		}
		if time.Now().After(stop) {
			return false
		}
		time.Sleep(interval)
	}
}
