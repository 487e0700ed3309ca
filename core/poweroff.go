package core

import "github.com/nakamochi/ndg/protocol"

// poweroffStopWaitSec bounds how long the poweroff worker waits for each
// service's "sv -w N stop" before moving on regardless.
const poweroffStopWaitSec = 20

// runPoweroff drives the poweroff state and worker: it transitions into
// StatePoweroff, issues a non-blocking stop to every service in
// poweroffServiceOrder so they all start shutting down in parallel, sends
// one PoweroffProgress snapshot, then waits on each service in turn with
// StopWait and sends one more snapshot per service (1+N messages for N
// services), then lets the process exit once the sequence completes.
func (d *Daemon) runPoweroff() {
	if err := d.transition("begin_poweroff"); err != nil {
		d.daemonLog.SubLogger.Warn().Err(err).Msg("poweroff requested from an invalid state")
		return
	}
	d.poweroffDone = make(chan struct{})
	defer close(d.poweroffDone)

	progress := make([]ServiceProgress, len(poweroffServiceOrder))
	for i, name := range poweroffServiceOrder {
		progress[i] = ServiceProgress{Name: name}
	}

	for _, name := range poweroffServiceOrder {
		if err := d.svc.Stop(name); err != nil {
			d.svcLog.SubLogger.Warn().Err(err).Str("service", name).Msg("poweroff: non-blocking stop request failed")
		}
	}

	d.sendPoweroffProgress(progress)

	for i, name := range poweroffServiceOrder {
		err := d.svc.StopWait(name, poweroffStopWaitSec)
		progress[i].Stopped = err == nil
		if err != nil {
			msg := err.Error()
			progress[i].Err = &msg
			d.svcLog.SubLogger.Error().Err(err).Str("service", name).Msg("poweroff: stop failed")
		}
		d.sendPoweroffProgress(progress)
	}

	d.mu.Lock()
	d.wantStop = true
	d.mu.Unlock()
}

func (d *Daemon) sendPoweroffProgress(progress []ServiceProgress) {
	snapshot := make([]ServiceProgress, len(progress))
	copy(snapshot, progress)
	d.send(protocol.MsgPoweroffProgress, PoweroffProgress{Services: snapshot})
}
