package core

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/rs/zerolog"

	ndgerrors "github.com/nakamochi/ndg/errors"
	"github.com/nakamochi/ndg/protocol"
	"github.com/nakamochi/ndg/service"
)

func newTestDaemon(t *testing.T, svPath string) (*Daemon, *ConfigStore, *StaticConfig) {
	t.Helper()
	cs, static := newTestConfigStore(t)
	logger := zerolog.New(io.Discard)
	d := NewDaemon(Deps{
		Static: static,
		Cfg:    cs,
		Svc:    service.New(svPath),
		Logger: logger,
	})
	return d, cs, static
}

func writeStubSv(t *testing.T, exitCode int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sv")
	script := "#!/bin/sh\nexit " + strconv.Itoa(exitCode) + "\n"
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("write stub sv: %v", err)
	}
	return path
}

// TestTransitionTable exercises spec's state machine: invalid transitions
// are rejected with ErrStateViolation, valid ones move the state and (for
// wallet_op) remember where to return to.
func TestTransitionTable(t *testing.T) {
	d, _, _ := newTestDaemon(t, "")

	if err := d.transition("stop"); err == nil {
		t.Errorf("stop from stopped: expected ErrStateViolation")
	}
	if err := d.transition("start"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if d.State() != StateRunning {
		t.Fatalf("state after start = %v, want running", d.State())
	}
	if err := d.transition("standby"); err != nil {
		t.Fatalf("standby: %v", err)
	}
	if d.State() != StateStandby {
		t.Fatalf("state after standby = %v, want standby", d.State())
	}
	if err := d.transition("begin_wallet_op"); err != nil {
		t.Fatalf("begin_wallet_op: %v", err)
	}
	if d.State() != StateWalletReset {
		t.Fatalf("state after begin_wallet_op = %v, want wallet_reset", d.State())
	}
	if err := d.transition("wallet_op_done"); err != nil {
		t.Fatalf("wallet_op_done: %v", err)
	}
	if d.State() != StateStandby {
		t.Fatalf("state after wallet_op_done = %v, want standby (prior state)", d.State())
	}
}

// TestWifiConnectEmptySSID checks that an empty SSID is rejected before any
// wpa_supplicant request would be issued (d.wpa is nil here; a nil-pointer
// dereference would mean the precondition check ran too late).
func TestWifiConnectEmptySSID(t *testing.T) {
	d, _, _ := newTestDaemon(t, "")
	err := d.wifiConnect("", "", false)
	if err != ndgerrors.ErrConnectWifiEmptySSID {
		t.Errorf("err = %v, want ErrConnectWifiEmptySSID", err)
	}
}

// TestInitWalletSequenceRequiresGenSeed checks that lightning_init_wallet
// without a preceding lightning_genseed in the same session is rejected
// before any state transition or lnd/supervisor call happens.
func TestInitWalletSequenceRequiresGenSeed(t *testing.T) {
	d, _, _ := newTestDaemon(t, "")
	if err := d.InitWalletSequence(); err != errNoCachedSeed {
		t.Errorf("err = %v, want errNoCachedSeed", err)
	}
	if d.State() != StateStopped {
		t.Errorf("state changed despite rejected init_wallet: %v", d.State())
	}
}

// TestPoweroffMessageSequence checks that a poweroff of two services (lnd,
// bitcoind) emits exactly 1+N=3 PoweroffProgress messages, the first with
// nothing stopped yet and the rest marking one more service stopped each,
// in poweroffServiceOrder.
func TestPoweroffMessageSequence(t *testing.T) {
	d, _, _ := newTestDaemon(t, writeStubSv(t, 0))
	if err := d.transition("start"); err != nil {
		t.Fatalf("start: %v", err)
	}

	var buf bytes.Buffer
	d.writeMu.Lock()
	d.enc = protocol.NewEncoder(&buf)
	d.writeMu.Unlock()

	d.runPoweroff()

	dec := protocol.NewDecoder(bytes.NewReader(buf.Bytes()))
	var progressions []PoweroffProgress
	for {
		env, err := dec.ReadEnvelope()
		if err != nil {
			break
		}
		if env.Kind != string(protocol.MsgPoweroffProgress) {
			t.Fatalf("unexpected message kind %q during poweroff", env.Kind)
		}
		var p PoweroffProgress
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			t.Fatalf("unmarshal progress: %v", err)
		}
		progressions = append(progressions, p)
	}

	if len(progressions) != 1+len(poweroffServiceOrder) {
		t.Fatalf("got %d progress messages, want %d", len(progressions), 1+len(poweroffServiceOrder))
	}
	for _, svc := range progressions[0].Services {
		if svc.Stopped {
			t.Errorf("initial progress already marks %s stopped", svc.Name)
		}
	}
	for i, name := range poweroffServiceOrder {
		snapshot := progressions[i+1]
		if snapshot.Services[i].Name != name || !snapshot.Services[i].Stopped {
			t.Errorf("progress %d: expected %s stopped, got %+v", i+1, name, snapshot.Services[i])
		}
	}
	d.mu.Lock()
	gotWantStop := d.wantStop
	d.mu.Unlock()
	if !gotWantStop {
		t.Errorf("wantStop after poweroff completes = false, want true")
	}
}
