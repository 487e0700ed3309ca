package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func init() {
	// SetHostname's real implementation renames the OS hostname via a
	// privileged syscall; tests substitute a no-op so they can run
	// unprivileged and without side effects on the test host.
	setOSHostname = func(string) error { return nil }
}

func newTestConfigStore(t *testing.T) (*ConfigStore, *StaticConfig) {
	t.Helper()
	dir := t.TempDir()
	static := DefaultStaticConfig(dir)
	cs, err := LoadConfigStore(static, nil)
	if err != nil {
		t.Fatalf("LoadConfigStore: %v", err)
	}
	return cs, static
}

// TestLoadConfigStoreDefaults checks that a brand new ConfigStore infers
// sane defaults when no config.json exists yet.
func TestLoadConfigStoreDefaults(t *testing.T) {
	cs, _ := newTestConfigStore(t)
	got := cs.Snapshot()
	if got.SysChannel != SysChannelMaster {
		t.Errorf("default SysChannel = %v, want %v", got.SysChannel, SysChannelMaster)
	}
	if got.Slock != nil {
		t.Errorf("default Slock = %+v, want nil", got.Slock)
	}
}

// TestConfigRoundTrip dumps a config, reloads it from disk, and checks the
// two are identical.
func TestConfigRoundTrip(t *testing.T) {
	cs, static := newTestConfigStore(t)

	pin := "1234"
	if err := cs.SetSlockPin(&pin); err != nil {
		t.Fatalf("SetSlockPin: %v", err)
	}

	reloaded, err := LoadConfigStore(static, nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}

	want := cs.Snapshot()
	got := reloaded.Snapshot()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("config mismatch after reload (-want +got):\n%s", diff)
	}
}

// TestSetHostnameNotPersisted checks that SetHostname updates the cached
// StaticConfig directly and never touches config.json: hostname is a
// StaticConfig field per spec.md §3, not part of PersistedConfig.
func TestSetHostnameNotPersisted(t *testing.T) {
	cs, static := newTestConfigStore(t)

	if err := cs.SetHostname("node7"); err != nil {
		t.Fatalf("SetHostname: %v", err)
	}
	if got := cs.Hostname(); got != "node7" {
		t.Errorf("Hostname() = %q, want %q", got, "node7")
	}
	if static.Hostname != "node7" {
		t.Errorf("static.Hostname = %q, want %q", static.Hostname, "node7")
	}
	if _, err := os.Stat(static.ConfigPath); !os.IsNotExist(err) {
		t.Errorf("SetHostname must not create config.json, stat err = %v", err)
	}
}

// TestSlockRoundTrip exercises spec's universal slock invariants.
func TestSlockRoundTrip(t *testing.T) {
	cs, _ := newTestConfigStore(t)

	// No pin configured: verification always succeeds, never touches a
	// counter.
	if err := cs.VerifySlockPin("anything"); err != nil {
		t.Errorf("VerifySlockPin with no slock set: %v", err)
	}

	pin := "4242"
	if err := cs.SetSlockPin(&pin); err != nil {
		t.Fatalf("SetSlockPin: %v", err)
	}

	if err := cs.VerifySlockPin(pin); err != nil {
		t.Errorf("VerifySlockPin(correct): %v", err)
	}
	if attempts := cs.Snapshot().Slock.IncorrectAttempts; attempts != 0 {
		t.Errorf("attempts after correct pin = %d, want 0", attempts)
	}

	for i := 1; i <= 3; i++ {
		err := cs.VerifySlockPin("0000")
		if err == nil {
			t.Fatalf("VerifySlockPin(wrong) attempt %d: expected error", i)
		}
		if attempts := cs.Snapshot().Slock.IncorrectAttempts; int(attempts) != i {
			t.Errorf("attempts after %d wrong tries = %d, want %d", i, attempts, i)
		}
	}

	if err := cs.SetSlockPin(nil); err != nil {
		t.Fatalf("SetSlockPin(nil): %v", err)
	}
	if cs.Snapshot().Slock != nil {
		t.Errorf("Slock after clear = %+v, want nil", cs.Snapshot().Slock)
	}
}

// TestSwitchSysupdatesRecoverable checks that switching channels
// regenerates a cron script from which the channel can be re-inferred on
// a fresh load with no config.json present.
func TestSwitchSysupdatesRecoverable(t *testing.T) {
	cs, static := newTestConfigStore(t)

	if err := cs.SwitchSysupdates(SysChannelDev, SwitchSysupdatesOpts{Run: false}); err != nil {
		t.Fatalf("SwitchSysupdates: %v", err)
	}

	// Drop the persisted config file to simulate it being lost, keep the
	// cron script.
	if err := os.Remove(static.ConfigPath); err != nil {
		t.Fatalf("remove config: %v", err)
	}

	reloaded, err := LoadConfigStore(static, nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := reloaded.Snapshot().SysChannel; got != SysChannelDev {
		t.Errorf("recovered SysChannel = %v, want %v", got, SysChannelDev)
	}
}

// TestDumpLeavesNoTempFile checks that ConfigStore never leaves a stray
// temp file behind after a successful Dump, and that the file on disk is
// non-empty, parseable JSON.
func TestDumpLeavesNoTempFile(t *testing.T) {
	cs, static := newTestConfigStore(t)

	pin := "9999"
	if err := cs.SetSlockPin(&pin); err != nil {
		t.Fatalf("SetSlockPin: %v", err)
	}

	entries, err := os.ReadDir(filepath.Dir(static.ConfigPath))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if e.Name() != filepath.Base(static.ConfigPath) {
			t.Errorf("leftover temp file after Dump: %s", e.Name())
		}
	}

	data, err := os.ReadFile(static.ConfigPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(data) == 0 {
		t.Errorf("config.json is empty after Dump")
	}
}
