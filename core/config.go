/*
Copyright (C) 2015-2018 Lightning Labs and The Lightning Network Developers
Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package core

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sys/unix"
	"gopkg.in/macaroon.v2"
	yaml "gopkg.in/yaml.v2"

	ndgerrors "github.com/nakamochi/ndg/errors"
	"github.com/nakamochi/ndg/protocol"
	"github.com/nakamochi/ndg/utils"
)

// SysChannel selects which sysupdates release channel the appliance
// tracks.
type SysChannel string

const (
	SysChannelMaster SysChannel = "master"
	SysChannelDev    SysChannel = "dev"
)

// SlockConfig holds the screen-lock PIN, stored as a PHC-format bcrypt
// hash, never the PIN itself.
type SlockConfig struct {
	BcryptHash        string `json:"bcrypt_hash"`
	IncorrectAttempts uint8  `json:"incorrect_attempts"`
}

// PersistedConfig is the small UI-mutable document ConfigStore keeps on
// disk as JSON, mode 0600.
type PersistedConfig struct {
	SysChannel    SysChannel   `json:"syschannel"`
	SysCronScript string       `json:"syscronscript"`
	SysRunScript  string       `json:"sysrunscript"`
	Slock         *SlockConfig `json:"slock,omitempty"`
}

// LndUser identifies the unprivileged OS account lnd runs as, so
// ConfigStore can chown files it writes for lnd to read.
type LndUser struct {
	UID int `json:"uid"`
	GID int `json:"gid"`
}

// StaticConfig holds read-only, deployment-fixed settings: everything that
// is either supplied at daemon startup or discovered once and never
// rewritten by the UI. It also carries the fixed filesystem layout so
// tests can point it at a temp directory.
type StaticConfig struct {
	Hostname        string
	LndUser         *LndUser
	LndTorHostname  string
	BitcoindRPCPass string

	ConfigPath              string
	BitcoindCookiePath      string
	BitcoindConfPath        string
	LndTLSCertPath          string
	LndReadonlyMacaroonPath string
	LndAdminMacaroonPath    string
	LndConfPath             string
	LndDataDirPath          string
	LndLogDirPath           string
	WalletUnlockFilePath    string
	TorHostnamePath         string
	CronScriptPath          string
	SysupdateRunScriptPath  string
	WpaSocketPath           string
	UISocketPath            string

	BitcoindRPCHost string
	LndRestHost     string
}

// DefaultStaticConfig returns the fixed paths spec.md §6 names, rooted at
// dir (production callers pass "/", tests pass a temp directory).
func DefaultStaticConfig(dir string) *StaticConfig {
	p := func(elem ...string) string { return filepath.Join(append([]string{dir}, elem...)...) }
	return &StaticConfig{
		ConfigPath:              p("home", "ndg", "config.json"),
		BitcoindCookiePath:      p("ssd", "bitcoind", "mainnet", ".cookie"),
		BitcoindConfPath:        p("home", "bitcoind", "mainnet.conf"),
		LndTLSCertPath:          p("home", "lnd", ".lnd", "tls.cert"),
		LndReadonlyMacaroonPath: p("ssd", "lnd", "data", "chain", "bitcoin", "mainnet", "readonly.macaroon"),
		LndAdminMacaroonPath:    p("ssd", "lnd", "data", "chain", "bitcoin", "mainnet", "admin.macaroon"),
		LndConfPath:             p("home", "lnd", "lnd.mainnet.conf"),
		LndDataDirPath:          p("ssd", "lnd", "data"),
		LndLogDirPath:           p("ssd", "lnd", "logs"),
		WalletUnlockFilePath:    p("home", "lnd", "walletunlock.txt"),
		TorHostnamePath:         p("ssd", "tor", "lnd", "hostname"),
		CronScriptPath:          p("etc", "cron.hourly", "sysupdate"),
		SysupdateRunScriptPath:  p("ssd", "sysupdates", "update.sh"),
		WpaSocketPath:           "/run/wpa_supplicant/wlan0",
		UISocketPath:            "/run/ndg/ui.sock",
		BitcoindRPCHost:         "127.0.0.1:8332",
		LndRestHost:             "localhost:10010",
	}
}

// ConfigStore owns PersistedConfig and StaticConfig for the lifetime of the
// daemon. PersistedConfig mutations go through a dedicated RWMutex;
// lndMu separately guards the lnd config file, since genLndConfig can be
// triggered from more than one code path (wallet init and factory reset)
// and must never interleave writes.
type ConfigStore struct {
	mu     sync.RWMutex
	cfg    PersistedConfig
	static *StaticConfig

	lndMu sync.Mutex

	log *subLogger
}

// cronScriptTemplate is the three-line shell script regenerated whenever the
// sysupdates channel changes. The channel name appears as a bare shell
// comment token so a restart can re-infer it without a JSON config file
// present (see defaultPersistedConfig).
const cronScriptTemplate = `#!/bin/sh
# channel={{.Channel}}
exec {{.RunScript}} {{.Channel}}
`

var cronChannelRe = regexp.MustCompile(`(?m)^#\s*channel=(\S+)\s*$`)

// LoadConfigStore reads static.ConfigPath if present, otherwise builds a
// default PersistedConfig, inferring the sysupdates channel from an
// existing cron script if one is already on disk (e.g. after a config
// file was lost but the cron script survived).
func LoadConfigStore(static *StaticConfig, log *subLogger) (*ConfigStore, error) {
	cs := &ConfigStore{static: static, log: log}

	data, err := os.ReadFile(static.ConfigPath)
	switch {
	case err == nil:
		var pc PersistedConfig
		if jsonErr := json.Unmarshal(data, &pc); jsonErr != nil {
			return nil, ndgerrors.ErrBadConfigSyntax
		}
		cs.cfg = pc
	case os.IsNotExist(err):
		cs.cfg = cs.defaultPersistedConfig()
	default:
		return nil, fmt.Errorf("%w: %v", ndgerrors.ErrConfigLoadFailed, err)
	}

	if cs.log != nil {
		cs.log.SubLogger.Debug().Interface("config", cs.cfg).Msg("loaded persisted config")
		if b, err := yaml.Marshal(cs.cfg); err == nil {
			cs.log.SubLogger.Debug().Msg("config snapshot:\n" + string(b))
		}
	}
	return cs, nil
}

func (cs *ConfigStore) defaultPersistedConfig() PersistedConfig {
	pc := PersistedConfig{
		SysChannel:    SysChannelMaster,
		SysCronScript: cs.static.CronScriptPath,
		SysRunScript:  cs.static.SysupdateRunScriptPath,
	}
	if data, err := os.ReadFile(cs.static.CronScriptPath); err == nil {
		if m := cronChannelRe.FindSubmatch(data); m != nil {
			pc.SysChannel = SysChannel(m[1])
		}
	}
	return pc
}

// WithReadLock runs fn with the persisted config held under a read lock.
// fn must not mutate the value it receives.
func (cs *ConfigStore) WithReadLock(fn func(cfg PersistedConfig) error) error {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return fn(cs.cfg)
}

// Snapshot returns a copy of the current persisted config.
func (cs *ConfigStore) Snapshot() PersistedConfig {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.cfg
}

// dumpLocked atomically persists cs.cfg. Caller must hold cs.mu (for
// writing).
func (cs *ConfigStore) dumpLocked() error {
	data, err := json.MarshalIndent(cs.cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %v", ndgerrors.ErrConfigDumpFailed, err)
	}
	if err := ensureParentDir(cs.static.ConfigPath); err != nil {
		return err
	}
	return utils.AtomicWriteFile(cs.static.ConfigPath, data, 0600)
}

// Dump persists the current in-memory config to disk.
func (cs *ConfigStore) Dump() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.dumpLocked()
}

// SwitchSysupdatesOpts controls whether SwitchSysupdates invokes the run
// script immediately after regenerating the cron entry.
type SwitchSysupdatesOpts struct {
	Run bool
}

// SwitchSysupdates persists the new channel, regenerates the cron script
// so a later restart (even with no config.json) can recover the channel,
// and optionally invokes the run script immediately with the new channel
// argument.
func (cs *ConfigStore) SwitchSysupdates(channel SysChannel, opts SwitchSysupdatesOpts) error {
	cs.mu.Lock()
	cs.cfg.SysChannel = channel
	script, err := cs.renderCronScript()
	if err != nil {
		cs.mu.Unlock()
		return err
	}
	if err := ensureParentDir(cs.static.CronScriptPath); err != nil {
		cs.mu.Unlock()
		return err
	}
	if err := utils.AtomicWriteFile(cs.static.CronScriptPath, script, 0755); err != nil {
		cs.mu.Unlock()
		return err
	}
	err = cs.dumpLocked()
	cs.mu.Unlock()
	if err != nil {
		return err
	}
	if opts.Run {
		return runSysupdateScript(cs.static.SysupdateRunScriptPath, string(channel))
	}
	return nil
}

func (cs *ConfigStore) renderCronScript() ([]byte, error) {
	tmpl, err := template.New("cron").Parse(cronScriptTemplate)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, struct {
		Channel   SysChannel
		RunScript string
	}{cs.cfg.SysChannel, cs.static.SysupdateRunScriptPath}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// setOSHostname renames the machine's hostname. A package var so tests
// can substitute a no-op instead of invoking the real privileged
// syscall.
var setOSHostname = func(name string) error {
	return unix.Sethostname([]byte(name))
}

// SetHostname renames the OS hostname and updates the cached
// StaticConfig.Hostname. Per spec.md §3, hostname lives in StaticConfig,
// not PersistedConfig: it is never written to config.json, since a fresh
// OS hostname is always authoritative on the next boot.
func (cs *ConfigStore) SetHostname(name string) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if err := setOSHostname(name); err != nil {
		return err
	}
	cs.static.Hostname = name
	return nil
}

// Hostname returns the cached StaticConfig hostname.
func (cs *ConfigStore) Hostname() string {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.static.Hostname
}

// SetSlockPin sets (pin != nil) or clears (pin == nil) the screen-lock
// PIN. Setting always resets the incorrect-attempt counter.
func (cs *ConfigStore) SetSlockPin(pin *string) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if pin == nil {
		cs.cfg.Slock = nil
		return cs.dumpLocked()
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(*pin), 12)
	if err != nil {
		return err
	}
	cs.cfg.Slock = &SlockConfig{BcryptHash: string(hash), IncorrectAttempts: 0}
	return cs.dumpLocked()
}

// VerifySlockPin checks pin against the persisted slock, if any.
//
// If no slock is configured, verification always succeeds without
// touching the attempt counter. If pin matches, the counter is reset to
// zero. If it does not match, the counter is incremented by exactly one
// and ErrIncorrectSlockPin is returned. Every path that can change the
// counter persists the change before returning.
func (cs *ConfigStore) VerifySlockPin(pin string) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.cfg.Slock == nil {
		return nil
	}
	if bcrypt.CompareHashAndPassword([]byte(cs.cfg.Slock.BcryptHash), []byte(pin)) == nil {
		if cs.cfg.Slock.IncorrectAttempts != 0 {
			cs.cfg.Slock.IncorrectAttempts = 0
			return cs.dumpLocked()
		}
		return nil
	}

	cs.cfg.Slock.IncorrectAttempts++
	if err := cs.dumpLocked(); err != nil {
		return err
	}
	return ndgerrors.ErrIncorrectSlockPin
}

// MakeWalletUnlockFile generates 8 random bytes, hex-encodes them (16
// characters), and writes them to the wallet-unlock file mode 0400,
// chowned to the lnd user if one is configured. It returns the hex string
// so the caller can hand it to lnd's REST unlocker as well.
func (cs *ConfigStore) MakeWalletUnlockFile() (string, error) {
	raw := make([]byte, 8)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("%w: %v", ndgerrors.ErrMakeWalletUnlockFailed, err)
	}
	hexStr := hex.EncodeToString(raw)

	if err := ensureParentDir(cs.static.WalletUnlockFilePath); err != nil {
		return "", fmt.Errorf("%w: %v", ndgerrors.ErrMakeWalletUnlockFailed, err)
	}
	if err := utils.AtomicWriteFile(cs.static.WalletUnlockFilePath, []byte(hexStr), 0400); err != nil {
		return "", fmt.Errorf("%w: %v", ndgerrors.ErrMakeWalletUnlockFailed, err)
	}
	if cs.static.LndUser != nil {
		_ = os.Chown(cs.static.WalletUnlockFilePath, cs.static.LndUser.UID, cs.static.LndUser.GID)
	}
	return hexStr, nil
}

// LndConfMut is the mutable view BeginMutateLndConf hands to its callback:
// a snapshot of what genLndConfig needs, editable before being rendered.
type LndConfMut struct {
	AutoUnlock      bool
	TLSExtraDomain  string
	ExternalHosts   []string
	BitcoindRPCPass string
}

// BeginMutateLndConf serializes access to the lnd config file: fn receives
// a prefilled LndConfMut (from StaticConfig, falling back to the Tor
// hostname file and bitcoind's config file), may adjust
// it, and ndg renders + atomically writes lnd.mainnet.conf from the
// result.
func (cs *ConfigStore) BeginMutateLndConf(fn func(*LndConfMut) error) error {
	cs.lndMu.Lock()
	defer cs.lndMu.Unlock()

	mut := &LndConfMut{
		TLSExtraDomain:  cs.static.LndTorHostname,
		BitcoindRPCPass: cs.static.BitcoindRPCPass,
	}
	if mut.TLSExtraDomain == "" {
		if data, err := os.ReadFile(cs.static.TorHostnamePath); err == nil {
			mut.TLSExtraDomain = strings.TrimSpace(string(data))
		}
	}
	if mut.ExternalHosts == nil && mut.TLSExtraDomain != "" {
		mut.ExternalHosts = []string{mut.TLSExtraDomain}
	}
	if mut.BitcoindRPCPass == "" {
		if pass, ok := recoverBitcoindRPCPass(cs.static.BitcoindConfPath); ok {
			mut.BitcoindRPCPass = pass
		}
	}

	if err := fn(mut); err != nil {
		return err
	}
	return cs.genLndConfigLocked(mut)
}

const lndConfTemplate = `[Application Options]
debuglevel=info
maxbackoff=2s
{{if .TLSExtraDomain}}tlsextradomain={{.TLSExtraDomain}}
{{end}}{{range .ExternalHosts}}externalhosts={{.}}
{{end}}

[Bitcoind]
bitcoind.rpchost=127.0.0.1:8332
bitcoind.rpcuser=ndg
{{if .BitcoindRPCPass}}bitcoind.rpcpass={{.BitcoindRPCPass}}
{{end}}
{{if .AutoUnlock}}wallet-unlock-password-file={{.WalletUnlockFilePath}}
wallet-unlock-allow-create=false
{{end}}`

// genLndConfigLocked renders and atomically writes lnd.mainnet.conf.
// Caller must hold cs.lndMu.
func (cs *ConfigStore) genLndConfigLocked(mut *LndConfMut) error {
	if mut.BitcoindRPCPass == "" {
		return ndgerrors.ErrGenLndConfigNoRPCPass
	}

	tmpl, err := template.New("lndconf").Parse(lndConfTemplate)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	data := struct {
		*LndConfMut
		WalletUnlockFilePath string
	}{mut, cs.static.WalletUnlockFilePath}
	if err := tmpl.Execute(&buf, data); err != nil {
		return err
	}

	if err := ensureParentDir(cs.static.LndConfPath); err != nil {
		return err
	}
	if err := utils.AtomicWriteFile(cs.static.LndConfPath, buf.Bytes(), 0400); err != nil {
		return err
	}
	if cs.static.LndUser != nil {
		_ = os.Chown(cs.static.LndConfPath, cs.static.LndUser.UID, cs.static.LndUser.GID)
	}
	return nil
}

// GenLndConfig is a convenience wrapper over BeginMutateLndConf for
// callers that just need to flip the autounlock flag (wallet init and
// factory reset both do this without any other field changes).
func (cs *ConfigStore) GenLndConfig(autoUnlock bool) error {
	return cs.BeginMutateLndConf(func(m *LndConfMut) error {
		m.AutoUnlock = autoUnlock
		return nil
	})
}

// recoverBitcoindRPCPass applies the brittle-by-design heuristic from
// spec.md: scan bitcoind's own config file for a comment mentioning
// rpcauth.py and recover the plaintext password embedded in it. This is
// deliberately narrow and must not be generalized into a full
// bitcoin.conf parser.
func recoverBitcoindRPCPass(confPath string) (string, bool) {
	data, err := os.ReadFile(confPath)
	if err != nil {
		return "", false
	}
	rpcauthPassRe := regexp.MustCompile(`(?i)rpcauth\.py[^:]*:\S*:(\S+)`)
	for _, line := range strings.Split(string(data), "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			continue
		}
		if m := rpcauthPassRe.FindStringSubmatch(trimmed); m != nil {
			return m[1], true
		}
	}
	return "", false
}

// LndConnectWaitMacaroonFile polls for the admin macaroon file to appear
// (lnd only writes it after unlocking the wallet), up to timeout, then
// builds the set of lndconnect:// connection entries spec.md §4.2
// describes: one per {tor_rpc, tor_http} x {admin, readonly} that ndg can
// actually produce. The readonly macaroon is read best-effort (it may not
// exist yet even once the admin one does) and simply omitted if absent.
// An unparsable admin macaroon file is rejected rather than silently
// forwarded.
func (cs *ConfigStore) LndConnectWaitMacaroonFile(ctx context.Context, timeout time.Duration) ([]protocol.LightningCtrlConnEntry, error) {
	deadline := time.Now().Add(timeout)
	var adminMac []byte
	for {
		data, err := os.ReadFile(cs.static.LndAdminMacaroonPath)
		if err == nil {
			adminMac = data
			break
		}
		if time.Now().After(deadline) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}

	var m macaroon.Macaroon
	if err := m.UnmarshalBinary(adminMac); err != nil {
		return nil, fmt.Errorf("%w: %v", ndgerrors.ErrLndBadMacaroonFile, err)
	}

	var roMac []byte
	if data, err := os.ReadFile(cs.static.LndReadonlyMacaroonPath); err == nil {
		var ro macaroon.Macaroon
		if ro.UnmarshalBinary(data) == nil {
			roMac = data
		}
	}

	return buildLndConnectEntries(cs.static.LndTorHostname, adminMac, roMac), nil
}

func ensureParentDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0755)
}
