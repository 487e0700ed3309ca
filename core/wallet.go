package core

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/nakamochi/ndg/lnd"
	"github.com/nakamochi/ndg/service"
)

// errNoCachedSeed is returned when lightning_init_wallet arrives without a
// preceding lightning_genseed in the same session.
var errNoCachedSeed = errors.New("no cached seed mnemonic: call lightning_genseed first")

// lndRestartServiceName is the sv-supervised service name for lnd.
const lndRestartServiceName = "lnd"

// walletStatusPollInterval/walletStatusPollDeadline bound step 4 of the
// wallet-init sequence: waiting for lnd to come back up LOCKED after being
// restarted with autounlock disabled.
const (
	walletStatusPollInterval = time.Second
	walletStatusPollDeadline = 10 * time.Second
)

// InitWalletSequence implements the wallet-init flow: generate the
// wallet-unlock file, initialize the wallet with the seed the UI already
// retrieved via lightning_genseed and the new password, regenerate lnd's
// config without autounlock, restart lnd, wait for it to report LOCKED, unlock it with
// the freshly generated password, then regenerate the config once more
// with autounlock enabled so future restarts unlock themselves.
func (d *Daemon) InitWalletSequence() error {
	d.mu.Lock()
	mnemonic := d.lastGenSeedMnemonic
	d.lastGenSeedMnemonic = nil
	d.mu.Unlock()
	if len(mnemonic) == 0 {
		return errNoCachedSeed
	}

	if err := d.transition("begin_wallet_op"); err != nil {
		return err
	}
	defer d.transition("wallet_op_done")

	hexPass, err := d.cfg.MakeWalletUnlockFile()
	if err != nil {
		return err
	}

	if err := d.lndc.InitWallet(mnemonic, []byte(hexPass)); err != nil {
		return err
	}

	if err := d.cfg.GenLndConfig(false); err != nil {
		return err
	}

	if err := d.svc.Stop(lndRestartServiceName); err != nil {
		d.svcLog.SubLogger.Warn().Err(err).Msg("stop lnd before wallet unlock failed, continuing")
	}
	if err := d.svc.Start(lndRestartServiceName); err != nil {
		return err
	}

	service.WaitBriefly(walletStatusPollDeadline, walletStatusPollInterval, func() bool {
		status, err := d.lndc.GetWalletStatus()
		return err == nil && status == lnd.StatusLocked
	})

	if err := d.lndc.UnlockWallet([]byte(hexPass)); err != nil {
		return err
	}

	return d.cfg.GenLndConfig(true)
}

// FactoryResetSequence implements spec.md §4.8: stop lnd, wipe its wallet
// database/macaroons/TLS material, its data and log directories, and the
// wallet-unlock file, regenerate its config without autounlock, then
// start lnd back up so it presents a fresh NON_EXISTING wallet state.
func (d *Daemon) FactoryResetSequence() error {
	if err := d.transition("begin_wallet_op"); err != nil {
		return err
	}
	defer d.transition("wallet_op_done")

	if err := d.svc.StopWait(lndRestartServiceName, poweroffStopWaitSec); err != nil {
		d.svcLog.SubLogger.Warn().Err(err).Msg("stop lnd before factory reset failed, continuing")
	}

	for _, path := range d.factoryResetPaths() {
		removeAllBestEffort(path, d.daemonLog)
	}

	if err := d.cfg.GenLndConfig(false); err != nil {
		return err
	}

	return d.svc.Start(lndRestartServiceName)
}

// factoryResetPaths lists the filesystem state a factory reset wipes: the
// directory holding lnd's TLS cert/key (which also holds its macaroons),
// the wallet-unlock file, and lnd's data and log directories in full.
func (d *Daemon) factoryResetPaths() []string {
	return []string{
		d.static.WalletUnlockFilePath,
		filepath.Dir(d.static.LndTLSCertPath),
		d.static.LndDataDirPath,
		d.static.LndLogDirPath,
	}
}

func removeAllBestEffort(path string, log *subLogger) {
	if err := os.RemoveAll(path); err != nil {
		log.SubLogger.Warn().Err(err).Str("path", path).Msg("factory reset: failed to remove path")
	}
}
