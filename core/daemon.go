package core

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nakamochi/ndg/bitcoind"
	ndgerrors "github.com/nakamochi/ndg/errors"
	"github.com/nakamochi/ndg/lnd"
	"github.com/nakamochi/ndg/netreport"
	"github.com/nakamochi/ndg/protocol"
	"github.com/nakamochi/ndg/service"
	"github.com/nakamochi/ndg/wpactrl"
)

// onchainReportInterval/lndReportInterval are the default cadences for
// steps 5 and 6 of the main loop cycle (spec.md §4.1: onchain defaults to
// 60s; lnd's own report shares the same default absent a documented
// override).
const (
	onchainReportInterval = 60 * time.Second
	lndReportInterval     = 60 * time.Second
)

// Daemon is the orchestrator: it owns the state machine, the 1Hz main
// loop, the UI-command loop, the poweroff worker, and the detached
// workers for wallet init/reset and wifi connect. A single mu guards
// state, the want-xxx flags and the report timers, matching the
// single-mutex discipline spec.md §5 requires; the wpa handle is handed
// in already open (or nil) and is not guarded by mu.
type Daemon struct {
	mu          sync.Mutex
	state       DaemonState
	priorState  DaemonState // state to return to after wallet_reset
	wantStop    bool
	wantStandby bool
	wantWake    bool

	// want-xxx flags and timers driving the 6-step main loop cycle
	// (spec.md §4.1). All guarded by mu, same as the state fields above.
	wantSettings       bool
	wantWifiScan       bool
	wifiScanInProgress bool
	networkReportReady bool
	wifiKeyInvalid     bool
	wantNetworkReport  bool
	wantOnchainReport  bool
	onchainTimer       time.Time
	wantLndReport      bool
	lndTimer           time.Time

	static *StaticConfig
	cfg    *ConfigStore
	svc    *service.Supervisor
	btc    *bitcoind.Client
	lndc   *lnd.Client
	netRep *netreport.Reporter
	wpa    *wpactrl.Control

	daemonLog *subLogger
	confLog   *subLogger
	svcLog    *subLogger
	wpaLog    *subLogger
	btcLog    *subLogger
	lndLog    *subLogger
	netLog    *subLogger
	protoLog  *subLogger

	writeMu sync.Mutex
	enc     *protocol.Encoder

	pendingSaveOnConnect bool
	lastGenSeedMnemonic  []string

	mainDone      chan struct{}
	uiDone        chan struct{}
	poweroffDone  chan struct{}
}

// Deps bundles the collaborators Daemon needs; constructed by cmd/ndgd's
// main and handed to NewDaemon so tests can substitute fakes.
type Deps struct {
	Static *StaticConfig
	Cfg    *ConfigStore
	Svc    *service.Supervisor
	Btc    *bitcoind.Client
	Lndc   *lnd.Client
	Wpa    *wpactrl.Control
	Logger zerolog.Logger
}

// NewDaemon builds a Daemon in the stopped state.
func NewDaemon(d Deps) *Daemon {
	daemon := &Daemon{
		state:              StateStopped,
		wantSettings:       true,
		networkReportReady: true,
		static:             d.Static,
		cfg:                d.Cfg,
		svc:                d.Svc,
		btc:                d.Btc,
		lndc:               d.Lndc,
		wpa:                d.Wpa,
		netRep:             netreport.New(d.Wpa),
		daemonLog: NewSubLogger(&d.Logger, "DAEM"),
		confLog:   NewSubLogger(&d.Logger, "CONF"),
		svcLog:    NewSubLogger(&d.Logger, "SVSR"),
		wpaLog:    NewSubLogger(&d.Logger, "WPAC"),
		btcLog:    NewSubLogger(&d.Logger, "BTCD"),
		lndLog:    NewSubLogger(&d.Logger, "LNDC"),
		netLog:    NewSubLogger(&d.Logger, "NETR"),
		protoLog:  NewSubLogger(&d.Logger, "PROT"),
	}
	return daemon
}

// State returns the daemon's current state.
func (d *Daemon) State() DaemonState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// transition enforces spec.md §4.1's state transition table. Callers hold
// no lock; transition takes d.mu itself.
func (d *Daemon) transition(event string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	from := d.state
	var to DaemonState
	switch {
	case event == "start" && from == StateStopped:
		to = StateRunning
	case event == "stop" && (from == StateRunning || from == StateStandby):
		to = StateStopped
	case event == "standby" && from == StateRunning:
		to = StateStandby
	case event == "wakeup" && from == StateStandby:
		to = StateRunning
	case event == "begin_poweroff" && (from == StateRunning || from == StateStandby):
		d.priorState = from
		to = StatePoweroff
	case event == "begin_wallet_op" && (from == StateRunning || from == StateStandby):
		d.priorState = from
		to = StateWalletReset
	case event == "wallet_op_done" && from == StateWalletReset:
		to = d.priorState
	default:
		return fmt.Errorf("%w: %s from %s", ndgerrors.ErrStateViolation, event, from)
	}
	d.daemonLog.SubLogger.Info().Str("from", string(from)).Str("to", string(to)).Str("event", event).Msg("state transition")
	d.state = to
	return nil
}

// Start runs the main loop and the UI command loop and blocks until both
// have returned: the main loop stops when shutdownCh closes or wantStop is
// set (UI EndOfStream, completed poweroff), and the UI loop stops only when
// reading from uiReader fails. Join order mirrors spec.md §5: main, then
// UI, then poweroff (if one was in progress).
func (d *Daemon) Start(uiReader uiReader, uiWriter uiWriter, shutdownCh <-chan struct{}) error {
	if err := d.transition("start"); err != nil {
		return err
	}

	d.writeMu.Lock()
	d.enc = protocol.NewEncoder(uiWriter)
	d.writeMu.Unlock()

	d.mainDone = make(chan struct{})
	d.uiDone = make(chan struct{})

	go d.mainLoop(shutdownCh)
	go d.uiLoop(uiReader)
	go d.wifiEventLoop()

	<-d.mainDone
	<-d.uiDone
	if d.poweroffDone != nil {
		<-d.poweroffDone
	}
	return nil
}

type uiReader interface {
	Read(p []byte) (int, error)
}
type uiWriter interface {
	Write(p []byte) (int, error)
}

// mainLoop is the 1Hz tick loop: each tick it applies the want-standby/
// want-wake flags set by the UI loop, runs the flag- and timer-driven
// report cycle (when running, in standby, or in wallet_reset), and exits
// once wantStop is set or shutdownCh closes.
func (d *Daemon) mainLoop(shutdownCh <-chan struct{}) {
	defer close(d.mainDone)
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-shutdownCh:
			d.mu.Lock()
			d.wantStop = true
			d.mu.Unlock()
			return
		case <-ticker.C:
			if d.tick() {
				return
			}
		}
	}
}

// tick runs one iteration of the main loop cycle. It returns true if the
// main loop should stop.
func (d *Daemon) tick() bool {
	d.mu.Lock()
	state := d.state
	wantStop := d.wantStop
	wantStandby := d.wantStandby
	wantWake := d.wantWake
	d.wantStandby, d.wantWake = false, false
	d.mu.Unlock()

	if wantStop {
		return true
	}
	if wantStandby && state == StateRunning {
		d.transition("standby")
		state = StateStandby
	}
	if wantWake && state == StateStandby {
		d.transition("wakeup")
		state = StateRunning
	}

	switch state {
	case StateRunning, StateStandby, StateWalletReset:
		d.runReportCycle(state)
	case StatePoweroff, StateStopped:
		// No periodic reporting while not in a UI-visible running state.
	}
	return false
}

// runReportCycle implements spec.md §4.1's 6-step main loop cycle, steps
// 1 and 3-6 (step 2, draining wpa_supplicant's unsolicited events, runs on
// wifiEventLoop's own goroutine instead, since wpactrl.Receive blocks on
// socket I/O and can't share this tick's single pass). Step 6, lightning
// reporting, is the only one gated on state: it is skipped entirely while
// a wallet operation is in progress.
func (d *Daemon) runReportCycle(state DaemonState) {
	d.mu.Lock()
	wantSettings := d.wantSettings
	wantWifiScan := d.wantWifiScan
	wantNetworkReport := d.wantNetworkReport
	networkReportReady := d.networkReportReady
	wantOnchainReport := d.wantOnchainReport || time.Now().After(d.onchainTimer)
	wantLndReport := d.wantLndReport || time.Now().After(d.lndTimer)
	d.mu.Unlock()

	if wantSettings {
		d.reportSettings()
		d.mu.Lock()
		d.wantSettings = false
		d.mu.Unlock()
	}

	if wantWifiScan {
		d.startWifiScan()
	}

	if wantNetworkReport && networkReportReady {
		d.reportNetwork()
		d.mu.Lock()
		d.wantNetworkReport = false
		d.mu.Unlock()
	}

	if wantOnchainReport {
		d.reportOnchain()
		d.mu.Lock()
		d.wantOnchainReport = false
		d.onchainTimer = time.Now().Add(onchainReportInterval)
		d.mu.Unlock()
	}

	if state != StateWalletReset && wantLndReport {
		d.reportLightning()
		d.mu.Lock()
		d.wantLndReport = false
		d.lndTimer = time.Now().Add(lndReportInterval)
		d.mu.Unlock()
	}
}

// reportSettings sends the current hostname, sysupdates channel, and
// whether a screen-lock PIN is configured.
func (d *Daemon) reportSettings() {
	snap := d.cfg.Snapshot()
	d.send(protocol.MsgSettings, protocol.SettingsPayload{
		Hostname:     d.cfg.Hostname(),
		Sysupdates:   protocol.SettingsSysupdates{Channel: string(snap.SysChannel)},
		SlockEnabled: snap.Slock != nil,
	})
}

func (d *Daemon) reportOnchain() {
	info, err := d.btc.GetBlockchainInfo()
	if err != nil {
		if err == ndgerrors.ErrCookieFileNotFound {
			// Tolerated per spec: no report this tick, daemon continues.
			return
		}
		d.btcLog.SubLogger.Warn().Err(err).Msg("onchain report failed, will retry next tick")
		return
	}
	netInfo, err := d.btc.GetNetworkInfo()
	if err != nil {
		d.btcLog.SubLogger.Warn().Err(err).Msg("getnetworkinfo failed, will retry next tick")
		return
	}
	mempool, err := d.btc.GetMempoolInfo()
	if err != nil {
		d.btcLog.SubLogger.Warn().Err(err).Msg("getmempoolinfo failed, will retry next tick")
		return
	}
	blockTime, _ := d.btc.GetBlockHeaderTime(info.BestBlockHash)

	report := OnchainReport{
		Height:               info.Blocks,
		Headers:              info.Headers,
		BestBlockHash:        info.BestBlockHash,
		BestBlockTime:        blockTime,
		InitialBlockDownload: info.InitialBlockDownload,
		DiskUsageBytes:       info.SizeOnDisk,
		Subversion:           netInfo.Subversion,
		PeersIn:              netInfo.ConnectionsIn,
		PeersOut:             netInfo.ConnectionsOut,
		Warnings:             info.Warnings,
		Mempool: MempoolInfo{
			Loaded:      mempool.Loaded,
			TxCount:     mempool.Size,
			UsageBytes:  mempool.Usage,
			MaxMempool:  mempool.MaxMempool,
			TotalFeeBTC: mempool.TotalFee,
			MinFeeRate:  mempool.MinFee,
			FullRBF:     mempool.FullRBF,
		},
	}
	d.send(protocol.MsgOnchainReport, report)
}

func (d *Daemon) reportLightning() {
	info, err := d.lndc.GetInfo()
	if err != nil {
		classified := d.lndc.ClassifyReportError(err, "")
		if classified.Code != "" {
			d.send(protocol.MsgLightningError, protocol.LightningErrorPayload{Code: string(classified.Code)})
		} else {
			d.lndLog.SubLogger.Warn().Err(err).Msg("lightning report failed")
		}
		return
	}

	report := LightningReport{
		IdentityPubkey: info.IdentityPubkey,
		Alias:          info.Alias,
		Version:        info.Version,
		NumPeers:       info.NumPeers,
		BlockHeight:    info.BlockHeight,
		BlockHash:      info.BlockHash,
		SyncedToChain:  info.SyncedToChain,
		SyncedToGraph:  info.SyncedToGraph,
	}

	feesByPoint := map[string]lnd.ChannelFeeReport{}
	if fees, err := d.lndc.GetFeeReport(); err == nil {
		report.FeesDaySats = parseSats(fees.DayFeeSum)
		report.FeesWeekSats = parseSats(fees.WeekFeeSum)
		report.FeesMonthSats = parseSats(fees.MonthFeeSum)
		for _, f := range fees.ChannelFees {
			feesByPoint[f.ChannelPoint] = f
		}
	} else {
		d.lndLog.SubLogger.Warn().Err(err).Msg("feereport failed, reporting without fee detail")
	}

	if channels, err := d.lndc.ListChannels(lnd.ListChannelsFilter{}); err == nil {
		for _, ch := range channels {
			state := ChannelInactive
			if ch.Active {
				state = ChannelActive
			}
			rec := ChannelRecord{
				ID:               ch.ChanID,
				ChannelPoint:     ch.ChannelPoint,
				RemotePubkey:     ch.RemotePubkey,
				PeerAlias:        ch.PeerAlias,
				CapacitySats:     parseSats(ch.Capacity),
				LocalSats:        parseSats(ch.LocalBalance),
				RemoteSats:       parseSats(ch.RemoteBalance),
				State:            state,
				Private:          ch.Private,
				LifetimeSentSats: parseSats(ch.TotalSatoshisSent),
				LifetimeRecvSats: parseSats(ch.TotalSatoshisReceived),
			}
			if f, ok := feesByPoint[ch.ChannelPoint]; ok {
				rec.BaseFeeMsat = parseSats(f.BaseFeeMsat)
				rec.FeePPM = parseSats(f.FeePerMil)
			}
			report.LocalBalance += rec.LocalSats
			report.RemoteBalance += rec.RemoteSats
			report.UnsettledBalance += parseSats(ch.UnsettledBalance)
			report.Channels = append(report.Channels, rec)
		}
	} else {
		d.lndLog.SubLogger.Warn().Err(err).Msg("listchannels failed, reporting without open channel detail")
	}

	if pending, err := d.lndc.PendingChannels(); err == nil {
		report.PendingBalance = parseSats(pending.TotalLimboBalance)
		for _, p := range pending.PendingOpen {
			report.Channels = append(report.Channels, pendingChannelRecord(p.Channel, ChannelPendingOpen, ""))
		}
		for _, p := range pending.PendingClosing {
			report.Channels = append(report.Channels, pendingChannelRecord(p.Channel, ChannelPendingClose, p.ClosingTxid))
		}
		for _, p := range pending.PendingForceClosing {
			report.Channels = append(report.Channels, pendingChannelRecord(p.Channel, ChannelPendingClose, p.ClosingTxid))
		}
	} else {
		d.lndLog.SubLogger.Warn().Err(err).Msg("pendingchannels failed, reporting without pending channel detail")
	}

	if wb, err := d.lndc.WalletBalance(); err == nil {
		report.LndWalletBalanceSats = parseSats(wb.TotalBalance)
	} else {
		d.lndLog.SubLogger.Warn().Err(err).Msg("lnd walletbalance failed")
	}

	d.send(protocol.MsgLightningReport, report)
}

func pendingChannelRecord(ch lnd.PendingChannel, state ChannelState, closingTxid string) ChannelRecord {
	return ChannelRecord{
		ChannelPoint: ch.ChannelPoint,
		RemotePubkey: ch.RemoteNodePub,
		CapacitySats: parseSats(ch.Capacity),
		LocalSats:    parseSats(ch.LocalBalance),
		RemoteSats:   parseSats(ch.RemoteBalance),
		State:        state,
		ClosingTxid:  closingTxid,
	}
}

// parseSats converts one of lnd's REST string-encoded int64 fields to an
// int64, treating an unparsable value as zero.
func parseSats(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

func (d *Daemon) reportNetwork() {
	addrs, err := netreport.Addrs()
	if err != nil {
		d.netLog.SubLogger.Warn().Err(err).Msg("enumerating addresses failed")
		addrs = nil
	}
	ssid, _ := d.netRep.CurrentSSID()
	scan, _ := d.netRep.ScanNetworks()

	d.send(protocol.MsgNetworkReport, NetworkReport{
		IPAddrs:          addrs,
		WifiSSID:         ssid,
		WifiScanNetworks: scan,
	})
}

// send writes a framed message to the UI, serializing writer access since
// the main loop, the UI command loop, and the poweroff worker may all
// send concurrently.
func (d *Daemon) send(kind protocol.MessageKind, payload interface{}) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if d.enc == nil {
		return
	}
	if err := d.enc.WriteEnvelope(string(kind), payload); err != nil {
		d.protoLog.SubLogger.Error().Err(err).Msg("failed to write message to ui")
	}
}
