package core

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nakamochi/ndg/protocol"
)

// lndConnectWaitTimeout bounds how long lightning_get_ctrlconn waits for
// lnd to have written its admin macaroon to disk.
const lndConnectWaitTimeout = 15 * time.Second

// uiLoop reads framed commands off the UI pipe and dispatches them. On
// EndOfStream (the UI process closed its end) it requests the daemon stop
// on the next main-loop tick and exits. Any other read error is logged and
// also ends the loop, without requesting a stop.
func (d *Daemon) uiLoop(r uiReader) {
	defer close(d.uiDone)
	dec := protocol.NewDecoder(r)

	for {
		env, err := dec.ReadEnvelope()
		if err != nil {
			if protocol.IsEndOfStream(err) {
				d.daemonLog.SubLogger.Info().Msg("ui pipe closed, shutting down")
				d.mu.Lock()
				d.wantStop = true
				d.mu.Unlock()
				return
			}
			d.protoLog.SubLogger.Error().Err(err).Msg("malformed ui frame, dropping connection")
			return
		}
		d.dispatch(protocol.CommandKind(env.Kind), env.Payload)
	}
}

func (d *Daemon) dispatch(cmd protocol.CommandKind, payload json.RawMessage) {
	switch cmd {
	case protocol.CmdPong:
		// No reply: pong is a liveness signal from the UI, not a request.
	case protocol.CmdGetNetworkReport:
		var p protocol.GetNetworkReportPayload
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &p); err != nil {
				d.protoLog.SubLogger.Error().Err(err).Msg("bad get_network_report payload")
				return
			}
		}
		d.mu.Lock()
		d.wantNetworkReport = true
		if p.Scan {
			d.wantWifiScan = true
		}
		d.mu.Unlock()
	case protocol.CmdStandby:
		d.mu.Lock()
		d.wantStandby = true
		d.mu.Unlock()
	case protocol.CmdWakeup:
		d.mu.Lock()
		d.wantWake = true
		d.mu.Unlock()
	case protocol.CmdPoweroff:
		go d.runPoweroff()
	case protocol.CmdWifiConnect:
		var p protocol.WifiConnectPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			d.protoLog.SubLogger.Error().Err(err).Msg("bad wifi_connect payload")
			return
		}
		go d.handleWifiConnect(WifiConnectRequest{SSID: p.SSID, PSK: p.PSK, SaveOnConnect: p.SaveOnConnect})
	case protocol.CmdSwitchSysupdates:
		var p protocol.SwitchSysupdatesPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			d.protoLog.SubLogger.Error().Err(err).Msg("bad switch_sysupdates payload")
			return
		}
		if err := d.cfg.SwitchSysupdates(SysChannel(p.Channel), SwitchSysupdatesOpts{Run: p.Run}); err != nil {
			d.confLog.SubLogger.Error().Err(err).Msg("switch_sysupdates failed")
		} else {
			d.mu.Lock()
			d.wantSettings = true
			d.mu.Unlock()
		}
	case protocol.CmdSetNodename:
		var p protocol.SetNodenamePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			d.protoLog.SubLogger.Error().Err(err).Msg("bad set_nodename payload")
			return
		}
		if err := d.cfg.SetHostname(p.Hostname); err != nil {
			d.confLog.SubLogger.Error().Err(err).Msg("set_nodename failed")
		} else {
			d.mu.Lock()
			d.wantSettings = true
			d.mu.Unlock()
		}
	case protocol.CmdSlockSetPincode:
		var p protocol.SlockSetPincodePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			d.protoLog.SubLogger.Error().Err(err).Msg("bad slock_set_pincode payload")
			return
		}
		if err := d.cfg.SetSlockPin(p.Pincode); err != nil {
			d.confLog.SubLogger.Error().Err(err).Msg("slock_set_pincode failed")
		} else {
			d.mu.Lock()
			d.wantSettings = true
			d.mu.Unlock()
		}
	case protocol.CmdUnlockScreen:
		var p protocol.UnlockScreenPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			d.protoLog.SubLogger.Error().Err(err).Msg("bad unlock_screen payload")
			return
		}
		if err := d.cfg.VerifySlockPin(p.Pincode); err != nil {
			d.protoLog.SubLogger.Warn().Err(err).Msg("unlock_screen rejected")
		}
	case protocol.CmdLightningGenSeed:
		go d.handleGenSeed()
	case protocol.CmdLightningInitWallet:
		go func() {
			if err := d.InitWalletSequence(); err != nil {
				d.daemonLog.SubLogger.Error().Err(err).Msg("wallet init sequence failed")
			}
		}()
	case protocol.CmdLightningReset:
		go func() {
			if err := d.FactoryResetSequence(); err != nil {
				d.daemonLog.SubLogger.Error().Err(err).Msg("factory reset sequence failed")
			}
		}()
	case protocol.CmdLightningGetCtrlConn:
		go d.handleGetCtrlConn()
	default:
		d.protoLog.SubLogger.Warn().Str("kind", string(cmd)).Msg("unrecognized command")
	}
}

func (d *Daemon) handleGenSeed() {
	mnemonic, err := d.lndc.GenSeed()
	if err != nil {
		d.lndLog.SubLogger.Error().Err(err).Msg("genseed failed")
		return
	}
	d.mu.Lock()
	d.lastGenSeedMnemonic = mnemonic
	d.mu.Unlock()
	d.send(protocol.MsgLightningGenSeedResult, protocol.LightningGenSeedResultPayload{Mnemonic: mnemonic})
}

func (d *Daemon) handleGetCtrlConn() {
	entries, err := d.cfg.LndConnectWaitMacaroonFile(context.Background(), lndConnectWaitTimeout)
	if err != nil {
		d.confLog.SubLogger.Error().Err(err).Msg("lightning_get_ctrlconn failed")
		return
	}
	d.send(protocol.MsgLightningCtrlConn, protocol.LightningCtrlConnPayload{Entries: entries})
}
