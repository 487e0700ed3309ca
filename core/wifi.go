package core

import (
	"regexp"
	"strconv"
	"strings"

	ndgerrors "github.com/nakamochi/ndg/errors"
	"github.com/nakamochi/ndg/wpactrl"
)

// authFailuresRe extracts the auth_failures=N counter wpa_supplicant
// appends to a CTRL-EVENT-SSID-TEMP-DISABLED event.
var authFailuresRe = regexp.MustCompile(`auth_failures=(\d+)`)

// handleWifiConnect implements spec.md §4.9's wifi-connect worker: add a
// network block, configure its SSID/credentials, remove any stale
// duplicate blocks for the same SSID, then select and enable it. An
// enable failure rolls back the newly added block rather than leaving a
// disabled orphan behind.
func (d *Daemon) handleWifiConnect(p WifiConnectRequest) {
	if err := d.wifiConnect(p.SSID, p.PSK, p.SaveOnConnect); err != nil {
		d.wpaLog.SubLogger.Error().Err(err).Str("ssid", p.SSID).Msg("wifi_connect failed")
	}
}

// WifiConnectRequest mirrors protocol.WifiConnectPayload; dispatch copies
// the decoded payload into it before handing it to handleWifiConnect.
type WifiConnectRequest struct {
	SSID          string
	PSK           string
	SaveOnConnect bool
}

func (d *Daemon) wifiConnect(ssid, psk string, saveOnConnect bool) error {
	if ssid == "" {
		return ndgerrors.ErrConnectWifiEmptySSID
	}
	if d.wpa == nil {
		return ndgerrors.ErrWpaCtrlNotOpen
	}

	d.mu.Lock()
	d.wifiKeyInvalid = false
	d.mu.Unlock()

	id, err := d.wpa.AddNetwork()
	if err != nil {
		return err
	}
	if err := d.wpa.SetNetworkParam(id, "ssid", wpactrl.QuoteSSID(ssid)); err != nil {
		d.wpa.RemoveNetwork(id)
		return err
	}
	if psk != "" {
		err = d.wpa.SetNetworkParam(id, "psk", wpactrl.QuotePSK(psk))
	} else {
		err = d.wpa.SetNetworkParam(id, "key_mgmt", "NONE")
	}
	if err != nil {
		d.wpa.RemoveNetwork(id)
		return err
	}

	d.removeStaleNetworks(ssid, id)

	if err := d.wpa.SelectNetwork(id); err != nil {
		d.wpa.RemoveNetwork(id)
		return err
	}
	if err := d.wpa.EnableNetwork(id); err != nil {
		d.wpa.RemoveNetwork(id)
		return err
	}

	d.mu.Lock()
	d.pendingSaveOnConnect = saveOnConnect
	d.mu.Unlock()
	return nil
}

// removeStaleNetworks deletes any previously configured network block for
// ssid other than keepID, so wpa_supplicant never accumulates duplicate
// entries across repeated wifi_connect calls for the same network.
func (d *Daemon) removeStaleNetworks(ssid string, keepID int) {
	entries, err := d.wpa.ListNetworks()
	if err != nil {
		d.wpaLog.SubLogger.Warn().Err(err).Msg("list_networks failed while deduplicating")
		return
	}
	quoted := strings.Trim(wpactrl.QuoteSSID(ssid), `"`)
	for _, e := range entries {
		if e.ID == keepID {
			continue
		}
		if strings.Trim(e.SSID, `"`) != quoted {
			continue
		}
		if err := d.wpa.RemoveNetwork(e.ID); err != nil {
			d.wpaLog.SubLogger.Warn().Err(err).Int("id", e.ID).Msg("failed to remove stale network")
		}
	}
}

// startWifiScan kicks off an asynchronous wpa_supplicant scan (step 3 of
// the main loop cycle): CTRL-EVENT-SCAN-RESULTS, consumed on
// wifiEventLoop, is what eventually flips network_report_ready back on.
func (d *Daemon) startWifiScan() {
	d.mu.Lock()
	d.wantWifiScan = false
	d.wifiScanInProgress = true
	d.networkReportReady = false
	d.mu.Unlock()

	if d.wpa == nil {
		d.mu.Lock()
		d.wifiScanInProgress = false
		d.networkReportReady = true
		d.mu.Unlock()
		return
	}
	if err := d.wpa.Scan(); err != nil {
		d.wpaLog.SubLogger.Warn().Err(err).Msg("wifi scan request failed")
		d.mu.Lock()
		d.wifiScanInProgress = false
		d.networkReportReady = true
		d.mu.Unlock()
	}
}

// wifiEventLoop attaches to wpa_supplicant's control socket and consumes
// unsolicited events (step 2 of the main loop cycle, run on its own
// goroutine since Receive blocks on socket I/O): CTRL-EVENT-CONNECTED
// persists the network if the triggering wifi_connect asked to, and sets
// want_network_report so the UI sees the new connection promptly;
// CTRL-EVENT-SCAN-RESULTS marks a scan's results ready to report;
// CTRL-EVENT-SSID-TEMP-DISABLED with a nonzero auth_failures counter flags
// the just-supplied key as rejected and cancels any pending save.
func (d *Daemon) wifiEventLoop() {
	if d.wpa == nil {
		return
	}
	if err := d.wpa.Attach(); err != nil {
		d.wpaLog.SubLogger.Warn().Err(err).Msg("wpa attach failed, wifi events unavailable")
		return
	}
	defer d.wpa.Detach()

	for {
		d.mu.Lock()
		stop := d.wantStop
		d.mu.Unlock()
		if stop {
			return
		}

		event, err := d.wpa.Receive()
		if err != nil {
			return
		}

		switch {
		case strings.Contains(event, wpactrl.EventConnected):
			d.mu.Lock()
			save := d.pendingSaveOnConnect
			d.pendingSaveOnConnect = false
			d.wantNetworkReport = true
			d.mu.Unlock()
			if save {
				if err := d.wpa.SaveConfig(); err != nil {
					d.wpaLog.SubLogger.Warn().Err(err).Msg("save_config after connect failed")
				}
			}
		case strings.Contains(event, wpactrl.EventScanResults):
			d.mu.Lock()
			d.wifiScanInProgress = false
			d.networkReportReady = true
			d.mu.Unlock()
		case strings.Contains(event, wpactrl.EventSSIDTempDisabled):
			if m := authFailuresRe.FindStringSubmatch(event); m != nil {
				if n, _ := strconv.Atoi(m[1]); n != 0 {
					d.mu.Lock()
					d.wifiKeyInvalid = true
					d.pendingSaveOnConnect = false
					d.mu.Unlock()
					d.wpaLog.SubLogger.Warn().Str("event", event).Msg("wifi key rejected by ssid")
				}
			}
		}
	}
}
