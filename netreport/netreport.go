// Package netreport assembles the daemon's NetworkReport: interface
// addresses via stdlib net.Interfaces, plus the current wifi SSID and
// last scan results via wpactrl.Control.
package netreport

import (
	"net"
	"strings"

	"github.com/nakamochi/ndg/wpactrl"
)

// Reporter builds network status snapshots for the UI.
type Reporter struct {
	wpa *wpactrl.Control
}

// New builds a Reporter. wpa may be nil if wifi is unavailable (e.g. a
// wired-only deployment); in that case wifi fields are simply omitted.
func New(wpa *wpactrl.Control) *Reporter {
	return &Reporter{wpa: wpa}
}

// Addrs enumerates IPv4/IPv6 addresses on all UP, non-loopback
// interfaces, skipping link-local unicast addresses.
func Addrs() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	var addrs []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		ifaceAddrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range ifaceAddrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok || ipNet.IP.IsLinkLocalUnicast() {
				continue
			}
			addrs = append(addrs, ipNet.IP.String())
		}
	}
	return addrs, nil
}

// CurrentSSID returns the SSID of the wifi network wpa_supplicant is
// currently associated with, if any.
func (r *Reporter) CurrentSSID() (*string, error) {
	if r.wpa == nil {
		return nil, nil
	}
	reply, err := r.wpa.Request("STATUS")
	if err != nil {
		return nil, err
	}
	for _, line := range strings.Split(reply, "\n") {
		if strings.HasPrefix(line, "ssid=") {
			ssid := strings.TrimPrefix(line, "ssid=")
			return &ssid, nil
		}
	}
	return nil, nil
}

// ScanNetworks returns the SSIDs seen in the last completed scan.
func (r *Reporter) ScanNetworks() ([]string, error) {
	if r.wpa == nil {
		return nil, nil
	}
	results, err := r.wpa.ScanResults()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var ssids []string
	for _, res := range results {
		if res.SSID == "" || seen[res.SSID] {
			continue
		}
		seen[res.SSID] = true
		ssids = append(ssids, res.SSID)
	}
	return ssids, nil
}
