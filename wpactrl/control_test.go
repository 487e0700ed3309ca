package wpactrl

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseScanResults(t *testing.T) {
	reply := "bssid / frequency / signal level / flags / ssid\n" +
		"02:11:22:33:44:55\t2412\t-45\t[WPA2-PSK-CCMP][ESS]\thome-wifi\n" +
		"02:66:77:88:99:aa\t5180\t-60\t[WPA2-PSK-CCMP][ESS]\tneighbor\n"

	got := parseScanResults(reply)
	want := []ScanResult{
		{BSSID: "02:11:22:33:44:55", Frequency: 2412, SignalDBM: -45, Flags: "[WPA2-PSK-CCMP][ESS]", SSID: "home-wifi"},
		{BSSID: "02:66:77:88:99:aa", Frequency: 5180, SignalDBM: -60, Flags: "[WPA2-PSK-CCMP][ESS]", SSID: "neighbor"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("parseScanResults mismatch (-want +got):\n%s", diff)
	}
}

func TestParseListNetworks(t *testing.T) {
	reply := "network id / ssid / bssid / flags\n" +
		"0\thome-wifi\tany\t[CURRENT]\n" +
		"1\thome-wifi\tany\t[DISABLED]\n"

	got := parseListNetworks(reply)
	want := []NetworkEntry{
		{ID: 0, SSID: "home-wifi", Flags: "[CURRENT]"},
		{ID: 1, SSID: "home-wifi", Flags: "[DISABLED]"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("parseListNetworks mismatch (-want +got):\n%s", diff)
	}
}

func TestQuoting(t *testing.T) {
	if got := QuoteSSID("my ssid"); got != `"my ssid"` {
		t.Errorf("QuoteSSID = %s", got)
	}
	if got := QuotePSK("p@ss"); got != `"p@ss"` {
		t.Errorf("QuotePSK = %s", got)
	}
}
