package core

import (
	"encoding/base64"
	"fmt"
	"os/exec"

	"github.com/nakamochi/ndg/protocol"
)

// lndConnectPort pairs the port lndconnect dials over Tor (spec.md §4.2:
// 10009 is lnd's gRPC listener, 10010 its REST listener) with the typ tag
// spec.md §3's lightning_ctrlconn message reports for that listener.
type lndConnectPort struct {
	port int
	typ  string
}

var lndConnectPorts = []lndConnectPort{
	{10009, "lnd_rpc"},
	{10010, "lnd_http"},
}

// buildLndConnectEntries assembles one lndconnect://-scheme URI per
// {port, permission} combination lndconnect can use, carrying the
// base64url-encoded macaroon the way lndconnect itself embeds it. No
// cert= parameter is included; lndconnect resolves the certificate from
// its own pinned store. A nil macaroon skips that permission entirely
// (e.g. when only the admin macaroon has been read so far).
func buildLndConnectEntries(host string, adminMac, roMac []byte) []protocol.LightningCtrlConnEntry {
	var entries []protocol.LightningCtrlConnEntry
	for _, p := range lndConnectPorts {
		if adminMac != nil {
			entries = append(entries, protocol.LightningCtrlConnEntry{
				URL:  fmt.Sprintf("lndconnect://%s:%d?macaroon=%s", host, p.port, base64.RawURLEncoding.EncodeToString(adminMac)),
				Typ:  p.typ,
				Perm: "admin",
			})
		}
		if roMac != nil {
			entries = append(entries, protocol.LightningCtrlConnEntry{
				URL:  fmt.Sprintf("lndconnect://%s:%d?macaroon=%s", host, p.port, base64.RawURLEncoding.EncodeToString(roMac)),
				Typ:  p.typ,
				Perm: "readonly",
			})
		}
	}
	return entries
}

// runSysupdateScript invokes the sysupdates run script directly (it is a
// plain shell script managed by ConfigStore, not an sv-supervised
// service).
func runSysupdateScript(path, channel string) error {
	cmd := exec.Command(path, channel)
	return cmd.Run()
}
