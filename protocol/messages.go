// Package protocol defines the length-framed, versioned, JSON tagged
// message protocol the daemon and the UI process exchange over a pair of
// byte pipes (spec.md §3/§4.10/§6). Every variant from spec.md's UI→Daemon
// command set and Daemon→UI message set is represented here as a Kind
// constant, carried inside a generic Envelope; payload structs for the
// report messages and poweroff progress live in package core.
package protocol

import "encoding/json"

// CommandKind enumerates every UI→Daemon command.
type CommandKind string

const (
	CmdPong                 CommandKind = "pong"
	CmdPoweroff             CommandKind = "poweroff"
	CmdGetNetworkReport     CommandKind = "get_network_report"
	CmdWifiConnect          CommandKind = "wifi_connect"
	CmdStandby              CommandKind = "standby"
	CmdWakeup               CommandKind = "wakeup"
	CmdSwitchSysupdates     CommandKind = "switch_sysupdates"
	CmdLightningGenSeed     CommandKind = "lightning_genseed"
	CmdLightningInitWallet  CommandKind = "lightning_init_wallet"
	CmdLightningGetCtrlConn CommandKind = "lightning_get_ctrlconn"
	CmdLightningReset       CommandKind = "lightning_reset"
	CmdSetNodename          CommandKind = "set_nodename"
	CmdSlockSetPincode      CommandKind = "slock_set_pincode"
	CmdUnlockScreen         CommandKind = "unlock_screen"
)

// MessageKind enumerates every Daemon→UI message.
type MessageKind string

const (
	MsgSettings               MessageKind = "settings"
	MsgNetworkReport          MessageKind = "network_report"
	MsgOnchainReport          MessageKind = "onchain_report"
	MsgLightningReport        MessageKind = "lightning_report"
	MsgLightningError         MessageKind = "lightning_error"
	MsgLightningGenSeedResult MessageKind = "lightning_genseed_result"
	MsgLightningCtrlConn      MessageKind = "lightning_ctrlconn"
	MsgPoweroffProgress       MessageKind = "poweroff_progress"
)

// Envelope is the wire shape for both directions: Kind discriminates how
// Payload should be unmarshaled. Keeping command and message envelopes as
// the same shape keeps the framing code (Encoder/Decoder) direction
// agnostic.
type Envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Payload structs. Only commands/messages that carry data beyond their
// Kind get one; bare signals (pong, poweroff, standby, wakeup,
// lightning_genseed, lightning_init_wallet, lightning_get_ctrlconn,
// lightning_reset) are sent with an empty Payload.

type GetNetworkReportPayload struct {
	Scan bool `json:"scan"`
}

type WifiConnectPayload struct {
	SSID       string `json:"ssid"`
	PSK        string `json:"psk,omitempty"`
	SaveOnConnect bool `json:"save_on_connect"`
}

// SettingsSysupdates mirrors core.PersistedConfig's sysupdates channel,
// the only sysupdates field the UI needs to render the settings screen.
type SettingsSysupdates struct {
	Channel string `json:"channel"`
}

// SettingsPayload carries everything spec.md §3's settings message
// exposes: the hostname (a StaticConfig field, never persisted), the
// sysupdates channel, and whether a screen-lock PIN is configured.
type SettingsPayload struct {
	Hostname     string             `json:"hostname"`
	Sysupdates   SettingsSysupdates `json:"sysupdates"`
	SlockEnabled bool               `json:"slock_enabled"`
}

type SwitchSysupdatesPayload struct {
	Channel string `json:"channel"`
	Run     bool   `json:"run"`
}

type SetNodenamePayload struct {
	Hostname string `json:"hostname"`
}

type SlockSetPincodePayload struct {
	Pincode *string `json:"pincode,omitempty"`
}

type UnlockScreenPayload struct {
	Pincode string `json:"pincode"`
}

type LightningErrorPayload struct {
	Code string `json:"code"`
}

type LightningGenSeedResultPayload struct {
	Mnemonic []string `json:"mnemonic"`
}

// LightningCtrlConnEntry is one connection option for the admin or
// readonly macaroon: lndconnect supports both lnd's gRPC listener
// (typ lnd_rpc, port 10009) and its REST listener (typ lnd_http, port
// 10010), so lightning_get_ctrlconn returns one entry per {port,
// macaroon} pair it could build rather than a single URI.
type LightningCtrlConnEntry struct {
	URL  string `json:"url"`
	Typ  string `json:"typ"` // one of lnd_rpc, lnd_http
	Perm string `json:"perm"`
}

type LightningCtrlConnPayload struct {
	Entries []LightningCtrlConnEntry `json:"entries"`
}

// Encode marshals kind and payload (which may be nil) into an Envelope's
// JSON bytes.
func Encode(kind string, payload interface{}) ([]byte, error) {
	env := Envelope{Kind: kind}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Payload = raw
	}
	return json.Marshal(env)
}

// DecodeEnvelope unmarshals raw framed bytes into an Envelope, leaving the
// payload as json.RawMessage for the caller to decode based on Kind.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(raw, &env)
	return env, err
}
