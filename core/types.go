package core

import "time"

// DaemonState enumerates the states of the daemon state machine (spec
// §3/§4.1). Transitions between these are the sole authority for what the
// main loop, the UI-command loop, and the poweroff worker are allowed to
// do at any moment.
type DaemonState string

const (
	StateStopped     DaemonState = "stopped"
	StateRunning     DaemonState = "running"
	StateStandby     DaemonState = "standby"
	StatePoweroff    DaemonState = "poweroff"
	StateWalletReset DaemonState = "wallet_reset"
)

// ServiceStatus mirrors the status values sv reports for a supervised
// service.
type ServiceStatus string

const (
	ServiceInitial  ServiceStatus = "initial"
	ServiceStarted  ServiceStatus = "started"
	ServiceStopping ServiceStatus = "stopping"
	ServiceStopped  ServiceStatus = "stopped"
)

// ServiceDescriptor is the daemon's in-memory view of one sv-supervised
// service.
type ServiceDescriptor struct {
	Name          string        `json:"name"`
	StopWaitSec   *int          `json:"stop_wait_sec,omitempty"`
	Status        ServiceStatus `json:"status"`
	LastStopError *string       `json:"last_stop_error,omitempty"`
}

// NetworkReport is the periodic network-status message sent to the UI.
type NetworkReport struct {
	IPAddrs          []string `json:"ipaddrs"`
	WifiSSID         *string  `json:"wifi_ssid,omitempty"`
	WifiScanNetworks []string `json:"wifi_scan_networks"`
}

// MempoolInfo is bitcoind's getmempoolinfo result, nested under
// OnchainReport the way related bitcoind fields are grouped rather than
// flattened.
type MempoolInfo struct {
	Loaded      bool    `json:"loaded"`
	TxCount     int64   `json:"txcount"`
	UsageBytes  int64   `json:"usage"`
	MaxMempool  int64   `json:"maxmempool"`
	TotalFeeBTC float64 `json:"total_fee"`
	MinFeeRate  float64 `json:"mempoolminfee"`
	FullRBF     bool    `json:"fullrbf"`
}

// WalletBalance is the optional onchain wallet-balance summary.
// reportOnchain does not fill it in, so it is omitted from every
// onchain report.
type WalletBalance struct {
	ConfirmedSats   int64 `json:"confirmed_sats"`
	UnconfirmedSats int64 `json:"unconfirmed_sats"`
}

// OnchainReport is the periodic bitcoind-status message sent to the UI.
type OnchainReport struct {
	Height               int64          `json:"height"`
	Headers              int64          `json:"headers"`
	BestBlockHash        string         `json:"best_block_hash"`
	BestBlockTime        int64          `json:"best_block_time"`
	InitialBlockDownload bool           `json:"initial_block_download"`
	DiskUsageBytes       int64          `json:"disk_usage_bytes"`
	Subversion           string         `json:"subversion"`
	PeersIn              int            `json:"peers_in"`
	PeersOut             int            `json:"peers_out"`
	Warnings             string         `json:"warnings"`
	Mempool              MempoolInfo    `json:"mempool"`
	WalletBalance        *WalletBalance `json:"wallet_balance,omitempty"`
}

// ChannelState enumerates the lifecycle states a ChannelRecord can be in,
// covering both lnd's open-channel list and its pending-channel list
// (spec.md §3/§4.6).
type ChannelState string

const (
	ChannelActive       ChannelState = "active"
	ChannelInactive     ChannelState = "inactive"
	ChannelPendingOpen  ChannelState = "pending_open"
	ChannelPendingClose ChannelState = "pending_close"
)

// ChannelRecord is one entry of LightningReport's channel list, merging
// lnd's open and pending channel lists into the single list the UI
// renders.
type ChannelRecord struct {
	ID               string       `json:"id,omitempty"`
	ChannelPoint     string       `json:"channel_point"`
	RemotePubkey     string       `json:"remote_pubkey"`
	PeerAlias        string       `json:"peer_alias,omitempty"`
	CapacitySats     int64        `json:"capacity_sats"`
	LocalSats        int64        `json:"local_balance_sats"`
	RemoteSats       int64        `json:"remote_balance_sats"`
	State            ChannelState `json:"state"`
	Private          bool         `json:"private"`
	ClosingTxid      string       `json:"closing_txid,omitempty"`
	LifetimeSentSats int64        `json:"lifetime_sent_sats"`
	LifetimeRecvSats int64        `json:"lifetime_received_sats"`
	BaseFeeMsat      int64        `json:"base_fee_msat"`
	FeePPM           int64        `json:"fee_ppm"`
}

// LightningReport is the periodic lnd-status message sent to the UI.
type LightningReport struct {
	IdentityPubkey       string          `json:"identity_pubkey"`
	Alias                string          `json:"alias"`
	Version              string          `json:"version"`
	NumPeers             int             `json:"num_peers"`
	BlockHeight          int64           `json:"block_height"`
	BlockHash            string          `json:"block_hash"`
	SyncedToChain        bool            `json:"synced_to_chain"`
	SyncedToGraph        bool            `json:"synced_to_graph"`
	LocalBalance         int64           `json:"local_balance_sats"`
	RemoteBalance        int64           `json:"remote_balance_sats"`
	UnsettledBalance     int64           `json:"unsettled_balance_sats"`
	PendingBalance       int64           `json:"pending_balance_sats"`
	LndWalletBalanceSats int64           `json:"lnd_wallet_balance_sats,omitempty"`
	FeesDaySats          int64           `json:"fees_day_sats"`
	FeesWeekSats         int64           `json:"fees_week_sats"`
	FeesMonthSats        int64           `json:"fees_month_sats"`
	Channels             []ChannelRecord `json:"channels"`
}

// LightningErrorCode is the narrow, user-visible lnd error taxonomy spec
// §3/§7 exposes to the UI; every other lnd-client error is logged only.
type LightningErrorCode string

const (
	LightningNotReady      LightningErrorCode = "not_ready"
	LightningLocked        LightningErrorCode = "locked"
	LightningUninitialized LightningErrorCode = "uninitialized"
)

// ServiceProgress is one line of a PoweroffProgress snapshot.
type ServiceProgress struct {
	Name    string  `json:"name"`
	Stopped bool    `json:"stopped"`
	Err     *string `json:"err,omitempty"`
}

// PoweroffProgress is emitted once after every service has been asked to
// stop and then once more after each service's stop wait, in the declared
// service order (lnd, then bitcoind).
type PoweroffProgress struct {
	Services []ServiceProgress `json:"services"`
}

// poweroffServiceOrder is the fixed stop order spec §4.1/§5 requires:
// lnd before bitcoind.
var poweroffServiceOrder = []string{"lnd", "bitcoind"}

// tickInterval is the main loop's cadence.
const tickInterval = time.Second
