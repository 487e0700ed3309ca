// Package bitcoind implements the daemon's bitcoind RPC client: cookie-file
// authenticated JSON-RPC 1.0 over a single-shot HTTP/1.0 TCP connection,
// per spec.md §4.5/§6. It is grounded on the teacher's jsonrpc package for
// the request/response envelope shape, generalized from a generic
// envelope to bitcoind's specific wire contract, and on the field layout
// of bitcoind's getblockchaininfo/getnetworkinfo/getmempoolinfo results as
// seen across the retrieved corpus's bitcoind-adjacent example.
package bitcoind

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"

	ndgerrors "github.com/nakamochi/ndg/errors"
	"github.com/nakamochi/ndg/jsonrpc"
)

// Client talks to a single local bitcoind instance.
type Client struct {
	host       string
	cookiePath string
	timeout    time.Duration

	nextID uint64
}

// New builds a Client for the bitcoind JSON-RPC endpoint at host
// (127.0.0.1:8332 in production), authenticating with the cookie file at
// cookiePath.
func New(host, cookiePath string) *Client {
	return &Client{host: host, cookiePath: cookiePath, timeout: 10 * time.Second}
}

// call issues one JSON-RPC 1.0 request over a fresh TCP connection (per
// spec.md, each call is single-shot, not pooled/kept-alive) and decodes
// the result into out.
func (c *Client) call(method string, out interface{}, params ...interface{}) error {
	auth, err := c.basicAuth()
	if err != nil {
		if os.IsNotExist(err) {
			return ndgerrors.ErrCookieFileNotFound
		}
		return errors.Wrap(err, "bitcoind: reading cookie file")
	}

	conn, err := net.DialTimeout("tcp", c.host, c.timeout)
	if err != nil {
		return errors.Wrap(ndgerrors.ErrRpcClientNotConnected, err.Error())
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(c.timeout))

	c.nextID++
	req := jsonrpc.NewRequest(c.nextID, method, params...)
	body, err := json.Marshal(req)
	if err != nil {
		return errors.Wrap(err, "bitcoind: marshaling request")
	}

	var reqBuf strings.Builder
	fmt.Fprintf(&reqBuf, "POST / HTTP/1.0\r\n")
	fmt.Fprintf(&reqBuf, "Host: %s\r\n", c.host)
	fmt.Fprintf(&reqBuf, "Authorization: Basic %s\r\n", auth)
	fmt.Fprintf(&reqBuf, "Content-Type: application/json\r\n")
	fmt.Fprintf(&reqBuf, "Content-Length: %d\r\n", len(body))
	fmt.Fprintf(&reqBuf, "Connection: close\r\n\r\n")

	if _, err := io.WriteString(conn, reqBuf.String()); err != nil {
		return errors.Wrap(err, "bitcoind: writing request headers")
	}
	if _, err := conn.Write(body); err != nil {
		return errors.Wrap(err, "bitcoind: writing request body")
	}

	respBytes, err := io.ReadAll(bufio.NewReader(conn))
	if err != nil {
		return errors.Wrap(err, "bitcoind: reading response")
	}

	jsonStart := strings.Index(string(respBytes), "\r\n\r\n")
	if jsonStart < 0 {
		return errors.New("bitcoind: malformed HTTP response")
	}
	var rpcResp jsonrpc.BaseResponse[uint64]
	if err := json.Unmarshal(respBytes[jsonStart+4:], &rpcResp); err != nil {
		return errors.Wrap(err, "bitcoind: decoding rpc envelope")
	}

	if rpcResp.Err != nil {
		if rpcResp.Err.Code == jsonrpc.RpcInWarmup {
			return ndgerrors.ErrRpcInWarmup
		}
		return classifyRPCError(rpcResp.Err)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, out)
}

func classifyRPCError(e *jsonrpc.BaseResponseError) error {
	switch e.Code {
	case jsonrpc.RpcMethodNotFound:
		return ndgerrors.ErrRpcMethodNotFound
	case jsonrpc.RpcInvalidParams:
		return ndgerrors.ErrRpcInvalidParams
	case jsonrpc.RpcVerifyAlreadyInChain:
		return ndgerrors.ErrRpcVerifyAlreadyInChain
	default:
		return fmt.Errorf("bitcoind rpc error %d: %s", e.Code, e.Message)
	}
}

// basicAuth reads the cookie file (format "__cookie__:<hex>") and returns
// the base64-encoded "user:pass" string for the Authorization header.
func (c *Client) basicAuth() (string, error) {
	data, err := os.ReadFile(c.cookiePath)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// BlockchainInfo mirrors bitcoind's getblockchaininfo result fields ndg
// needs for OnchainReport.
type BlockchainInfo struct {
	Chain                string  `json:"chain"`
	Blocks               int64   `json:"blocks"`
	Headers              int64   `json:"headers"`
	BestBlockHash        string  `json:"bestblockhash"`
	InitialBlockDownload bool    `json:"initialblockdownload"`
	SizeOnDisk           int64   `json:"size_on_disk"`
	Warnings             string  `json:"warnings"`
	VerificationProgress float64 `json:"verificationprogress"`
}

// NetworkInfo mirrors bitcoind's getnetworkinfo result fields ndg needs.
type NetworkInfo struct {
	Version        int64  `json:"version"`
	Subversion     string `json:"subversion"`
	Connections    int    `json:"connections"`
	ConnectionsIn  int    `json:"connections_in"`
	ConnectionsOut int    `json:"connections_out"`
}

// MempoolInfo mirrors bitcoind's getmempoolinfo result. Size is the
// transaction count (bitcoind's own "size" field, despite the name).
type MempoolInfo struct {
	Loaded     bool    `json:"loaded"`
	Size       int64   `json:"size"`
	Bytes      int64   `json:"bytes"`
	Usage      int64   `json:"usage"`
	MaxMempool int64   `json:"maxmempool"`
	MinFee     float64 `json:"mempoolminfee"`
	TotalFee   float64 `json:"total_fee"`
	FullRBF    bool    `json:"fullrbf"`
}

// GetBlockchainInfo calls getblockchaininfo.
func (c *Client) GetBlockchainInfo() (*BlockchainInfo, error) {
	var info BlockchainInfo
	if err := c.call("getblockchaininfo", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetNetworkInfo calls getnetworkinfo.
func (c *Client) GetNetworkInfo() (*NetworkInfo, error) {
	var info NetworkInfo
	if err := c.call("getnetworkinfo", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetMempoolInfo calls getmempoolinfo.
func (c *Client) GetMempoolInfo() (*MempoolInfo, error) {
	var info MempoolInfo
	if err := c.call("getmempoolinfo", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GetBlockHeaderTime calls getblockheader for hash, verbose, returning just
// the block time ndg needs for OnchainReport.BestBlockTime.
func (c *Client) GetBlockHeaderTime(hash string) (int64, error) {
	var header struct {
		Time int64 `json:"time"`
	}
	if err := c.call("getblockheader", &header, hash, true); err != nil {
		return 0, err
	}
	return header.Time, nil
}
