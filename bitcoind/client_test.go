package bitcoind

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"

	ndgerrors "github.com/nakamochi/ndg/errors"
)

// startFakeBitcoind runs a single-shot HTTP/1.0 server that always replies
// with the given JSON-RPC body, for exactly one connection, then exits.
func startFakeBitcoind(t *testing.T, body string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := bufio.NewReader(conn)
		for {
			line, err := reader.ReadString('\n')
			if err != nil || line == "\r\n" {
				break
			}
		}
		fmt.Fprintf(conn, "HTTP/1.0 200 OK\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s", len(body), body)
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func writeCookie(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".cookie")
	if err := os.WriteFile(path, []byte("__cookie__:deadbeef"), 0600); err != nil {
		t.Fatalf("write cookie: %v", err)
	}
	return path
}

func TestGetBlockchainInfo(t *testing.T) {
	body := `{"result":{"chain":"main","blocks":800000,"headers":800000,"bestblockhash":"abc","initialblockdownload":false,"size_on_disk":1,"warnings":"","verificationprogress":1.0},"error":null,"id":1}`
	addr := startFakeBitcoind(t, body)
	cookie := writeCookie(t)

	c := New(addr, cookie)
	info, err := c.GetBlockchainInfo()
	if err != nil {
		t.Fatalf("GetBlockchainInfo: %v", err)
	}
	if info.Chain != "main" || info.Blocks != 800000 {
		t.Errorf("unexpected info: %+v", info)
	}
}

func TestRpcInWarmupMappedToSentinel(t *testing.T) {
	body := `{"result":null,"error":{"code":-28,"message":"Loading block index..."},"id":1}`
	addr := startFakeBitcoind(t, body)
	cookie := writeCookie(t)

	c := New(addr, cookie)
	_, err := c.GetBlockchainInfo()
	if err != ndgerrors.ErrRpcInWarmup {
		t.Errorf("err = %v, want ErrRpcInWarmup", err)
	}
}

func TestMissingCookieFile(t *testing.T) {
	addr := "127.0.0.1:1" // never dialed: basicAuth fails first
	c := New(addr, filepath.Join(t.TempDir(), "missing-cookie"))
	_, err := c.GetBlockchainInfo()
	if err != ndgerrors.ErrCookieFileNotFound {
		t.Errorf("err = %v, want ErrCookieFileNotFound", err)
	}
}
