package lnd

import (
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	macaroon "gopkg.in/macaroon.v2"
)

func writeServerCert(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	certPath := filepath.Join(t.TempDir(), "tls.cert")
	block := &pem.Block{Type: "CERTIFICATE", Bytes: srv.Certificate().Raw}
	if err := os.WriteFile(certPath, pem.EncodeToMemory(block), 0644); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	return certPath
}

func writeValidMacaroon(t *testing.T) string {
	t.Helper()
	m, err := macaroon.New([]byte("root-key"), []byte("id"), "ndg", macaroon.LatestVersion)
	if err != nil {
		t.Fatalf("macaroon.New: %v", err)
	}
	raw, err := m.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	path := filepath.Join(t.TempDir(), "readonly.macaroon")
	if err := os.WriteFile(path, raw, 0600); err != nil {
		t.Fatalf("write macaroon: %v", err)
	}
	return path
}

func TestGetWalletStatusAndGetInfo(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/state", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"state":"LOCKED"}`))
	})
	mux.HandleFunc("/v1/getinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("grpc-metadata-macaroon") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"identity_pubkey":"02abc","alias":"ndg-node","num_peers":3}`))
	})
	srv := httptest.NewTLSServer(mux)
	defer srv.Close()

	certPath := writeServerCert(t, srv)
	macPath := writeValidMacaroon(t)
	host := srv.Listener.Addr().String()

	c, err := New(host, certPath, macPath, macPath, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	status, err := c.GetWalletStatus()
	if err != nil {
		t.Fatalf("GetWalletStatus: %v", err)
	}
	if status != StatusLocked {
		t.Errorf("status = %v, want %v", status, StatusLocked)
	}

	info, err := c.GetInfo()
	if err != nil {
		t.Fatalf("GetInfo: %v", err)
	}
	if info.Alias != "ndg-node" || info.NumPeers != 3 {
		t.Errorf("unexpected info: %+v", info)
	}
}

func TestClassifyReportErrorNotReadyOnMissingCert(t *testing.T) {
	dir := t.TempDir()
	macPath := writeValidMacaroon(t)
	// No cert file present, no server listening: rebuildHTTPClient fails
	// at construction and again on every doREST call with a file-not-found
	// error, which must NOT be misclassified as a hard failure when the
	// cert truly doesn't exist yet.
	certPath := filepath.Join(dir, "tls.cert")

	c, err := New("127.0.0.1:1", certPath, macPath, macPath, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, statusErr := c.GetWalletStatus()
	classified := c.ClassifyReportError(statusErr, "")
	if classified.Code != CodeNotReady {
		t.Errorf("classified.Code = %v, want %v", classified.Code, CodeNotReady)
	}
	if !classified.Retry {
		t.Errorf("classified.Retry = false, want true")
	}
}

func TestMalformedMacaroonRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.macaroon")
	if err := os.WriteFile(path, []byte("not a macaroon"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := readMacaroon(path); err == nil {
		t.Errorf("expected an error for a malformed macaroon file")
	}
}
