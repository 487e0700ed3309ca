package protocol

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// TestRoundTripEquality checks that every kind/payload pair encoded by
// Encoder and decoded by Decoder comes back byte-identical in meaning.
func TestRoundTripEquality(t *testing.T) {
	cases := []struct {
		kind    string
		payload interface{}
	}{
		{string(CmdPong), nil},
		{string(CmdWifiConnect), WifiConnectPayload{SSID: "home", PSK: "hunter2", SaveOnConnect: true}},
		{string(CmdSwitchSysupdates), SwitchSysupdatesPayload{Channel: "dev", Run: true}},
		{string(MsgLightningError), LightningErrorPayload{Code: "locked"}},
		{string(MsgPoweroffProgress), nil},
	}

	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for _, c := range cases {
		if err := enc.WriteEnvelope(c.kind, c.payload); err != nil {
			t.Fatalf("WriteEnvelope(%s): %v", c.kind, err)
		}
	}

	dec := NewDecoder(&buf)
	for _, c := range cases {
		env, err := dec.ReadEnvelope()
		if err != nil {
			t.Fatalf("ReadEnvelope: %v", err)
		}
		if env.Kind != c.kind {
			t.Errorf("Kind = %v, want %v", env.Kind, c.kind)
		}
		if c.payload == nil {
			continue
		}
		wantRaw, _ := json.Marshal(c.payload)
		if diff := cmp.Diff(json.RawMessage(wantRaw), env.Payload); diff != "" {
			t.Errorf("payload mismatch for %s (-want +got):\n%s", c.kind, diff)
		}
	}

	if _, err := dec.ReadEnvelope(); err != io.EOF {
		t.Errorf("final ReadEnvelope error = %v, want io.EOF", err)
	}
}

// TestEndOfStreamOnCleanClose checks that closing the writer side between
// frames is observed by the reader as io.EOF, not a decode error.
func TestEndOfStreamOnCleanClose(t *testing.T) {
	r, w := io.Pipe()
	go func() {
		enc := NewEncoder(w)
		enc.WriteEnvelope(string(CmdPong), nil)
		w.Close()
	}()

	dec := NewDecoder(r)
	if _, err := dec.ReadEnvelope(); err != nil {
		t.Fatalf("first ReadEnvelope: %v", err)
	}
	_, err := dec.ReadEnvelope()
	if !IsEndOfStream(err) {
		t.Errorf("ReadEnvelope after close = %v, want EndOfStream", err)
	}
}

// TestMessageTooLarge checks that a bogus oversized length prefix is
// rejected before any allocation of that size happens.
func TestMessageTooLarge(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF}) // huge bogus length
	dec := NewDecoder(&buf)
	if _, err := dec.ReadEnvelope(); err == nil {
		t.Errorf("expected an error for an oversized frame")
	}
}
