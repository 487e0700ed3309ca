package core

import (
	"bytes"
	"io"
	"os"
	"strings"
	"testing"
)

// TestInitLoggerOutput makes sure a logger built without ConsoleOutput
// writes nothing to the console (stderr), while one built with it is
// created alongside it without error.
func TestInitLoggerOutput(t *testing.T) {
	dir := t.TempDir()
	old := os.Stderr
	r, w, _ := os.Pipe()
	os.Stderr = w

	cfg := &LogConfig{DataDir: dir, ConsoleOutput: true}
	log, err := InitLogger(cfg)
	if err != nil {
		t.Fatalf("%s", err)
	}
	log.Info().Msg("Testing both outputs...")

	cfg = &LogConfig{DataDir: dir, ConsoleOutput: false}
	log, err = InitLogger(cfg)
	if err != nil {
		t.Fatalf("%s", err)
	}
	log.Info().Msg("This shouldn't appear in the console...")

	outC := make(chan string)
	go func() {
		var buf bytes.Buffer
		io.Copy(&buf, r)
		outC <- buf.String()
	}()

	w.Close()
	os.Stderr = old
	out := <-outC

	if strings.Contains(out, "This shouldn't appear in the console...") {
		t.Errorf("InitLogger produced a logger that prints to console when it shouldn't")
	}
}

// TestNewSubLogger tests to ensure a NewSubLogger can be created and
// behaves as expected.
func TestNewSubLogger(t *testing.T) {
	dir := t.TempDir()
	old := os.Stderr
	r, w, _ := os.Pipe()
	os.Stderr = w

	cfg := &LogConfig{DataDir: dir, ConsoleOutput: true}
	log, err := InitLogger(cfg)
	if err != nil {
		t.Fatalf("%s", err)
	}
	testSubLog := NewSubLogger(&log, "TEST")
	testSubLog.SubLogger.Info().Msg("Testing both outputs...")

	cfg = &LogConfig{DataDir: dir, ConsoleOutput: false}
	log, err = InitLogger(cfg)
	if err != nil {
		t.Fatalf("%s", err)
	}
	testSubLog = NewSubLogger(&log, "TEST")
	testSubLog.SubLogger.Info().Msg("This shouldn't appear in the console...")

	outC := make(chan string)
	go func() {
		var buf bytes.Buffer
		io.Copy(&buf, r)
		outC <- buf.String()
	}()

	w.Close()
	os.Stderr = old
	out := <-outC

	if strings.Contains(out, "This shouldn't appear in the console...") {
		t.Errorf("NewSubLogger produced a logger that prints to console when it shouldn't")
	}
}

// TestLogWithErrors ensures that an unrecognized log level is reported as
// an error instead of silently dropped.
func TestLogWithErrors(t *testing.T) {
	dir := t.TempDir()
	cfg := &LogConfig{DataDir: dir, ConsoleOutput: false}
	log, err := InitLogger(cfg)
	if err != nil {
		t.Fatalf("%s", err)
	}
	testSubLog := NewSubLogger(&log, "TEST")

	tables := []struct {
		level string
		msg   string
	}{
		{"INFO", "T1"},
		{"DEBUG", "T2"},
		{"TRACE", "T3"},
		{"ERROR", "T4"},
		{"FATAL", "T5"},
		{"PANIC", "T6"},
		{"TEST", "T7"},
	}
	for i, table := range tables {
		err := testSubLog.LogWithErrors(table.level, table.msg)
		if i == len(tables)-1 {
			if err == nil {
				t.Errorf("LogWithErrors accepted an invalid log level: %v", table.level)
			}
		} else if err != nil {
			t.Errorf("LogWithErrors(%v, ...) unexpected error: %v", table.level, err)
		}
	}
}
