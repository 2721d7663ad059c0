package utils

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
)

const testLogPipeMsg = "Test LogPipe message"

func TestLogPipe(t *testing.T) {
	cmd := exec.Command("echo", testLogPipeMsg)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.Fatalf("Failed to get stdout pipe: %s", err)
		return
	}

	stdOutBuf := new(bytes.Buffer)
	log.StandardLogger().SetOutput(stdOutBuf)
	done := make(chan struct{})
	go func() {
		LogPipeEntry(stdout, log.NewEntry(log.StandardLogger()), log.InfoLevel)
		close(done)
	}()
	if err := cmd.Start(); err != nil {
		t.Fatalf("Failed to start command: %s", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("LogPipeEntry() did not reach EOF")
	}
	_ = cmd.Wait()

	expected := fmt.Sprintf("level=info msg=\"%s\"", testLogPipeMsg)
	if !strings.Contains(stdOutBuf.String(), expected) {
		t.Errorf("LogPipeEntry() result: \"%s\", want: \"%s\"", stdOutBuf.String(), testLogPipeMsg)
	}
}

func TestLogPipeEntry(t *testing.T) {
	out := new(bytes.Buffer)
	logger := log.New()
	logger.SetOutput(out)
	logger.SetLevel(log.DebugLevel)

	LogPipeEntry(nopCloser{strings.NewReader("one\ntwo\n")}, logger.WithField("tool", "pip"), log.DebugLevel)

	got := out.String()
	for _, want := range []string{`msg=one tool=pip`, `msg=two tool=pip`} {
		if !strings.Contains(got, want) {
			t.Errorf("LogPipeEntry() output %q missing %q", got, want)
		}
	}
}

type nopCloser struct{ *strings.Reader }

func (nopCloser) Close() error { return nil }
