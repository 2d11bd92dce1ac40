package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"
)

func TestRunHelp(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), []string{"--help"}, &stdout, &stderr); code != 0 {
		t.Fatalf("help exit code %d", code)
	}
	if !strings.Contains(stdout.String(), "--mailbox-ttl") {
		t.Fatalf("usage missing flags: %s", stdout.String())
	}
}

func TestRunRejectsBadFlags(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), []string{"--listen", "nope"}, &stdout, &stderr); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if stderr.Len() == 0 {
		t.Fatalf("expected an error message")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	var stdout, stderr bytes.Buffer
	code := run(ctx, []string{"--listen", "127.0.0.1:0", "--quic-listen", "127.0.0.1:0", "--log-level", "error"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("expected clean exit, got %d: %s", code, stderr.String())
	}
}
