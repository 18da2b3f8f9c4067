//go:build mage

package main

import (
	"strings"
	"testing"
)

func TestRun(t *testing.T) {
	if err := run("sh", "-c", "exit 0"); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	err := run("sh", "-c", "exit 3")
	if err == nil || !strings.Contains(err.Error(), "exit 3") {
		t.Errorf("expected the failing command in the error, got %v", err)
	}
	if err := run("swarm-no-such-tool"); err == nil {
		t.Error("expected an error for a missing executable")
	}
}
