package redis

import (
	"context"
	"testing"
)

func TestNewClientRequiresAddress(t *testing.T) {
	if _, err := NewClient(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error for empty address")
	}
}

func TestKey(t *testing.T) {
	if got := Key("bountymesh", "lock", "oracle"); got != "bountymesh:lock:oracle" {
		t.Fatalf("unexpected key %s", got)
	}
	if got := Key("", "signal"); got != "signal" {
		t.Fatalf("unexpected key without prefix %s", got)
	}
}
