package store

import (
	"context"
	"testing"
)

func TestPingWithoutPool(t *testing.T) {
	if pool != nil {
		t.Skip("pool initialized outside the test")
	}
	if err := Ping(context.Background()); err == nil {
		t.Fatal("ping must fail while the pool is uninitialized")
	}
}
