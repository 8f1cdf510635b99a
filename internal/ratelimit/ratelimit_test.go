package ratelimit

import (
	"testing"
	"time"

	"github.com/atlas-desktop/trading-executor/pkg/types"
)

func TestAllowWithinCapacity(t *testing.T) {
	l := New(Config{N: 5, W: time.Second}, nil)
	allowed := 0
	for i := 0; i < 5; i++ {
		if l.Allow(types.FamilyTradeMutating) {
			allowed++
		}
	}
	if allowed != 5 {
		t.Fatalf("expected 5 allowed (burst == capacity), got %d", allowed)
	}
}

func TestAllowRefusesOverCapacity(t *testing.T) {
	l := New(Config{N: 2, W: time.Second}, nil)
	l.Allow(types.FamilyRead)
	l.Allow(types.FamilyRead)
	if l.Allow(types.FamilyRead) {
		t.Fatal("expected third request in the same instant to be refused")
	}
}

func TestFamiliesAreIndependent(t *testing.T) {
	l := New(Config{N: 1, W: time.Second}, nil)
	if !l.Allow(types.FamilyTradeMutating) {
		t.Fatal("expected first trade-mutating request to be allowed")
	}
	if !l.Allow(types.FamilyControl) {
		t.Fatal("expected control family to have its own independent bucket")
	}
}

func TestOverridePerFamily(t *testing.T) {
	l := New(DefaultConfig(), map[types.KindFamily]Config{
		types.FamilyControl: {N: 1, W: time.Second},
	})
	if !l.Allow(types.FamilyControl) {
		t.Fatal("expected first control request allowed")
	}
	if l.Allow(types.FamilyControl) {
		t.Fatal("expected override bucket of 1 to refuse the second request")
	}
}
