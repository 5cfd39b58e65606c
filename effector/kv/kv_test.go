package kv

import (
	"context"
	"testing"

	"github.com/stepflow/engine/engine/decision"
)

func TestMemory_PutThenGet(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.Do(ctx, decision.Effect{Kind: decision.EffectDBPut, Namespace: "ns", Key: "a", Value: []byte("1")})
	if err != nil {
		t.Fatalf("put failed: %v", err)
	}
	res, err := m.Do(ctx, decision.Effect{Kind: decision.EffectDBGet, Namespace: "ns", Key: "a"})
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if string(res.Bytes) != "1" {
		t.Errorf("value = %q, want 1", res.Bytes)
	}
}

func TestMemory_GetMissingRequiredFails(t *testing.T) {
	m := NewMemory()
	_, err := m.Do(context.Background(), decision.Effect{Kind: decision.EffectDBGet, Namespace: "ns", Key: "missing", Required: true})
	if err == nil {
		t.Fatal("expected NotFound for missing required key")
	}
}

func TestMemory_GetMissingOptionalSucceeds(t *testing.T) {
	m := NewMemory()
	res, err := m.Do(context.Background(), decision.Effect{Kind: decision.EffectDBGet, Namespace: "ns", Key: "missing"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Bytes != nil {
		t.Errorf("expected nil bytes, got %v", res.Bytes)
	}
}

func TestMemory_DelRemovesKey(t *testing.T) {
	m := NewMemory()
	_, _ = m.Do(context.Background(), decision.Effect{Kind: decision.EffectDBPut, Namespace: "ns", Key: "a", Value: []byte("1")})
	_, err := m.Do(context.Background(), decision.Effect{Kind: decision.EffectDBDel, Namespace: "ns", Key: "a"})
	if err != nil {
		t.Fatalf("del failed: %v", err)
	}
	res, _ := m.Do(context.Background(), decision.Effect{Kind: decision.EffectDBGet, Namespace: "ns", Key: "a"})
	if res.Bytes != nil {
		t.Error("expected key to be gone after del")
	}
}

func TestMemory_ScanReturnsSortedPrefixMatches(t *testing.T) {
	m := NewMemory()
	_, _ = m.Do(context.Background(), decision.Effect{Kind: decision.EffectDBPut, Namespace: "ns", Key: "b", Value: []byte("2")})
	_, _ = m.Do(context.Background(), decision.Effect{Kind: decision.EffectDBPut, Namespace: "ns", Key: "a", Value: []byte("1")})
	_, _ = m.Do(context.Background(), decision.Effect{Kind: decision.EffectDBPut, Namespace: "other", Key: "a", Value: []byte("x")})

	res, err := m.Do(context.Background(), decision.Effect{Kind: decision.EffectDBScan, Namespace: "ns", KeyPrefix: ""})
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	keys, ok := res.Value.([]string)
	if !ok || len(keys) != 2 {
		t.Fatalf("keys = %#v", res.Value)
	}
	if keys[0] != "ns:a" || keys[1] != "ns:b" {
		t.Errorf("keys = %v, want sorted ns:a, ns:b", keys)
	}
}
