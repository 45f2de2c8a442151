package iam

import (
	"context"
	"testing"
	"time"
)

func TestApplyConfigBuildsCacheForConfiguredTTL(t *testing.T) {
	a, err := NewAuthorizer(nil, WithCacheTTL(0))
	if err != nil {
		t.Fatalf("new authorizer: %v", err)
	}
	if a.cache != nil {
		t.Fatalf("cache must start disabled")
	}

	cfg := &Config{Engine: EngineConfig{PolicyCacheTTL: 250}}
	if err := a.ApplyConfig(context.Background(), nil, cfg); err != nil {
		t.Fatalf("apply config: %v", err)
	}
	if a.cacheTTL != 250*time.Millisecond {
		t.Fatalf("ttl not applied: %v", a.cacheTTL)
	}
	if a.cache == nil {
		t.Fatalf("a configured ttl must build the cache")
	}
}

func TestApplyConfigSizingKnobsBuildCache(t *testing.T) {
	a, err := NewAuthorizer(nil, WithCacheTTL(0))
	if err != nil {
		t.Fatalf("new authorizer: %v", err)
	}

	cfg := &Config{Engine: EngineConfig{
		PolicyCacheTTL:      100,
		RistrettoNumCounter: 1 << 10,
		RistrettoMaxCost:    1 << 20,
		RistrettoBuffer:     64,
	}}
	if err := a.ApplyConfig(context.Background(), nil, cfg); err != nil {
		t.Fatalf("apply config: %v", err)
	}
	if a.cache == nil {
		t.Fatalf("sizing knobs must build the cache")
	}
}
