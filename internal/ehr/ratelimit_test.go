package ehr

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestLimiter_WaitsInsteadOfFailing(t *testing.T) {
	const n = 5
	l := NewLimiter(ProviderEpic, n, n, 2*time.Second)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < n+1; i++ {
		if err := l.Wait(ctx, "test"); err != nil {
			t.Fatalf("call %d: unexpected error: %v", i+1, err)
		}
	}
	elapsed := time.Since(start)
	if elapsed < 150*time.Millisecond {
		t.Errorf("expected call %d to wait for a token, elapsed %v", n+1, elapsed)
	}
}

func TestLimiter_BoundedWait(t *testing.T) {
	l := NewLimiter(ProviderCerner, 1, 1, 20*time.Millisecond)
	ctx := context.Background()

	if err := l.Wait(ctx, "test"); err != nil {
		t.Fatalf("first call: %v", err)
	}
	err := l.Wait(ctx, "test")
	if err == nil {
		t.Fatal("expected rate limit error once the bounded wait is exceeded")
	}
	if KindOf(err) != KindRateLimit {
		t.Errorf("expected rate_limit, got %v", KindOf(err))
	}
	var e *Error
	if !errors.As(err, &e) || e.Provider != ProviderCerner {
		t.Errorf("expected provider on error, got %v", err)
	}
}

func TestLimiter_CallerCancellation(t *testing.T) {
	l := NewLimiter(ProviderEpic, 1, 1, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	l.Wait(ctx, "test")
	cancel()
	err := l.Wait(ctx, "test")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestLimiter_NilIsUnlimited(t *testing.T) {
	var l *Limiter
	if err := l.Wait(context.Background(), "test"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestFactory_SharesLimiterPerProvider(t *testing.T) {
	f := NewFactory(map[Provider]VendorSettings{
		ProviderEpic: {RPS: 3, Burst: 4},
	})
	a := f.Limiter(ProviderEpic)
	b := f.Limiter(ProviderEpic)
	if a != b {
		t.Error("expected the same limiter instance for one provider")
	}
	if a.Limit() != 3 || a.Burst() != 4 {
		t.Errorf("expected configured limits 3/4, got %v/%d", a.Limit(), a.Burst())
	}
	if f.Limiter(ProviderCerner) == a {
		t.Error("expected distinct limiters across providers")
	}
	if got := f.Limiter(ProviderCerner).Limit(); got != Profiles()[ProviderCerner].DefaultRPS {
		t.Errorf("expected profile default rps, got %v", got)
	}
}

func TestFactory_Connector(t *testing.T) {
	f := NewFactory(map[Provider]VendorSettings{
		ProviderAllscripts: {Credentials: Credentials{ClientID: "abc", RedirectURI: "https://cb"}},
	})
	c, err := f.Connector(Target{Provider: ProviderAllscripts})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Provider() != ProviderAllscripts {
		t.Errorf("unexpected provider %s", c.Provider())
	}
	if _, ok := c.(TokenRefresher); !ok {
		t.Error("expected SMART connector to refresh tokens")
	}
	if _, ok := c.(ResourcePusher); !ok {
		t.Error("expected SMART connector to push resources")
	}

	_, err = f.Connector(Target{Provider: Provider("UNKNOWN")})
	if KindOf(err) != KindConfiguration {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestFactory_BaseURL(t *testing.T) {
	f := NewFactory(map[Provider]VendorSettings{
		ProviderEpic: {BaseURL: "https://epic.example.org/api/FHIR/R4/"},
	})
	u, err := f.BaseURL(Target{Provider: ProviderCerner, TenantID: "t-42"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u != "https://fhir-myrecord.cerner.com/r4/t-42" {
		t.Errorf("unexpected cerner base %s", u)
	}
	if _, err := f.BaseURL(Target{Provider: ProviderCerner}); KindOf(err) != KindConfiguration {
		t.Errorf("expected configuration error without tenant, got %v", err)
	}
	if u, _ := f.BaseURL(Target{Provider: ProviderEpic}); u != "https://epic.example.org/api/FHIR/R4" {
		t.Errorf("expected configured epic base, got %s", u)
	}
	if u, _ := f.BaseURL(Target{Provider: ProviderEpic, BaseURL: "https://override"}); u != "https://override" {
		t.Errorf("expected target override, got %s", u)
	}
}
