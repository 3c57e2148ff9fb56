package ehr

import (
	"net/http"
	"strings"
	"sync"
	"time"
)

// VendorSettings is the deployment configuration for one vendor.
type VendorSettings struct {
	Credentials
	BaseURL      string
	AuthorizeURL string
	TokenURL     string
	RPS          float64
	Burst        int
}

// Constructor builds a connector for a vendor profile.
type Constructor func(profile Profile, opts Options) Connector

// Factory hands out connectors keyed on provider. Connectors for the same
// provider share one token bucket so the vendor ceiling holds across jobs.
type Factory struct {
	mu         sync.Mutex
	profiles   map[Provider]Profile
	ctors      map[Provider]Constructor
	settings   map[Provider]VendorSettings
	limiters   map[Provider]*Limiter
	maxWait    time.Duration
	httpClient *http.Client
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory)

// WithHTTPClient overrides the HTTP client used by built connectors.
func WithHTTPClient(c *http.Client) FactoryOption {
	return func(f *Factory) { f.httpClient = c }
}

// WithMaxWait sets the bounded token-bucket wait.
func WithMaxWait(d time.Duration) FactoryOption {
	return func(f *Factory) { f.maxWait = d }
}

// NewFactory registers the built-in vendor profiles, each served by the
// SMART on FHIR connector.
func NewFactory(settings map[Provider]VendorSettings, opts ...FactoryOption) *Factory {
	f := &Factory{
		profiles: make(map[Provider]Profile),
		ctors:    make(map[Provider]Constructor),
		settings: settings,
		limiters: make(map[Provider]*Limiter),
		maxWait:  DefaultMaxWait,
	}
	if f.settings == nil {
		f.settings = make(map[Provider]VendorSettings)
	}
	for _, o := range opts {
		o(f)
	}
	for _, profile := range Profiles() {
		f.Register(profile, smartConstructor)
	}
	return f
}

func smartConstructor(profile Profile, opts Options) Connector {
	return NewSMARTConnector(profile, opts)
}

// Register installs (or replaces) the implementation for a vendor.
func (f *Factory) Register(profile Profile, ctor Constructor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.profiles[profile.Provider] = profile
	f.ctors[profile.Provider] = ctor
	delete(f.limiters, profile.Provider)
}

// Profile returns the registered profile for a provider.
func (f *Factory) Profile(p Provider) (Profile, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	profile, ok := f.profiles[p]
	return profile, ok
}

// Limiter returns the shared token bucket for a provider.
func (f *Factory) Limiter(p Provider) *Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.limiterLocked(p)
}

func (f *Factory) limiterLocked(p Provider) *Limiter {
	if l, ok := f.limiters[p]; ok {
		return l
	}
	profile := f.profiles[p]
	s := f.settings[p]
	rps, burst := profile.DefaultRPS, profile.DefaultBurst
	if s.RPS > 0 {
		rps = s.RPS
	}
	if s.Burst > 0 {
		burst = s.Burst
	}
	l := NewLimiter(p, rps, burst, f.maxWait)
	f.limiters[p] = l
	return l
}

// Connector builds a connector for a concrete vendor endpoint.
func (f *Factory) Connector(t Target) (Connector, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ctor, ok := f.ctors[t.Provider]
	if !ok {
		return nil, ConfigurationError(t.Provider, "connector", "no connector registered for provider %q", t.Provider)
	}
	s := f.settings[t.Provider]
	opts := Options{
		Credentials:  s.Credentials,
		BaseURL:      firstNonEmpty(t.BaseURL, s.BaseURL),
		AuthorizeURL: s.AuthorizeURL,
		TokenURL:     s.TokenURL,
		TenantID:     t.TenantID,
		Limiter:      f.limiterLocked(t.Provider),
		HTTPClient:   f.httpClient,
	}
	return ctor(f.profiles[t.Provider], opts), nil
}

// BaseURL resolves the FHIR base URL a connector for t would use.
func (f *Factory) BaseURL(t Target) (string, error) {
	f.mu.Lock()
	profile, ok := f.profiles[t.Provider]
	s := f.settings[t.Provider]
	f.mu.Unlock()
	if !ok {
		return "", ConfigurationError(t.Provider, "base_url", "no connector registered for provider %q", t.Provider)
	}
	tmpl := firstNonEmpty(t.BaseURL, s.BaseURL, profile.BaseURL)
	u, err := expandTemplate(t.Provider, "base_url", tmpl, map[string]string{"tenantId": t.TenantID})
	if err != nil {
		return "", err
	}
	return strings.TrimRight(u, "/"), nil
}
