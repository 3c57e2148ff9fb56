package ehr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func newTestConnector(t *testing.T, provider Provider, handler http.Handler) (*SMARTConnector, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewSMARTConnector(Profiles()[provider], Options{
		Credentials: Credentials{ClientID: "client-1", RedirectURI: "https://app.example/callback"},
		BaseURL:     srv.URL + "/fhir",
		TokenURL:    srv.URL + "/token",
		Timeout:     5 * time.Second,
	})
	return c, srv
}

func TestBuildAuthorizationURL_CernerRequiresTenant(t *testing.T) {
	c := NewSMARTConnector(Profiles()[ProviderCerner], Options{
		Credentials: Credentials{ClientID: "client-1", RedirectURI: "https://app.example/callback"},
	})

	_, err := c.BuildAuthorizationURL(AuthorizationParams{State: "s1", CodeChallenge: "challenge"})
	if err == nil {
		t.Fatal("expected error without tenant id")
	}
	if KindOf(err) != KindConfiguration {
		t.Errorf("expected configuration error, got %v", KindOf(err))
	}

	raw, err := c.BuildAuthorizationURL(AuthorizationParams{State: "s1", CodeChallenge: "challenge", TenantID: "ec2458f2"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("invalid url %q: %v", raw, err)
	}
	if !strings.Contains(u.Path, "/tenants/ec2458f2/") {
		t.Errorf("expected tenant in path, got %s", u.Path)
	}
	q := u.Query()
	if q.Get("aud") != "https://fhir-myrecord.cerner.com/r4/ec2458f2" {
		t.Errorf("unexpected aud %q", q.Get("aud"))
	}
	if q.Get("code_challenge_method") != "S256" {
		t.Errorf("expected S256 challenge method, got %q", q.Get("code_challenge_method"))
	}
	if q.Get("state") != "s1" {
		t.Errorf("expected state s1, got %q", q.Get("state"))
	}
	if !strings.Contains(q.Get("scope"), "patient/Observation.read") {
		t.Errorf("expected observation scope, got %q", q.Get("scope"))
	}
}

func TestBuildAuthorizationURL_MissingClientID(t *testing.T) {
	c := NewSMARTConnector(Profiles()[ProviderEpic], Options{})
	_, err := c.BuildAuthorizationURL(AuthorizationParams{CodeChallenge: "x"})
	if KindOf(err) != KindConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestBuildAuthorizationURL_AllscriptsScopes(t *testing.T) {
	c := NewSMARTConnector(Profiles()[ProviderAllscripts], Options{
		Credentials: Credentials{ClientID: "client-1", RedirectURI: "https://app.example/callback"},
	})
	raw, err := c.BuildAuthorizationURL(AuthorizationParams{State: "s"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	u, _ := url.Parse(raw)
	scope := u.Query().Get("scope")
	for _, want := range []string{"patient/Goal.read", "patient/ServiceRequest.read", "patient/Goal.write"} {
		if !strings.Contains(scope, want) {
			t.Errorf("expected scope %s in %q", want, scope)
		}
	}
}

func TestExchangeCodeForToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.Form.Get("grant_type") != "authorization_code" {
			t.Errorf("unexpected grant_type %q", r.Form.Get("grant_type"))
		}
		if r.Form.Get("code_verifier") != "verifier-1" {
			t.Errorf("unexpected code_verifier %q", r.Form.Get("code_verifier"))
		}
		if r.Form.Get("code") == "bad" {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"at-1","refresh_token":"rt-1","token_type":"Bearer","expires_in":3600,"patient":"p-9"}`))
	})
	c, _ := newTestConnector(t, ProviderEpic, mux)

	ts, err := c.ExchangeCodeForToken(context.Background(), "good", "verifier-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts.AccessToken != "at-1" || ts.RefreshToken != "rt-1" || ts.PatientID != "p-9" {
		t.Errorf("unexpected token set: %+v", ts)
	}
	if ts.ExpiresAt == nil || ts.Expired(time.Now()) {
		t.Errorf("expected future expiry, got %v", ts.ExpiresAt)
	}

	_, err = c.ExchangeCodeForToken(context.Background(), "bad", "verifier-1")
	if KindOf(err) != KindAuthentication {
		t.Errorf("expected authentication error, got %v", err)
	}
}

func TestRefreshToken_KeepsRefreshToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.Form.Get("grant_type") != "refresh_token" || r.Form.Get("refresh_token") != "rt-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"access_token":"at-2","expires_in":60}`))
	})
	c, _ := newTestConnector(t, ProviderEpic, mux)

	ts, err := c.RefreshToken(context.Background(), &TokenSet{AccessToken: "at-1", RefreshToken: "rt-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts.AccessToken != "at-2" || ts.RefreshToken != "rt-1" {
		t.Errorf("unexpected token set: %+v", ts)
	}

	_, err = c.RefreshToken(context.Background(), &TokenSet{AccessToken: "at-1"})
	if KindOf(err) != KindAuthentication {
		t.Errorf("expected authentication error without refresh token, got %v", err)
	}
}

func TestFetchResource_StatusMapping(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/fhir/Observation/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer at-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/fhir/Observation/")
		switch id {
		case "123":
			w.Header().Set("Content-Type", "application/fhir+json")
			w.Write([]byte(`{"resourceType":"Observation","id":"123","meta":{"lastUpdated":"2024-03-01T10:00:00Z"},"status":"final"}`))
		case "missing":
			w.WriteHeader(http.StatusNotFound)
		case "busy":
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	})
	c, _ := newTestConnector(t, ProviderEpic, mux)
	token := &TokenSet{AccessToken: "at-1"}
	ctx := context.Background()

	res, err := c.FetchResource(ctx, "Observation", "123", token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.ResourceType != "Observation" || res.ID != "123" {
		t.Errorf("unexpected resource %s", res.Key())
	}
	want := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	if !res.LastModified.Equal(want) {
		t.Errorf("expected lastModified %v, got %v", want, res.LastModified)
	}

	tests := []struct {
		id   string
		kind Kind
	}{
		{"missing", KindNotFound},
		{"busy", KindRateLimit},
		{"broken", KindUpstream},
	}
	for _, tt := range tests {
		_, err := c.FetchResource(ctx, "Observation", tt.id, token)
		if KindOf(err) != tt.kind {
			t.Errorf("%s: expected %s, got %v", tt.id, tt.kind, err)
		}
	}

	_, err = c.FetchResource(ctx, "Observation", "busy", token)
	if RetryAfterOf(err) != 2*time.Second {
		t.Errorf("expected 2s retry-after, got %v", RetryAfterOf(err))
	}

	_, err = c.FetchResource(ctx, "Observation", "123", &TokenSet{AccessToken: "expired"})
	if KindOf(err) != KindAuthentication {
		t.Errorf("expected authentication error, got %v", err)
	}
}

func TestFetchResource_VendorResourceSubset(t *testing.T) {
	c, _ := newTestConnector(t, ProviderEpic, http.NotFoundHandler())
	_, err := c.FetchResource(context.Background(), "Goal", "g1", &TokenSet{AccessToken: "x"})
	if KindOf(err) != KindConfiguration {
		t.Errorf("expected configuration error for Goal on Epic, got %v", err)
	}
}

func TestFetchResource_NetworkFailureIsUpstream(t *testing.T) {
	c := NewSMARTConnector(Profiles()[ProviderEpic], Options{
		BaseURL: "http://127.0.0.1:1/fhir",
		Timeout: time.Second,
	})
	_, err := c.FetchResource(context.Background(), "Observation", "1", &TokenSet{AccessToken: "x"})
	if KindOf(err) != KindUpstream {
		t.Errorf("expected upstream error, got %v", err)
	}
}

func TestBulkExport_FullCycle(t *testing.T) {
	var polls int32
	var srvURL string
	mux := http.NewServeMux()
	mux.HandleFunc("/fhir/Patient/$export", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Prefer") != "respond-async" {
			t.Errorf("expected Prefer: respond-async")
		}
		if r.URL.Query().Get("_type") != "Observation,Condition" {
			t.Errorf("unexpected _type %q", r.URL.Query().Get("_type"))
		}
		w.Header().Set("Content-Location", srvURL+"/status/42")
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/status/42", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&polls, 1) < 3 {
			w.Header().Set("X-Progress", "working")
			w.WriteHeader(http.StatusAccepted)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"transactionTime": "2024-03-01T10:00:00Z",
			"output": []map[string]interface{}{
				{"type": "Observation", "url": srvURL + "/files/obs.ndjson", "count": 2},
				{"type": "Condition", "url": srvURL + "/files/cond.ndjson", "count": 1},
			},
		})
	})
	mux.HandleFunc("/files/obs.ndjson", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"resourceType":"Observation","id":"o1"}`)
		fmt.Fprintln(w, "")
		fmt.Fprintln(w, `{"resourceType":"Observation","id":"o2"}`)
	})
	mux.HandleFunc("/files/cond.ndjson", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"resourceType":"Condition","id":"c1"}`)
	})
	c, srv := newTestConnector(t, ProviderEpic, mux)
	srvURL = srv.URL
	token := &TokenSet{AccessToken: "at"}
	ctx := context.Background()

	job, err := c.InitiateBulkExport(ctx, BulkExportParams{Type: ExportPatient, ResourceTypes: []string{"Observation", "Condition"}}, token)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if job.Status != ExportInitiated || job.PollURL != srv.URL+"/status/42" {
		t.Fatalf("unexpected job %+v", job)
	}

	for i := 0; i < 2; i++ {
		job, err = c.PollBulkExportStatus(ctx, job, token)
		if err != nil {
			t.Fatalf("poll %d: %v", i, err)
		}
		if job.Status != ExportInProgress {
			t.Fatalf("poll %d: expected IN_PROGRESS, got %s", i, job.Status)
		}
	}
	job, err = c.PollBulkExportStatus(ctx, job, token)
	if err != nil {
		t.Fatalf("final poll: %v", err)
	}
	if job.Status != ExportCompleted || job.ResourceCount != 3 || len(job.OutputFiles) != 2 {
		t.Fatalf("unexpected completed job %+v", job)
	}

	stream, err := c.DownloadBulkExportFiles(ctx, job, token)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer stream.Close()
	var keys []string
	for {
		r, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		keys = append(keys, r.Key())
	}
	if strings.Join(keys, ",") != "Observation/o1,Observation/o2,Condition/c1" {
		t.Errorf("unexpected resources %v", keys)
	}
	if _, err := stream.Next(ctx); !errors.Is(err, io.EOF) {
		t.Errorf("expected exhausted stream to keep returning EOF, got %v", err)
	}
}

func TestPollBulkExport_VendorFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/status/1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"resourceType":"OperationOutcome","issue":[{"diagnostics":"export expired"}]}`))
	})
	mux.HandleFunc("/status/2", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	c, srv := newTestConnector(t, ProviderEpic, mux)

	job, err := c.PollBulkExportStatus(context.Background(), &BulkExportJob{PollURL: srv.URL + "/status/1"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if job.Status != ExportFailed || !strings.Contains(job.ErrorMessage, "export expired") {
		t.Errorf("unexpected job %+v", job)
	}

	_, err = c.PollBulkExportStatus(context.Background(), &BulkExportJob{PollURL: srv.URL + "/status/2"}, nil)
	if KindOf(err) != KindUpstream {
		t.Errorf("expected upstream error, got %v", err)
	}
}

func TestInitiateBulkExport_Unsupported(t *testing.T) {
	c, _ := newTestConnector(t, ProviderMeditech, http.NotFoundHandler())
	_, err := c.InitiateBulkExport(context.Background(), BulkExportParams{Type: ExportSystem}, nil)
	if KindOf(err) != KindConfiguration {
		t.Errorf("expected configuration error, got %v", err)
	}
}

func TestPushResource(t *testing.T) {
	var got string
	mux := http.NewServeMux()
	mux.HandleFunc("/fhir/Goal/g1", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("expected PUT, got %s", r.Method)
		}
		b, _ := io.ReadAll(r.Body)
		got = string(b)
		w.WriteHeader(http.StatusOK)
	})
	c, _ := newTestConnector(t, ProviderAllscripts, mux)
	payload := `{"resourceType":"Goal","id":"g1"}`
	err := c.PushResource(context.Background(), &RawResource{ResourceType: "Goal", ID: "g1", Payload: []byte(payload)}, &TokenSet{AccessToken: "x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != payload {
		t.Errorf("unexpected body %s", got)
	}

	epic, _ := newTestConnector(t, ProviderEpic, mux)
	err = epic.PushResource(context.Background(), &RawResource{ResourceType: "Goal", ID: "g1"}, nil)
	if KindOf(err) != KindConfiguration {
		t.Errorf("expected configuration error for read-only vendor, got %v", err)
	}
}
