package ehr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

const (
	mimeFHIRJSON   = "application/fhir+json"
	mimeFHIRNDJSON = "application/fhir+ndjson"
)

// Credentials are the OAuth client registration values for one vendor.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
}

// Options configure a connector instance. Empty URL fields fall back to the
// vendor profile templates.
type Options struct {
	Credentials
	BaseURL      string
	AuthorizeURL string
	TokenURL     string
	TenantID     string
	Limiter      *Limiter
	HTTPClient   *http.Client
	Timeout      time.Duration
}

// SMARTConnector talks to any SMART on FHIR R4 server. Vendor differences
// are expressed through its Profile.
type SMARTConnector struct {
	profile      Profile
	creds        Credentials
	tenantID     string
	baseURL      string
	authorizeURL string
	tokenURL     string
	client       *resty.Client
	limiter      *Limiter
	now          func() time.Time
}

// NewSMARTConnector builds a connector for the given vendor profile.
func NewSMARTConnector(profile Profile, opts Options) *SMARTConnector {
	var client *resty.Client
	if opts.HTTPClient != nil {
		client = resty.NewWithClient(opts.HTTPClient)
	} else {
		client = resty.New()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client.SetTimeout(timeout).
		SetHeader("Accept", mimeFHIRJSON).
		SetHeader("User-Agent", "holovitals-ehrsync/1.0")

	c := &SMARTConnector{
		profile:      profile,
		creds:        opts.Credentials,
		tenantID:     opts.TenantID,
		baseURL:      firstNonEmpty(opts.BaseURL, profile.BaseURL),
		authorizeURL: firstNonEmpty(opts.AuthorizeURL, profile.AuthorizeURL),
		tokenURL:     firstNonEmpty(opts.TokenURL, profile.TokenURL),
		client:       client,
		limiter:      opts.Limiter,
		now:          time.Now,
	}
	return c
}

func (c *SMARTConnector) Provider() Provider { return c.profile.Provider }

// Profile returns the vendor profile backing this connector.
func (c *SMARTConnector) Profile() Profile { return c.profile }

func (c *SMARTConnector) resolve(op, tmpl, tenantID string) (string, error) {
	if tenantID == "" {
		tenantID = c.tenantID
	}
	u, err := expandTemplate(c.profile.Provider, op, tmpl, map[string]string{"tenantId": tenantID})
	if err != nil {
		return "", err
	}
	return strings.TrimRight(u, "/"), nil
}

// BuildAuthorizationURL constructs the OAuth authorization redirect.
func (c *SMARTConnector) BuildAuthorizationURL(params AuthorizationParams) (string, error) {
	const op = "build_authorization_url"
	if c.creds.ClientID == "" {
		return "", ConfigurationError(c.profile.Provider, op, "client id is not configured")
	}
	if c.creds.RedirectURI == "" {
		return "", ConfigurationError(c.profile.Provider, op, "redirect uri is not configured")
	}
	if c.profile.RequiresPKCE && params.CodeChallenge == "" {
		return "", ValidationError(c.profile.Provider, op, "PKCE code challenge is required")
	}

	authorize, err := c.resolve(op, c.authorizeURL, params.TenantID)
	if err != nil {
		return "", err
	}
	aud, err := c.resolve(op, c.baseURL, params.TenantID)
	if err != nil {
		return "", err
	}

	scopes := append([]string{}, c.profile.Scopes...)
	scopes = append(scopes, params.ExtraScopes...)

	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", c.creds.ClientID)
	q.Set("redirect_uri", c.creds.RedirectURI)
	q.Set("scope", strings.Join(scopes, " "))
	q.Set("aud", aud)
	if params.State != "" {
		q.Set("state", params.State)
	}
	if params.Launch != "" {
		q.Set("launch", params.Launch)
	}
	if params.CodeChallenge != "" {
		q.Set("code_challenge", params.CodeChallenge)
		q.Set("code_challenge_method", "S256")
	}

	sep := "?"
	if strings.Contains(authorize, "?") {
		sep = "&"
	}
	return authorize + sep + q.Encode(), nil
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
	Patient      string `json:"patient"`
}

// ExchangeCodeForToken completes the authorization code grant.
func (c *SMARTConnector) ExchangeCodeForToken(ctx context.Context, code, verifier string) (*TokenSet, error) {
	const op = "exchange_code"
	if code == "" {
		return nil, ValidationError(c.profile.Provider, op, "authorization code is required")
	}
	form := map[string]string{
		"grant_type":   "authorization_code",
		"code":         code,
		"redirect_uri": c.creds.RedirectURI,
		"client_id":    c.creds.ClientID,
	}
	if verifier != "" {
		form["code_verifier"] = verifier
	}
	return c.tokenRequest(ctx, op, form, nil)
}

// RefreshToken exchanges a refresh token for a new access token.
func (c *SMARTConnector) RefreshToken(ctx context.Context, token *TokenSet) (*TokenSet, error) {
	const op = "refresh_token"
	if token == nil || token.RefreshToken == "" {
		return nil, AuthenticationError(c.profile.Provider, op, "no refresh token available")
	}
	form := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": token.RefreshToken,
		"client_id":     c.creds.ClientID,
	}
	return c.tokenRequest(ctx, op, form, token)
}

func (c *SMARTConnector) tokenRequest(ctx context.Context, op string, form map[string]string, previous *TokenSet) (*TokenSet, error) {
	if c.creds.ClientID == "" {
		return nil, ConfigurationError(c.profile.Provider, op, "client id is not configured")
	}
	tokenURL, err := c.resolve(op, c.tokenURL, "")
	if err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx, op); err != nil {
		return nil, err
	}

	req := c.client.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetFormData(form)
	if c.creds.ClientSecret != "" {
		req.SetBasicAuth(c.creds.ClientID, c.creds.ClientSecret)
	}
	resp, err := req.Post(tokenURL)
	if err != nil {
		return nil, c.transportError(ctx, op, err)
	}
	if e := classifyStatus(c.profile.Provider, op, resp.StatusCode(), resp.Header(), resp.Body()); e != nil {
		// The token endpoint answers invalid_grant and friends with 400.
		if e.Kind == KindValidation {
			e.Kind = KindAuthentication
		}
		return nil, e
	}

	var tr tokenResponse
	if err := json.Unmarshal(resp.Body(), &tr); err != nil {
		return nil, UpstreamError(c.profile.Provider, op, "decode token response: %v", err)
	}
	if tr.AccessToken == "" {
		return nil, AuthenticationError(c.profile.Provider, op, "token response did not include an access token")
	}

	ts := &TokenSet{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    firstNonEmpty(tr.TokenType, "Bearer"),
		Scope:        tr.Scope,
		PatientID:    tr.Patient,
	}
	if ts.RefreshToken == "" && previous != nil {
		ts.RefreshToken = previous.RefreshToken
	}
	if ts.PatientID == "" && previous != nil {
		ts.PatientID = previous.PatientID
	}
	if tr.ExpiresIn > 0 {
		exp := c.now().Add(time.Duration(tr.ExpiresIn) * time.Second).UTC()
		ts.ExpiresAt = &exp
	}
	return ts, nil
}

// FetchResource reads a single resource.
func (c *SMARTConnector) FetchResource(ctx context.Context, resourceType, resourceID string, token *TokenSet) (*RawResource, error) {
	const op = "fetch_resource"
	if resourceType == "" || resourceID == "" {
		return nil, ValidationError(c.profile.Provider, op, "resource type and id are required")
	}
	if !c.profile.Supports(resourceType) {
		return nil, ConfigurationError(c.profile.Provider, op, "%s is not exposed by %s", resourceType, c.profile.DisplayName)
	}
	base, err := c.resolve(op, c.baseURL, "")
	if err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx, op); err != nil {
		return nil, err
	}

	resp, err := c.authorized(ctx, token).
		Get(base + "/" + url.PathEscape(resourceType) + "/" + url.PathEscape(resourceID))
	if err != nil {
		return nil, c.transportError(ctx, op, err)
	}
	if e := classifyStatus(c.profile.Provider, op, resp.StatusCode(), resp.Header(), resp.Body()); e != nil {
		return nil, e
	}

	res, err := ParseRawResource(resp.Body())
	if err != nil {
		return nil, UpstreamError(c.profile.Provider, op, "%s/%s: %v", resourceType, resourceID, err)
	}
	if res.LastModified.IsZero() {
		if lm, perr := http.ParseTime(resp.Header().Get("Last-Modified")); perr == nil {
			res.LastModified = lm.UTC()
		}
	}
	return res, nil
}

// PushResource writes a resource back with an update-as-create PUT.
func (c *SMARTConnector) PushResource(ctx context.Context, resource *RawResource, token *TokenSet) error {
	const op = "push_resource"
	if !c.profile.SupportsPush {
		return ConfigurationError(c.profile.Provider, op, "%s does not accept writes", c.profile.DisplayName)
	}
	base, err := c.resolve(op, c.baseURL, "")
	if err != nil {
		return err
	}
	if err := c.limiter.Wait(ctx, op); err != nil {
		return err
	}
	resp, err := c.authorized(ctx, token).
		SetHeader("Content-Type", mimeFHIRJSON).
		SetBody([]byte(resource.Payload)).
		Put(base + "/" + url.PathEscape(resource.ResourceType) + "/" + url.PathEscape(resource.ID))
	if err != nil {
		return c.transportError(ctx, op, err)
	}
	if e := classifyStatus(c.profile.Provider, op, resp.StatusCode(), resp.Header(), resp.Body()); e != nil {
		return e
	}
	return nil
}

// InitiateBulkExport kicks off a FHIR Bulk Data $export.
func (c *SMARTConnector) InitiateBulkExport(ctx context.Context, params BulkExportParams, token *TokenSet) (*BulkExportJob, error) {
	const op = "initiate_bulk_export"
	if !c.profile.SupportsBulkExport {
		return nil, ConfigurationError(c.profile.Provider, op, "%s does not support bulk export", c.profile.DisplayName)
	}
	base, err := c.resolve(op, c.baseURL, "")
	if err != nil {
		return nil, err
	}

	var path string
	switch params.Type {
	case ExportPatient:
		path = "/Patient/$export"
	case ExportGroup:
		if params.GroupID == "" {
			return nil, ValidationError(c.profile.Provider, op, "group export requires a group id")
		}
		path = "/Group/" + url.PathEscape(params.GroupID) + "/$export"
	case ExportSystem:
		path = "/$export"
	default:
		return nil, ValidationError(c.profile.Provider, op, "unknown export type %q", params.Type)
	}

	q := url.Values{}
	q.Set("_outputFormat", mimeFHIRNDJSON)
	if len(params.ResourceTypes) > 0 {
		q.Set("_type", strings.Join(params.ResourceTypes, ","))
	}
	if params.Since != nil {
		q.Set("_since", params.Since.UTC().Format(time.RFC3339))
	}
	if params.Type == ExportPatient && params.PatientID != "" {
		q.Set("patient", "Patient/"+params.PatientID)
	}

	if err := c.limiter.Wait(ctx, op); err != nil {
		return nil, err
	}
	resp, err := c.authorized(ctx, token).
		SetHeader("Prefer", "respond-async").
		SetQueryParamsFromValues(q).
		Get(base + path)
	if err != nil {
		return nil, c.transportError(ctx, op, err)
	}
	if e := classifyStatus(c.profile.Provider, op, resp.StatusCode(), resp.Header(), resp.Body()); e != nil {
		return nil, e
	}
	if resp.StatusCode() != http.StatusAccepted {
		return nil, UpstreamError(c.profile.Provider, op, "expected 202 Accepted, got %d", resp.StatusCode())
	}
	poll := resp.Header().Get("Content-Location")
	if poll == "" {
		return nil, UpstreamError(c.profile.Provider, op, "export accepted without a Content-Location poll url")
	}

	now := c.now().UTC()
	return &BulkExportJob{
		ID:         uuid.New(),
		Provider:   c.profile.Provider,
		ExportType: params.Type,
		Status:     ExportInitiated,
		PollURL:    poll,
		StartedAt:  now,
		UpdatedAt:  now,
	}, nil
}

type exportManifest struct {
	TransactionTime     string       `json:"transactionTime"`
	RequiresAccessToken bool         `json:"requiresAccessToken"`
	Output              []ExportFile `json:"output"`
	Error               []ExportFile `json:"error"`
}

// PollBulkExportStatus checks an export. Still running exports come back as
// IN_PROGRESS rather than as an error.
func (c *SMARTConnector) PollBulkExportStatus(ctx context.Context, job *BulkExportJob, token *TokenSet) (*BulkExportJob, error) {
	const op = "poll_bulk_export"
	if job == nil || job.PollURL == "" {
		return nil, ValidationError(c.profile.Provider, op, "export job has no poll url")
	}
	if err := c.limiter.Wait(ctx, op); err != nil {
		return nil, err
	}
	resp, err := c.authorized(ctx, token).
		SetHeader("Accept", "application/json").
		Get(job.PollURL)
	if err != nil {
		return nil, c.transportError(ctx, op, err)
	}

	out := *job
	out.UpdatedAt = c.now().UTC()
	status := resp.StatusCode()
	switch {
	case status == http.StatusAccepted:
		out.Status = ExportInProgress
		out.Progress = resp.Header().Get("X-Progress")
		return &out, nil
	case status == http.StatusOK:
		var m exportManifest
		if err := json.Unmarshal(resp.Body(), &m); err != nil {
			return nil, UpstreamError(c.profile.Provider, op, "decode export manifest: %v", err)
		}
		out.Status = ExportCompleted
		out.Progress = ""
		out.OutputFiles = m.Output
		out.ResourceCount = 0
		for _, f := range m.Output {
			out.ResourceCount += f.Count
		}
		if len(m.Error) > 0 {
			out.ErrorMessage = fmt.Sprintf("vendor reported %d error file(s)", len(m.Error))
		}
		done := out.UpdatedAt
		out.CompletedAt = &done
		return &out, nil
	}

	e := classifyStatus(c.profile.Provider, op, status, resp.Header(), resp.Body())
	if e == nil {
		return nil, UpstreamError(c.profile.Provider, op, "unexpected poll status %d", status)
	}
	switch e.Kind {
	case KindUpstream, KindRateLimit, KindAuthentication:
		return nil, e
	}
	// The vendor answered the poll and reports the export itself as failed.
	out.Status = ExportFailed
	out.ErrorMessage = e.Message
	done := out.UpdatedAt
	out.CompletedAt = &done
	return &out, nil
}

// DownloadBulkExportFiles streams the NDJSON output files of a completed
// export, one resource at a time.
func (c *SMARTConnector) DownloadBulkExportFiles(ctx context.Context, job *BulkExportJob, token *TokenSet) (ResourceStream, error) {
	const op = "download_bulk_export"
	if job == nil || job.Status != ExportCompleted {
		return nil, ValidationError(c.profile.Provider, op, "export is not completed")
	}
	open := func(ctx context.Context, f ExportFile) (io.ReadCloser, error) {
		if err := c.limiter.Wait(ctx, op); err != nil {
			return nil, err
		}
		resp, err := c.authorized(ctx, token).
			SetHeader("Accept", mimeFHIRNDJSON).
			SetDoNotParseResponse(true).
			Get(f.URL)
		if err != nil {
			return nil, c.transportError(ctx, op, err)
		}
		body := resp.RawBody()
		if resp.StatusCode() != http.StatusOK {
			head, _ := io.ReadAll(io.LimitReader(body, 512))
			body.Close()
			if e := classifyStatus(c.profile.Provider, op, resp.StatusCode(), resp.Header(), head); e != nil {
				return nil, e
			}
			return nil, UpstreamError(c.profile.Provider, op, "unexpected status %d for %s", resp.StatusCode(), f.URL)
		}
		return body, nil
	}
	return newNDJSONStream(c.profile.Provider, job.OutputFiles, open), nil
}

func (c *SMARTConnector) authorized(ctx context.Context, token *TokenSet) *resty.Request {
	req := c.client.R().SetContext(ctx)
	if token != nil && token.AccessToken != "" {
		req.SetAuthToken(token.AccessToken)
	}
	return req
}

func (c *SMARTConnector) transportError(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return &Error{Kind: KindUpstream, Provider: c.profile.Provider, Op: op, Message: err.Error(), Err: err}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
