// Package tokenexchange implements the OAuth 2.0 Token Exchange (RFC 8693)
// client and its session-scoped encrypted cache.
package tokenexchange

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/oauth2"

	"github.com/gazzadownunder/fastmcp-oauth/pkg/config"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/errors"
	"github.com/gazzadownunder/fastmcp-oauth/pkg/logger"
)

const (
	// grantTypeTokenExchange is the OAuth 2.0 Token Exchange grant type (RFC 8693)
	//nolint:gosec // G101: OAuth2 URN identifiers, not credentials
	grantTypeTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"

	// tokenTypeAccessToken indicates an OAuth 2.0 access token
	//nolint:gosec // G101: OAuth2 URN identifiers, not credentials
	tokenTypeAccessToken = "urn:ietf:params:oauth:token-type:access_token"

	// maxResponseBodySize is the maximum size for reading response bodies (1 MB)
	maxResponseBodySize = 1 << 20

	// redactedPlaceholder is used to redact sensitive values in string representations
	redactedPlaceholder = "[REDACTED]"

	// emptyPlaceholder is used to indicate empty/missing values in string representations
	emptyPlaceholder = "<empty>"
)

// oAuthError represents an OAuth 2.0 error response as defined in RFC 6749 Section 5.2.
type oAuthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
	ErrorURI         string `json:"error_uri,omitempty"`
	StatusCode       int    `json:"-"`
}

func (e *oAuthError) String() string {
	if e.ErrorURI != "" {
		return fmt.Sprintf("OAuth error %q (status %d): see %s", e.Error, e.StatusCode, e.ErrorURI)
	}
	return fmt.Sprintf("OAuth error %q (status %d)", e.Error, e.StatusCode)
}

// parseOAuthError attempts to parse an OAuth error response from the given response body.
func parseOAuthError(statusCode int, body []byte) *oAuthError {
	var oauthErr oAuthError
	if err := json.Unmarshal(body, &oauthErr); err != nil {
		return nil
	}
	if oauthErr.Error == "" {
		return nil
	}
	oauthErr.StatusCode = statusCode
	return &oauthErr
}

// Request contains the per-call fields of an RFC 8693 exchange.
type Request struct {
	SubjectToken       string
	Audience           string
	Scope              string
	Resource           string
	RequestedTokenType string
}

// String implements fmt.Stringer, redacting the subject token.
func (r Request) String() string {
	subjectToken := redactedPlaceholder
	if r.SubjectToken == "" {
		subjectToken = emptyPlaceholder
	}
	return fmt.Sprintf("Request{Audience: %s, Scope: %s, SubjectToken: %s}",
		r.Audience, r.Scope, subjectToken)
}

// Response is the decoded token-endpoint response.
type Response struct {
	AccessToken     string `json:"access_token"`
	IssuedTokenType string `json:"issued_token_type"`
	TokenType       string `json:"token_type"`
	ExpiresIn       int    `json:"expires_in"`
	Scope           string `json:"scope"`
}

// String implements fmt.Stringer, redacting the access token.
func (r Response) String() string {
	accessToken := redactedPlaceholder
	if r.AccessToken == "" {
		accessToken = emptyPlaceholder
	}
	return fmt.Sprintf("Response{AccessToken: %s, TokenType: %s, ExpiresIn: %d}",
		accessToken, r.TokenType, r.ExpiresIn)
}

// Exchanger performs RFC 8693 exchanges against one token endpoint.
type Exchanger struct {
	endpoint     string
	clientID     string
	clientSecret string
	authMethod   string
	timeout      time.Duration
	httpClient   *http.Client
}

// NewExchanger creates an exchanger from the token-exchange configuration.
// httpClient may be nil.
func NewExchanger(cfg config.TokenExchangeConfig, httpClient *http.Client) *Exchanger {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Exchanger{
		endpoint:     cfg.TokenEndpoint,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		authMethod:   cfg.ClientAuthMethod,
		timeout:      time.Duration(cfg.RequestTimeoutSec) * time.Second,
		httpClient:   httpClient,
	}
}

// Exchange performs the wire call with the per-request timeout and a single
// retry on 5xx or network errors. 4xx responses are not retried.
func (e *Exchanger) Exchange(ctx context.Context, request Request) (*Response, error) {
	if request.SubjectToken == "" {
		return nil, errors.Newf(errors.ErrTokenExchangeFailed, "subject token is required")
	}

	operation := func() (*Response, error) {
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()

		resp, retryable, err := e.exchangeOnce(callCtx, request)
		if err != nil {
			if retryable && ctx.Err() == nil {
				return nil, err
			}
			return nil, backoff.Permanent(err)
		}
		return resp, nil
	}

	// One retry only: two tries in total.
	resp, err := backoff.Retry(ctx, operation,
		backoff.WithMaxTries(2),
		backoff.WithBackOff(backoff.NewConstantBackOff(200*time.Millisecond)),
	)
	if err != nil {
		var taxonomy *errors.Error
		if stderrors.As(err, &taxonomy) {
			return nil, taxonomy
		}
		return nil, errors.New(errors.ErrTokenExchangeFailed, "token exchange request failed", err)
	}
	return resp, nil
}

// exchangeOnce performs a single wire call. The second return value reports
// whether the failure class is retryable.
func (e *Exchanger) exchangeOnce(ctx context.Context, request Request) (*Response, bool, error) {
	data := e.buildFormData(request)

	encoded := data.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, strings.NewReader(encoded))
	if err != nil {
		return nil, false, errors.New(errors.ErrTokenExchangeFailed, "cannot build token exchange request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Content-Length", strconv.Itoa(len(encoded)))

	if e.authMethod == config.ClientAuthBasic && e.clientID != "" {
		// Per RFC 6749 credentials are form-urlencoded before Basic auth.
		req.SetBasicAuth(url.QueryEscape(e.clientID), url.QueryEscape(e.clientSecret))
	}

	httpResp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, true, errors.New(errors.ErrTokenExchangeFailed, "token endpoint unreachable", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBodySize))
	if err != nil {
		return nil, true, errors.New(errors.ErrTokenExchangeFailed, "cannot read token exchange response", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		retryable := httpResp.StatusCode >= 500
		if oauthErr := parseOAuthError(httpResp.StatusCode, body); oauthErr != nil {
			logger.Debugw("token exchange rejected", "oauth_error", oauthErr.Error,
				"description", oauthErr.ErrorDescription, "status", httpResp.StatusCode)
			return nil, retryable, errors.Newf(errors.ErrTokenExchangeFailed, "%s", oauthErr.String())
		}
		return nil, retryable, errors.Newf(errors.ErrTokenExchangeFailed,
			"token exchange failed with status %d", httpResp.StatusCode)
	}

	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, false, errors.New(errors.ErrTokenExchangeFailed, "cannot parse token exchange response", err)
	}
	if resp.AccessToken == "" {
		return nil, false, errors.Newf(errors.ErrTokenExchangeFailed, "token endpoint returned no access token")
	}
	return &resp, false, nil
}

func (e *Exchanger) buildFormData(request Request) url.Values {
	data := url.Values{}
	data.Set("grant_type", grantTypeTokenExchange)
	data.Set("subject_token", request.SubjectToken)
	data.Set("subject_token_type", tokenTypeAccessToken)

	requested := request.RequestedTokenType
	if requested == "" {
		requested = tokenTypeAccessToken
	}
	data.Set("requested_token_type", requested)

	if request.Audience != "" {
		data.Set("audience", request.Audience)
	}
	if request.Scope != "" {
		data.Set("scope", request.Scope)
	}
	if request.Resource != "" {
		data.Set("resource", request.Resource)
	}
	if e.authMethod == config.ClientAuthPost && e.clientID != "" {
		data.Set("client_id", e.clientID)
		data.Set("client_secret", e.clientSecret)
	}
	return data
}

// tokenSource adapts the exchanger to oauth2.TokenSource so delegation
// tokens can feed any oauth2-aware HTTP client.
type tokenSource struct {
	ctx       context.Context
	exchanger *Exchanger
	request   Request
}

// Token implements oauth2.TokenSource.
func (ts *tokenSource) Token() (*oauth2.Token, error) {
	resp, err := ts.exchanger.Exchange(ts.ctx, ts.request)
	if err != nil {
		return nil, err
	}
	token := &oauth2.Token{
		AccessToken: resp.AccessToken,
		TokenType:   resp.TokenType,
	}
	if resp.ExpiresIn > 0 {
		token.Expiry = time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}
	return token, nil
}

// TokenSource returns an oauth2.TokenSource that performs the exchange on
// demand.
func (e *Exchanger) TokenSource(ctx context.Context, request Request) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, exchanger: e, request: request}
}
