package warden

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
)

var _ Client = (*HTTPClient)(nil)

// HTTPClient talks to a warden server over HTTP.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPClient creates a client for the server at baseURL. A nil httpClient
// uses http.DefaultClient.
func NewHTTPClient(baseURL string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPClient{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

func (c *HTTPClient) RegistrationOptions(ctx context.Context, req CeremonyOptionsRequest) (*protocol.CredentialCreation, error) {
	var out protocol.CredentialCreation
	if err := c.do(ctx, http.MethodPost, "/registration/options", "", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) RegistrationVerify(ctx context.Context, req CeremonyVerifyRequest) (RegistrationResponse, error) {
	var out RegistrationResponse
	err := c.do(ctx, http.MethodPost, "/registration/verify", "", req, &out)
	return out, err
}

func (c *HTTPClient) AuthenticationOptions(ctx context.Context, req CeremonyOptionsRequest) (*protocol.CredentialAssertion, error) {
	var out protocol.CredentialAssertion
	if err := c.do(ctx, http.MethodPost, "/authentication/options", "", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) AuthenticationVerify(ctx context.Context, req CeremonyVerifyRequest) (AuthenticationResponse, error) {
	var out AuthenticationResponse
	err := c.do(ctx, http.MethodPost, "/authentication/verify", "", req, &out)
	return out, err
}

func (c *HTTPClient) Refresh(ctx context.Context, refreshToken string) (TokenResponse, error) {
	var out TokenResponse
	err := c.do(ctx, http.MethodPost, "/session/refresh", "", RefreshRequest{RefreshToken: refreshToken}, &out)
	return out, err
}

func (c *HTTPClient) Logout(ctx context.Context, refreshToken string) error {
	return c.do(ctx, http.MethodPost, "/session/logout", "", RefreshRequest{RefreshToken: refreshToken}, nil)
}

func (c *HTTPClient) Prepare(ctx context.Context, accessToken string, req PrepareRequest) (PrepareResponse, error) {
	var out PrepareResponse
	err := c.do(ctx, http.MethodPost, "/transaction/prepare", accessToken, req, &out)
	return out, err
}

func (c *HTTPClient) Submit(ctx context.Context, accessToken string, req SubmitRequest) (SubmissionResponse, error) {
	var out SubmissionResponse
	err := c.do(ctx, http.MethodPost, "/transaction/submit", accessToken, req, &out)
	return out, err
}

func (c *HTTPClient) Transaction(ctx context.Context, accessToken, hash string) (SubmissionResponse, error) {
	var out SubmissionResponse
	err := c.do(ctx, http.MethodGet, "/transaction/"+url.PathEscape(hash), accessToken, nil, &out)
	return out, err
}

func (c *HTTPClient) IsApproved(ctx context.Context, wallet string) (bool, error) {
	var out ApprovalStatusResponse
	err := c.do(ctx, http.MethodGet, "/account/"+url.PathEscape(wallet)+"/approved", "", nil, &out)
	return out.IsApproved, err
}

func (c *HTTPClient) Approve(ctx context.Context, accessToken, wallet string) (ApproveResponse, error) {
	var out ApproveResponse
	err := c.do(ctx, http.MethodPost, "/account/"+url.PathEscape(wallet)+"/approve", accessToken, nil, &out)
	return out, err
}

func (c *HTTPClient) do(ctx context.Context, method, path, accessToken string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}

	var body ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
		apiErr.Message = body.Error
		apiErr.Code = body.Code
		apiErr.Reason = body.Reason
		apiErr.Hash = body.Hash
		apiErr.Status = body.Status
		apiErr.RetryAfter = time.Duration(body.RetryAfter) * time.Second
	}
	if seconds, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && apiErr.RetryAfter == 0 {
		apiErr.RetryAfter = time.Duration(seconds) * time.Second
	}
	return apiErr
}
