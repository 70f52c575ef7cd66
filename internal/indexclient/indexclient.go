// Package indexclient implements the Index-Server Client: typed RPCs
// against the index server's JSON/JSend contract. Every call
// authenticates via the configured TokenSource and classifies
// failures into the FileManager's error taxonomy before returning.
package indexclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/mredolatti/tf/internal/jsend"
	"github.com/mredolatti/tf/internal/model"
	"github.com/mredolatti/tf/internal/xerrors"
	"github.com/mredolatti/tf/internal/xlog"
)

const tokenHeader = "X-MIFS-IS-Session-Token"

// TokenSource reads a session token on every call. The
// X-MIFS-IS-Session-Token header is set from the value it returns on
// every request. Declared locally so this package and internal/config
// don't import each other; internal/config's TokenSource
// implementations satisfy this interface structurally.
type TokenSource interface {
	Token() (string, error)
}

// Client talks to a single index server.
type Client struct {
	baseURL string
	http    *http.Client
	tokens  TokenSource
}

// New builds a Client talking to baseURL using httpClient (already
// configured with the index server's root CA, see
// internal/tlsmaterial.IndexServerConfig) and tokens for the
// X-MIFS-IS-Session-Token header.
func New(baseURL string, httpClient *http.Client, tokens TokenSource) *Client {
	return &Client{baseURL: baseURL, http: httpClient, tokens: tokens}
}

// SignUp registers a new user.
func (c *Client) SignUp(ctx context.Context, name, email, password string) error {
	op := opf("SignUp", "%q", email)
	body := map[string]string{"name": name, "email": email, "password": password}
	_, err := c.doUnauthenticated(ctx, http.MethodGet, "/api/clients/v1/signup", body, xerrors.FailedToFetchMappings)
	if err != nil {
		return op.error(err)
	}
	return nil
}

// Auth exchanges credentials and an OTP for a session token. The
// returned token is not persisted by the client; it is the caller's
// job to route it into a TokenSource (e.g. config.StaticToken, or by
// writing it to the environment variable an env:: TokenSource reads).
func (c *Client) Auth(ctx context.Context, email, password, otp string) (string, error) {
	op := opf("Auth", "%q", email)
	body := map[string]string{"email": email, "password": password, "otp": otp}
	env, err := c.doUnauthenticated(ctx, http.MethodGet, "/api/clients/v1/login", body, xerrors.FailedToFetchMappings)
	if err != nil {
		return "", op.error(err)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return "", op.error(xerrors.Errorf("decoding token: %v", err))
	}
	return out.Token, nil
}

// Setup2FA requests a fresh TOTP QR code image. The response is raw
// image bytes, not JSend-wrapped.
func (c *Client) Setup2FA(ctx context.Context) ([]byte, error) {
	op := opf("Setup2FA", "")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/clients/v1/2fa", nil)
	if err != nil {
		return nil, op.error(err)
	}
	if err := c.authenticate(req); err != nil {
		return nil, op.error(err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, op.error(xerrors.FailedToFetchMappings, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, op.error(xerrors.FailedToFetchMappings, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, op.error(xerrors.FailedToFetchMappings, xerrors.Errorf("http status %d", resp.StatusCode))
	}
	return data, nil
}

// LinkFileServer registers this client's credentials for (org,
// server) with the index server, following redirects. clientTLS is
// the mutual-TLS transport built from the client certificate/key
// being registered; a separate http.Client is built per call since
// it differs from the Client's own root-CA-only transport.
func (c *Client) LinkFileServer(ctx context.Context, org, server string, force bool, clientTLS *http.Transport) error {
	op := opf("LinkFileServer", "%s/%s force=%v", org, server, force)
	path := fmt.Sprintf("/api/clients/v1/organizations/%s/servers/%s/link?force=%v",
		url.PathEscape(org), url.PathEscape(server), force)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return op.error(err)
	}
	if err := c.authenticate(req); err != nil {
		return op.error(err)
	}
	httpClient := &http.Client{Transport: clientTLS, CheckRedirect: func(*http.Request, []*http.Request) error { return nil }}
	resp, err := httpClient.Do(req)
	if err != nil {
		return op.error(xerrors.FailedToFetchServerInfos, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return op.error(xerrors.FailedToFetchServerInfos, err)
	}
	if _, err := jsend.Decode(body, xerrors.FailedToFetchServerInfos); err != nil {
		return op.error(err)
	}
	return nil
}

// GetMappings fetches the user's mappings, optionally forcing the
// index server to refresh its own view first.
func (c *Client) GetMappings(ctx context.Context, forceFresh bool) ([]model.Mapping, error) {
	op := opf("GetMappings", "force=%v", forceFresh)
	path := fmt.Sprintf("/api/clients/v1/mappings?forceUpdate=%v", forceFresh)
	env, err := c.do(ctx, http.MethodGet, path, nil, xerrors.FailedToFetchMappings)
	if err != nil {
		return nil, op.error(err)
	}
	var mappings []model.Mapping
	if err := jsend.DataField(env, "mappings", &mappings); err != nil {
		return nil, op.error(xerrors.FailedToFetchMappings, err)
	}
	return mappings, nil
}

// CreateMapping creates a new mapping; the server assigns its id.
func (c *Client) CreateMapping(ctx context.Context, m model.Mapping) (model.Mapping, error) {
	op := opf("CreateMapping", "%q", m.Path)
	env, err := c.do(ctx, http.MethodPost, "/api/clients/v1/mappings", m, xerrors.FailedToUpdateRemoteMapping)
	if err != nil {
		return model.Mapping{}, op.error(err)
	}
	var out model.Mapping
	if err := jsend.DataField(env, "mapping", &out); err != nil {
		return model.Mapping{}, op.error(xerrors.FailedToUpdateRemoteMapping, err)
	}
	return out, nil
}

// UpdateMapping updates an existing mapping, matched by id; only
// non-empty fields are submitted.
func (c *Client) UpdateMapping(ctx context.Context, m model.Mapping) (model.Mapping, error) {
	op := opf("UpdateMapping", "%s", m.ID)
	env, err := c.do(ctx, http.MethodPut, "/api/clients/v1/mappings/"+url.PathEscape(m.ID), partialMapping(m), xerrors.FailedToUpdateRemoteMapping)
	if err != nil {
		return model.Mapping{}, op.error(err)
	}
	var out model.Mapping
	if err := jsend.DataField(env, "mapping", &out); err != nil {
		return model.Mapping{}, op.error(xerrors.FailedToUpdateRemoteMapping, err)
	}
	return out, nil
}

// DeleteMapping deletes a mapping by id.
func (c *Client) DeleteMapping(ctx context.Context, id string) error {
	op := opf("DeleteMapping", "%s", id)
	_, err := c.do(ctx, http.MethodDelete, "/api/clients/v1/mappings/"+url.PathEscape(id), nil, xerrors.FailedToUpdateRemoteMapping)
	if err != nil {
		return op.error(err)
	}
	return nil
}

// GetServers fetches the catalog of known file servers.
func (c *Client) GetServers(ctx context.Context) ([]model.FileServer, error) {
	op := opf("GetServers", "")
	env, err := c.do(ctx, http.MethodGet, "/api/clients/v1/servers", nil, xerrors.FailedToFetchServerInfos)
	if err != nil {
		return nil, op.error(err)
	}
	var servers []model.FileServer
	if err := jsend.DataField(env, "servers", &servers); err != nil {
		return nil, op.error(xerrors.FailedToFetchServerInfos, err)
	}
	return servers, nil
}

// partialMapping marshals only the non-empty fields of m, so an
// update never clobbers server-side fields the caller left unset.
func partialMapping(m model.Mapping) map[string]interface{} {
	out := map[string]interface{}{}
	if m.ID != "" {
		out["id"] = m.ID
	}
	if m.Path != "" {
		out["path"] = m.Path
	}
	if m.Organization != "" {
		out["organizationName"] = m.Organization
	}
	if m.Server != "" {
		out["serverName"] = m.Server
	}
	if m.Ref != "" {
		out["ref"] = m.Ref
	}
	if m.SizeBytes != 0 {
		out["sizeBytes"] = m.SizeBytes
	}
	if m.LastUpdated != 0 {
		out["updated"] = m.LastUpdated
	}
	return out
}

// authenticate attaches the session token header using the
// configured TokenSource.
func (c *Client) authenticate(req *http.Request) error {
	tok, err := c.tokens.Token()
	if err != nil {
		return xerrors.E("indexclient.authenticate", xerrors.Errorf("acquiring session token: %v", err))
	}
	req.Header.Set(tokenHeader, tok)
	return nil
}

// do issues an authenticated JSON request and decodes the JSend
// envelope, classifying a non-success status as onFailure.
func (c *Client) do(ctx context.Context, method, path string, body interface{}, onFailure xerrors.Kind) (*jsend.Envelope, error) {
	req, err := c.buildRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if err := c.authenticate(req); err != nil {
		return nil, err
	}
	return c.execute(req, onFailure)
}

// doUnauthenticated issues a JSON request without the session token
// header, for signup/login where no token exists yet.
func (c *Client) doUnauthenticated(ctx context.Context, method, path string, body interface{}, onFailure xerrors.Kind) (*jsend.Envelope, error) {
	req, err := c.buildRequest(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	return c.execute(req, onFailure)
}

func (c *Client) buildRequest(ctx context.Context, method, path string, body interface{}) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, xerrors.E("indexclient.buildRequest", xerrors.Errorf("encoding request body: %v", err))
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, xerrors.E("indexclient.buildRequest", xerrors.Errorf("building request: %v", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) execute(req *http.Request, onFailure xerrors.Kind) (*jsend.Envelope, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, xerrors.E("indexclient.execute", onFailure, xerrors.Errorf("%v", err))
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, xerrors.E("indexclient.execute", onFailure, xerrors.Errorf("reading response: %v", err))
	}
	env, err := jsend.Decode(data, onFailure)
	if err != nil {
		return nil, err
	}
	return env, nil
}

func opf(method string, format string, args ...interface{}) *operation {
	op := &operation{"indexclient." + method, fmt.Sprintf(format, args...)}
	xlog.Debug.Printf("%s", op)
	return op
}

type operation struct {
	op   string
	args string
}

func (op *operation) String() string {
	return fmt.Sprintf("%s(%s)", op.op, op.args)
}

func (op *operation) error(args ...interface{}) error {
	if len(args) == 1 && args[0] == nil {
		return nil
	}
	xlog.Debug.Printf("%s error: %v", op, args)
	return xerrors.E(append([]interface{}{op.op}, args...)...)
}
