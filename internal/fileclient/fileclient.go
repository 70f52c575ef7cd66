// Package fileclient implements the File-Server Client: per-server
// RPCs against a file server's JSON/JSend contract, each opened over
// mutual TLS using the certificate and key the Server Catalog holds
// for that (organization, server) pair. Every call resolves the
// destination's transport and fetch URL through the Catalog before
// issuing the RPC.
package fileclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/mredolatti/tf/internal/catalog"
	"github.com/mredolatti/tf/internal/jsend"
	"github.com/mredolatti/tf/internal/model"
	"github.com/mredolatti/tf/internal/tlsmaterial"
	"github.com/mredolatti/tf/internal/xerrors"
	"github.com/mredolatti/tf/internal/xlog"
)

// Client talks to the file servers named in a Server Catalog.
type Client struct {
	catalog *catalog.Catalog

	mu         sync.Mutex
	transports map[string]*http.Client // keyed by "org/server"
}

// New builds a Client resolving server endpoints and TLS material
// through cat.
func New(cat *catalog.Catalog) *Client {
	return &Client{catalog: cat, transports: make(map[string]*http.Client)}
}

// List fetches the file metadata catalog of a single server.
func (c *Client) List(ctx context.Context, org, server string) ([]model.FileMetadata, error) {
	op := opf("List", "%s/%s", org, server)
	httpClient, fetchURL, err := c.resolve(org, server)
	if err != nil {
		return nil, op.error(err)
	}
	env, err := c.do(ctx, httpClient, http.MethodGet, fetchURL+"/files", nil, xerrors.FailedToReadFileFromServer)
	if err != nil {
		return nil, op.error(err)
	}
	var files []model.FileMetadata
	if err := jsend.DataField(env, "files", &files); err != nil {
		return nil, op.error(xerrors.FailedToReadFileFromServer, err)
	}
	return files, nil
}

// Touch creates or updates a file's metadata record, empty fields
// omitted.
func (c *Client) Touch(ctx context.Context, org, server string, meta model.FileMetadata) error {
	op := opf("Touch", "%s/%s", org, server)
	httpClient, fetchURL, err := c.resolve(org, server)
	if err != nil {
		return op.error(err)
	}
	_, err = c.do(ctx, httpClient, http.MethodPost, fetchURL, partialMetadata(meta), xerrors.FailedToWriteFileInServer)
	if err != nil {
		return op.error(err)
	}
	return nil
}

// Contents fetches the raw bytes of ref.
func (c *Client) Contents(ctx context.Context, org, server, ref string) ([]byte, error) {
	op := opf("Contents", "%s/%s/%s", org, server, ref)
	httpClient, fetchURL, err := c.resolve(org, server)
	if err != nil {
		return nil, op.error(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL+"/"+ref+"/contents", nil)
	if err != nil {
		return nil, op.error(err)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, op.error(xerrors.FailedToReadFileFromServer, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, op.error(xerrors.FailedToReadFileFromServer, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, op.error(xerrors.FailedToReadFileFromServer, xerrors.Errorf("http status %d", resp.StatusCode))
	}
	return data, nil
}

// UpdateContents overwrites ref's bytes with a whole-file PUT; the
// protocol has no partial upload.
func (c *Client) UpdateContents(ctx context.Context, org, server, ref string, data []byte) error {
	op := opf("UpdateContents", "%s/%s/%s %d bytes", org, server, ref, len(data))
	httpClient, fetchURL, err := c.resolve(org, server)
	if err != nil {
		return op.error(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, fetchURL+"/"+ref+"/contents", bytes.NewReader(data))
	if err != nil {
		return op.error(err)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return op.error(xerrors.FailedToWriteFileInServer, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return op.error(xerrors.FailedToWriteFileInServer, xerrors.Errorf("http status %d", resp.StatusCode))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// resolve returns the mutual-TLS http.Client and fetch URL for
// (org, server), building and caching the transport on first use.
func (c *Client) resolve(org, server string) (*http.Client, string, error) {
	info, ok := c.catalog.Get(org, server)
	if !ok {
		return nil, "", xerrors.E("fileclient.resolve", xerrors.FailedToFetchServerInfos, xerrors.Errorf("unknown server %s/%s", org, server))
	}
	if info.FetchURL() == "" {
		return nil, "", xerrors.E("fileclient.resolve", xerrors.FailedToFetchServerInfos, xerrors.Errorf("no fetch URL cached for %s/%s; run sync", org, server))
	}
	key := org + "/" + server
	c.mu.Lock()
	defer c.mu.Unlock()
	if hc, ok := c.transports[key]; ok {
		return hc, info.FetchURL(), nil
	}
	tlsCfg, err := tlsmaterial.ClientTLSConfig(info.RootCA, info.ClientCert, info.ClientKey)
	if err != nil {
		return nil, "", xerrors.E("fileclient.resolve", xerrors.FailedToFetchServerInfos, err)
	}
	hc := &http.Client{
		Transport: &http.Transport{TLSClientConfig: tlsCfg},
		Timeout:   30 * time.Second,
	}
	c.transports[key] = hc
	return hc, info.FetchURL(), nil
}

func (c *Client) do(ctx context.Context, httpClient *http.Client, method, fullURL string, body interface{}, onFailure xerrors.Kind) (*jsend.Envelope, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, xerrors.E("fileclient.do", xerrors.Errorf("encoding request body: %v", err))
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
	if err != nil {
		return nil, xerrors.E("fileclient.do", xerrors.Errorf("building request: %v", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, xerrors.E("fileclient.do", onFailure, xerrors.Errorf("%v", err))
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, xerrors.E("fileclient.do", onFailure, xerrors.Errorf("reading response: %v", err))
	}
	return jsend.Decode(data, onFailure)
}

// partialMetadata marshals only the non-empty fields of m.
func partialMetadata(m model.FileMetadata) map[string]interface{} {
	out := map[string]interface{}{}
	if m.ID != "" {
		out["id"] = m.ID
	}
	if m.Name != "" {
		out["name"] = m.Name
	}
	if m.SizeBytes != 0 {
		out["sizeBytes"] = m.SizeBytes
	}
	if m.Notes != "" {
		out["notes"] = m.Notes
	}
	if m.PatientID != "" {
		out["patientId"] = m.PatientID
	}
	if m.Type != "" {
		out["type"] = m.Type
	}
	if m.ContentID != "" {
		out["contentId"] = m.ContentID
	}
	if m.LastUpdated != 0 {
		out["lastUpdated"] = m.LastUpdated
	}
	if m.Deleted {
		out["deleted"] = m.Deleted
	}
	return out
}

func opf(method string, format string, args ...interface{}) *operation {
	op := &operation{"fileclient." + method, fmt.Sprintf(format, args...)}
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
