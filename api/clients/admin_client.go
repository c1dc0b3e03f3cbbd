package clients

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ruteri/keyset-restore/api"
	"github.com/ruteri/keyset-restore/api/auth"
	"github.com/ruteri/keyset-restore/interfaces"
)

// AdminClient drives a node's admin surface. Every request carries a fresh
// SIWE auth sig signed with the operator key.
type AdminClient struct {
	baseURL    string
	host       string
	key        *ecdsa.PrivateKey
	sigTTL     time.Duration
	httpClient *http.Client
}

// NewAdminClient creates a client for baseURL. The SIWE domain is the URL
// host unless overridden with SetDomain.
func NewAdminClient(baseURL string, key *ecdsa.PrivateKey, timeout ...time.Duration) (*AdminClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	clientTimeout := 30 * time.Second
	if len(timeout) > 0 {
		clientTimeout = timeout[0]
	}
	return &AdminClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		host:       u.Host,
		key:        key,
		sigTTL:     auth.DefaultSigTTL,
		httpClient: &http.Client{Timeout: clientTimeout},
	}, nil
}

// SetDomain overrides the SIWE domain, for nodes behind a proxy.
func (c *AdminClient) SetDomain(domain string) {
	c.host = domain
}

func (c *AdminClient) do(ctx context.Context, method, path, contentType string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	sig, err := auth.SignHeader(c.key, auth.AdminParams(c.host, c.sigTTL))
	if err != nil {
		return fmt.Errorf("signing auth sig: %w", err)
	}
	req.Header.Set(api.AuthHeader, sig)
	return send(c.httpClient, req, out)
}

// SetBlinders uploads the blinders of a keyset. An empty keyset targets
// the node's only hosted keyset.
func (c *AdminClient) SetBlinders(ctx context.Context, keyset interfaces.KeysetID, blinders *interfaces.Blinders) error {
	req := api.SetBlindersRequest{
		BLSBlinder:  blinders.BLS.Hex(),
		K256Blinder: blinders.K256.Hex(),
		Keyset:      string(keyset),
	}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, api.SetBlindersPath, "application/json", bytes.NewReader(body), nil)
}

// SetKeyBackup uploads a backup tarball and returns its content id.
func (c *AdminClient) SetKeyBackup(ctx context.Context, keyset interfaces.KeysetID, tarball io.Reader) (string, error) {
	path := api.SetKeyBackupPath
	if keyset != "" {
		path += "?" + api.KeysetQueryParam + "=" + url.QueryEscape(string(keyset))
	}
	var resp struct {
		ContentID string `json:"content_id"`
	}
	if err := c.do(ctx, http.MethodPost, path, "application/octet-stream", tarball, &resp); err != nil {
		return "", err
	}
	return resp.ContentID, nil
}

// AbortRestore ends a restore with mode "discard" or "retain".
func (c *AdminClient) AbortRestore(ctx context.Context, mode string) error {
	body, err := json.Marshal(api.AbortRestoreRequest{Mode: mode})
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, api.AbortRestorePath, "application/json", bytes.NewReader(body), nil)
}

// Status reads the detailed restore status.
func (c *AdminClient) Status(ctx context.Context) (*interfaces.RestoreStatus, error) {
	var resp struct {
		Status interfaces.RestoreStatus `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, api.AdminStatusPath, "", nil, &resp); err != nil {
		return nil, err
	}
	return &resp.Status, nil
}

// send executes req and decodes a success body into out. Failure envelopes
// come back as classified errors.
func send(client *http.Client, req *http.Request, out any) error {
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", interfaces.ErrTransientIO, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, api.MaxJSONBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: reading response: %v", interfaces.ErrTransientIO, err)
	}
	if resp.StatusCode != http.StatusOK {
		return api.DecodeError(resp.StatusCode, body)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
