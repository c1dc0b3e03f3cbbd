package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/ruteri/keyset-restore/api"
	"github.com/ruteri/keyset-restore/interfaces"
)

// RecoveryClient submits decryption shares on behalf of a recovery party
// member. Shares are signed ahead of time, so the client holds no key.
type RecoveryClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewRecoveryClient(baseURL string, timeout ...time.Duration) *RecoveryClient {
	clientTimeout := 30 * time.Second
	if len(timeout) > 0 {
		clientTimeout = timeout[0]
	}
	return &RecoveryClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: clientTimeout},
	}
}

// SubmitShare posts one signed share and returns how many shares the node
// now holds for that root key.
func (c *RecoveryClient) SubmitShare(ctx context.Context, sub *api.ShareSubmission) (int, error) {
	body, err := json.Marshal(sub)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+api.SubmitSharePath, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	var resp struct {
		SharesHeld int `json:"shares_held"`
	}
	if err := send(c.httpClient, req, &resp); err != nil {
		return 0, err
	}
	return resp.SharesHeld, nil
}

// Status reads the public restore status.
func (c *RecoveryClient) Status(ctx context.Context) (*interfaces.RestoreStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+api.PublicStatusPath, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Status interfaces.RestoreStatus `json:"status"`
	}
	if err := send(c.httpClient, req, &resp); err != nil {
		return nil, err
	}
	return &resp.Status, nil
}
