package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/adalundhe/strata/core/errors"
)

// SyncRequest is the reconciliation payload: the merged agent file
// plus the local cursor so the service can detect divergence.
type SyncRequest struct {
	AgentID      string `json:"agent_id"`
	AgentFile    string `json:"agent_file"`
	LocalVersion int64  `json:"local_version"`
	DeviceID     string `json:"device_id"`
}

// SyncResponse is the service's answer. CloudVersion becomes the new
// cursor; Status is "ok" or a service-defined divergence marker.
type SyncResponse struct {
	AgentFile    string   `json:"agent_file,omitempty"`
	CloudVersion int64    `json:"cloud_version"`
	Conflicts    []string `json:"conflicts,omitempty"`
	Status       string   `json:"status"`
}

// Client speaks the cloud sync protocol over HTTP JSON with bearer
// auth. It owns no local state.
type Client struct {
	endpoint string
	apiKey   string
	http     *http.Client
}

func NewClient(cfg *Config) *Client {
	return &Client{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		http:     &http.Client{Timeout: cfg.Timeout},
	}
}

// Pull fetches the remote agent file. found=false means the agent has
// never been pushed, which is an ordinary first-sync condition.
func (c *Client) Pull(ctx context.Context, agentID string) (document string, found bool, err error) {
	url := fmt.Sprintf("%s/v1/agents/%s/export", c.endpoint, agentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", false, errors.Wrap(errors.KindNetwork, "build pull request", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", false, errors.Wrap(errors.KindNetwork, "pull agent file", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", false, errors.Wrap(errors.KindNetwork, "read pull response", err)
		}
		return string(body), true, nil
	case http.StatusNotFound:
		return "", false, nil
	default:
		return "", false, statusError("pull", resp.StatusCode)
	}
}

// Sync posts the merged agent file and returns the service's verdict.
func (c *Client) Sync(ctx context.Context, request *SyncRequest) (*SyncResponse, error) {
	payload, err := json.Marshal(request)
	if err != nil {
		return nil, errors.Wrap(errors.KindIO, "encode sync request", err)
	}

	url := c.endpoint + "/v1/agents/sync"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Wrap(errors.KindNetwork, "build sync request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.KindNetwork, "post sync", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError("sync", resp.StatusCode)
	}

	var decoded SyncResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, errors.Wrap(errors.KindNetwork, "decode sync response", err)
	}
	return &decoded, nil
}

func (c *Client) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
}

func statusError(operation string, status int) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return errors.Wrap(
			errors.KindAuth,
			fmt.Sprintf("%s rejected with status %d", operation, status),
			errors.ErrUnauthorized,
		)
	default:
		return errors.Newf(errors.KindNetwork, "%s failed with status %d", operation, status)
	}
}
