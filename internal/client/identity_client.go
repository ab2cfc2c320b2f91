package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/pesio-ai/be-proc-requests/internal/platform/errors"
)

// IdentityHTTPClient resolves role holders from the platform identity
// service. Used by the escalation sweep to address overdue notifications to
// the approvers who can act on them.
type IdentityHTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewIdentityHTTPClient creates a client against the identity service base URL.
func NewIdentityHTTPClient(baseURL string) *IdentityHTTPClient {
	return &IdentityHTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// GetUsersWithRole returns user IDs holding the given role within a division.
func (c *IdentityHTTPClient) GetUsersWithRole(ctx context.Context, divisionID, role string) ([]string, error) {
	endpoint := fmt.Sprintf("%s/api/v1/users?division_id=%s&role=%s",
		c.baseURL, url.QueryEscape(divisionID), url.QueryEscape(role))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to build identity request")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeUnavailable, "identity service unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Newf(errors.ErrCodeUnavailable, "identity service returned %d", resp.StatusCode)
	}

	var body struct {
		Users []struct {
			ID string `json:"id"`
		} `json:"users"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to decode identity response")
	}

	ids := make([]string, 0, len(body.Users))
	for _, u := range body.Users {
		ids = append(ids, u.ID)
	}
	return ids, nil
}
