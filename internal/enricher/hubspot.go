package enricher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ILLUVRSE/flowlens/internal/models"
)

const DefaultHubSpotBaseURL = "https://api.hubapi.com"

// DealProperties are the deal fields requested from the CRM.
var DealProperties = []string{
	"dealname",
	"dealstage",
	"amount",
	"pipeline",
	"hs_lastmodifieddate",
	"hs_lastactivitydate",
	"hubspot_owner_id",
}

type HubSpotConfig struct {
	BaseURL     string
	AccessToken string
	Properties  []string
	Timeout     time.Duration
	Retries     int
	HTTPClient  *http.Client
}

// HubSpotClient reads deal properties from the HubSpot CRM objects API.
type HubSpotClient struct {
	baseURL    string
	token      string
	properties []string
	client     *http.Client
	timeout    time.Duration
	retries    int
}

func NewHubSpotClient(cfg HubSpotConfig) (*HubSpotClient, error) {
	if strings.TrimSpace(cfg.AccessToken) == "" {
		return nil, fmt.Errorf("hubspot access token required")
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultHubSpotBaseURL
	}
	props := cfg.Properties
	if len(props) == 0 {
		props = DealProperties
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	return &HubSpotClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      cfg.AccessToken,
		properties: props,
		client:     client,
		timeout:    timeout,
		retries:    retries,
	}, nil
}

type dealResponse struct {
	ID         string         `json:"id"`
	Properties map[string]any `json:"properties"`
}

// Lookup fetches the deal's properties. Server errors and transport failures
// are retried; 4xx responses are not.
func (c *HubSpotClient) Lookup(ctx context.Context, objectID string) (models.Attributes, error) {
	if strings.TrimSpace(objectID) == "" {
		return nil, fmt.Errorf("hubspot object id required")
	}
	endpoint := fmt.Sprintf("%s/crm/v3/objects/deals/%s?properties=%s",
		c.baseURL, url.PathEscape(objectID), url.QueryEscape(strings.Join(c.properties, ",")))

	attempts := c.retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		attrs, retry, err := c.fetch(ctx, endpoint)
		if err == nil {
			return attrs, nil
		}
		lastErr = err
		if !retry {
			break
		}
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(i+1) * 100 * time.Millisecond):
			}
		}
	}
	return nil, fmt.Errorf("hubspot lookup failed: %w", lastErr)
}

func (c *HubSpotClient) fetch(ctx context.Context, endpoint string) (models.Attributes, bool, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, false, fmt.Errorf("hubspot build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, true, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("hubspot unavailable: %s", resp.Status)
	case resp.StatusCode != http.StatusOK:
		return nil, false, fmt.Errorf("hubspot rejected request: %s", resp.Status)
	}

	var deal dealResponse
	if err := json.NewDecoder(resp.Body).Decode(&deal); err != nil {
		return nil, false, fmt.Errorf("hubspot decode response: %w", err)
	}
	attrs := models.Attributes{}
	for k, v := range deal.Properties {
		attrs[k] = v
	}
	return attrs, false, nil
}
