package geo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ipPlaceholder is replaced with the escaped address in the endpoint URL.
const ipPlaceholder = "{ip}"

// maxResponseBytes bounds the body read from the lookup service.
const maxResponseBytes = 64 << 10

// HTTP queries a JSON country lookup service.
type HTTP struct {
	endpoint string
	client   *http.Client
}

// countryResponse covers the field names common lookup services use.
type countryResponse struct {
	CountryCode      string `json:"country_code"`
	CountryCodeCamel string `json:"countryCode"`
	Location         struct {
		CountryCode string `json:"country_code"`
	} `json:"location"`
}

func (r countryResponse) code() string {
	switch {
	case r.CountryCode != "":
		return r.CountryCode
	case r.CountryCodeCamel != "":
		return r.CountryCodeCamel
	default:
		return r.Location.CountryCode
	}
}

// NewHTTP creates a client for endpoint, which must contain "{ip}".
func NewHTTP(endpoint string, timeout time.Duration) (*HTTP, error) {
	if !strings.Contains(endpoint, ipPlaceholder) {
		return nil, fmt.Errorf("geo http url must contain %s", ipPlaceholder)
	}
	if _, err := url.Parse(strings.ReplaceAll(endpoint, ipPlaceholder, "0.0.0.0")); err != nil {
		return nil, fmt.Errorf("parse geo http url: %w", err)
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	return &HTTP{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// Country queries the service.
func (h *HTTP) Country(ctx context.Context, ip string) (string, error) {
	target := strings.ReplaceAll(h.endpoint, ipPlaceholder, url.PathEscape(ip))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("build geo request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("geo request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("geo request failed with status %d", resp.StatusCode)
	}

	var body countryResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&body); err != nil {
		return "", fmt.Errorf("decode geo response: %w", err)
	}
	return strings.ToUpper(body.code()), nil
}
