package fetcher

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/bytedance/sonic"

	"depthflow/config"
	ratemetrics "depthflow/internal/metrics/rate"
	"depthflow/internal/model"
)

const userAgent = "depthflow/1.0"

// maxBody bounds error bodies kept in a StatusError.
const maxBody = 512

// NewHTTPClient builds the REST client of one venue. Responses are inspected
// for rate limit headers; a configured local IP pins outgoing connections.
func NewHTTPClient(venue model.Venue, ex config.ExchangeConfig, timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        64,
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
	}
	if ex.LocalIP != "" {
		if ip := net.ParseIP(ex.LocalIP); ip != nil {
			dialer := &net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}, Timeout: 10 * time.Second}
			transport.DialContext = dialer.DialContext
		}
	}
	return ratemetrics.NewClient(string(venue), &http.Client{Transport: transport, Timeout: timeout})
}

// Get performs a GET and returns the body of a 2xx response. Other statuses
// become a *StatusError; 404 maps to ErrArchiveMissing when missing is set.
func Get(ctx context.Context, client *http.Client, venue model.Venue, url string, missing bool) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound && missing {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, ErrArchiveMissing
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBody))
		return nil, &StatusError{Venue: venue, Status: resp.StatusCode, Message: string(body)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return body, nil
}

// GetJSON is Get followed by a decode into out.
func GetJSON(ctx context.Context, client *http.Client, venue model.Venue, url string, out any) error {
	body, err := Get(ctx, client, venue, url, false)
	if err != nil {
		return err
	}
	if err := sonic.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode %s: %w", venue, url, err)
	}
	return nil
}
