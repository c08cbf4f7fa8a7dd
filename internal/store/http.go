package store

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// HTTP talks to the external record service over its JSON API.
type HTTP struct {
	client *resty.Client
}

// NewHTTP creates a client for the record service at baseURL.
func NewHTTP(baseURL string, timeout time.Duration) *HTTP {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetHeader("Content-Type", "application/json")

	return &HTTP{client: client}
}

// List fetches the current record list for an app.
func (h *HTTP) List(ctx context.Context, appID string) ([]Record, error) {
	var records []Record
	resp, err := h.client.R().
		SetContext(ctx).
		SetResult(&records).
		SetPathParam("appId", appID).
		Get("/apps/{appId}/records")
	if err != nil {
		return nil, fmt.Errorf("record store list: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("record store list: status %d", resp.StatusCode())
	}
	return records, nil
}

// Replace swaps the app's record list wholesale.
func (h *HTTP) Replace(ctx context.Context, appID string, records []Record) error {
	resp, err := h.client.R().
		SetContext(ctx).
		SetBody(records).
		SetPathParam("appId", appID).
		Put("/apps/{appId}/records")
	if err != nil {
		return fmt.Errorf("record store replace: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("record store replace: status %d", resp.StatusCode())
	}
	return nil
}
