package backend

import (
	"context"
	"fmt"
	"net/url"
)

// Collections performs plain REST CRUD against one backend's collection
// endpoints. The sync engine drives it; it adds nothing beyond the client's
// headers, so server rejections surface as errors for the engine to revert.
type Collections struct {
	client *Client
}

// NewCollections wraps a backend client for collection CRUD.
func NewCollections(client *Client) *Collections {
	return &Collections{client: client}
}

// List fetches the full collection, applying optional query filters.
func (c *Collections) List(ctx context.Context, endpoint string, filters map[string]string) ([]Record, error) {
	path := endpoint
	if len(filters) > 0 {
		query := url.Values{}
		for key, value := range filters {
			query.Set(key, value)
		}
		path += "?" + query.Encode()
	}

	resp, err := c.client.Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", endpoint, err)
	}

	var payload listPayload
	if err := DecodeJSON(resp, &payload); err != nil {
		return nil, fmt.Errorf("list %s: %w", endpoint, err)
	}
	if payload.Data == nil {
		payload.Data = []Record{}
	}
	return payload.Data, nil
}

// Create posts a new entity and returns the server-assigned record.
func (c *Collections) Create(ctx context.Context, endpoint string, item Record) (Record, error) {
	resp, err := c.client.Post(ctx, endpoint, item)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", endpoint, err)
	}

	var payload struct {
		Success bool   `json:"success"`
		Data    Record `json:"data"`
	}
	if err := DecodeJSON(resp, &payload); err != nil {
		return nil, fmt.Errorf("create %s: %w", endpoint, err)
	}
	return payload.Data, nil
}

// Update patches an entity and returns the server's view of it, which may
// be nil when the backend replies without a body.
func (c *Collections) Update(ctx context.Context, endpoint, id string, patch Record) (Record, error) {
	resp, err := c.client.Patch(ctx, endpoint+"/"+url.PathEscape(id), patch)
	if err != nil {
		return nil, fmt.Errorf("update %s/%s: %w", endpoint, id, err)
	}

	var payload struct {
		Success bool   `json:"success"`
		Data    Record `json:"data"`
	}
	if err := DecodeJSON(resp, &payload); err != nil {
		return nil, fmt.Errorf("update %s/%s: %w", endpoint, id, err)
	}
	return payload.Data, nil
}

// Delete removes an entity.
func (c *Collections) Delete(ctx context.Context, endpoint, id string) error {
	resp, err := c.client.Delete(ctx, endpoint+"/"+url.PathEscape(id))
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", endpoint, id, err)
	}
	if err := DecodeJSON(resp, nil); err != nil {
		return fmt.Errorf("delete %s/%s: %w", endpoint, id, err)
	}
	return nil
}
