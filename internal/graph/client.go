package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultBaseURL is the Graph v1.0 endpoint
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

// maxResourceBytes bounds a fetched resource body
const maxResourceBytes = 4 << 20

var (
	// ErrUnexpectedStatus is returned for non-2xx Graph responses
	ErrUnexpectedStatus = errors.New("unexpected graph response status")
	// ErrResourceTooLarge is returned when a resource body exceeds the read limit
	ErrResourceTooLarge = errors.New("graph resource too large")
)

// Resource is a fetched Graph entity
type Resource struct {
	Path      string
	ODataType string
	Body      json.RawMessage
}

// Client fetches resources named by change notifications
type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     TokenSource
	maxBody    int64
}

// NewClient creates a resource client. A nil httpClient uses a 15s timeout client.
func NewClient(baseURL string, tokens TokenSource, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		tokens:     tokens,
		maxBody:    maxResourceBytes,
	}
}

// FetchResource GETs the relative resource path acting as id
func (c *Client) FetchResource(ctx context.Context, resource string, id Identity) (*Resource, error) {
	path := strings.TrimLeft(resource, "/")
	if path == "" {
		return nil, errors.New("empty resource path")
	}

	token, err := c.tokens.Token(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get token for %s: %w", id, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/"+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s returned %d", ErrUnexpectedStatus, path, resp.StatusCode)
	}
	if int64(len(body)) > c.maxBody {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", ErrResourceTooLarge, path, c.maxBody)
	}

	var meta struct {
		ODataType string `json:"@odata.type"`
	}
	_ = json.Unmarshal(body, &meta)

	return &Resource{
		Path:      path,
		ODataType: meta.ODataType,
		Body:      body,
	}, nil
}
