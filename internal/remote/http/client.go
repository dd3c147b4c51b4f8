// Package http implements the remote store client over a JSON HTTP API.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fieldmark/fieldmark/internal/domain"
	"github.com/fieldmark/fieldmark/internal/domain/geo"
	"github.com/fieldmark/fieldmark/internal/domain/record"
	"github.com/fieldmark/fieldmark/internal/remote"
)

// Compile-time check: Client implements remote.Client.
var _ remote.Client = (*Client)(nil)

// Config holds connection parameters for the remote catalog API.
type Config struct {
	BaseURL string
	// DeviceID identifies this device so the server scopes private fields
	// to it.
	DeviceID string
	Timeout  time.Duration
	Logger   *zap.Logger
}

// Client talks to the remote catalog over HTTP.
type Client struct {
	baseURL  string
	deviceID string
	httpc    *http.Client
	logger   *zap.Logger
}

// NewClient creates a remote HTTP client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		deviceID: cfg.DeviceID,
		httpc:    &http.Client{Timeout: timeout},
		logger:   logger.Named("remote"),
	}, nil
}

// wireRecord is the JSON shape of a record on the wire.
type wireRecord struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	Style          string   `json:"style,omitempty"`
	Classification string   `json:"classification,omitempty"`
	Jurisdiction   string   `json:"jurisdiction,omitempty"`
	Founded        *int     `json:"founded,omitempty"`
	Lat            *float64 `json:"lat,omitempty"`
	Lon            *float64 `json:"lon,omitempty"`
	Approved       bool     `json:"approved"`
	Visited        bool     `json:"visited,omitempty"`
	Favorite       bool     `json:"favorite,omitempty"`
	Version        int64    `json:"version"`
}

type changesResponse struct {
	Records []wireRecord `json:"records"`
	Cursor  int64        `json:"cursor"`
	More    bool         `json:"more"`
}

type pushRequest struct {
	Visited     bool  `json:"visited"`
	Favorite    bool  `json:"favorite"`
	BaseVersion int64 `json:"base_version"`
}

type pushResponse struct {
	Version int64 `json:"version"`
}

// FetchAll returns every record.
func (c *Client) FetchAll(ctx context.Context) (remote.ChangeSet, error) {
	return c.FetchSince(ctx, 0)
}

// FetchSince returns records changed after the given watermark.
func (c *Client) FetchSince(ctx context.Context, cursor int64) (remote.ChangeSet, error) {
	url := c.baseURL + "/api/v1/records?since=" + strconv.FormatInt(cursor, 10)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return remote.ChangeSet{}, fmt.Errorf("build fetch request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return remote.ChangeSet{}, fmt.Errorf("%w: %w", domain.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return remote.ChangeSet{}, statusError(resp.StatusCode, "fetch")
	}

	var body changesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return remote.ChangeSet{}, fmt.Errorf("decode fetch response: %w", err)
	}

	// A malformed record is skipped, not fatal: failing the page would pin
	// the cursor and wedge every later pull behind one bad row.
	records := make([]record.Record, 0, len(body.Records))
	for _, w := range body.Records {
		rec, err := fromWire(w)
		if err != nil {
			c.logger.Warn("skipping malformed record in changes feed",
				zap.String("record", w.ID), zap.Error(err))
			continue
		}
		records = append(records, rec)
	}
	return remote.ChangeSet{Records: records, Cursor: body.Cursor, More: body.More}, nil
}

// Push uploads the record's private fields and returns the new version.
// Pushes are idempotent: replaying the same mutation yields the same state.
func (c *Client) Push(ctx context.Context, rec record.Record) (int64, error) {
	payload, err := json.Marshal(pushRequest{
		Visited:     rec.Private().Visited,
		Favorite:    rec.Private().Favorite,
		BaseVersion: rec.Version(),
	})
	if err != nil {
		return 0, fmt.Errorf("marshal push request: %w", err)
	}

	url := c.baseURL + "/api/v1/records/" + rec.ID() + "/marks"
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("build push request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", domain.ErrUnreachable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusConflict:
		var body pushResponse
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return 0, domain.NewConflict(body.Version)
	default:
		return 0, statusError(resp.StatusCode, "push")
	}

	var body pushResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode push response: %w", err)
	}
	return body.Version, nil
}

func (c *Client) setHeaders(req *http.Request) {
	if c.deviceID != "" {
		req.Header.Set("X-Device-ID", c.deviceID)
	}
}

// statusError maps server errors and gateway failures to the unreachable
// taxonomy so the sync engine treats them as retryable.
func statusError(status int, op string) error {
	if status >= http.StatusInternalServerError {
		return fmt.Errorf("%w: %s returned %d", domain.ErrUnreachable, op, status)
	}
	return fmt.Errorf("%s returned unexpected status %d", op, status)
}

func fromWire(w wireRecord) (record.Record, error) {
	shared := record.Shared{
		Name:           w.Name,
		Description:    w.Description,
		Style:          w.Style,
		Classification: w.Classification,
		Jurisdiction:   w.Jurisdiction,
		Founded:        w.Founded,
		Approved:       w.Approved,
	}
	if w.Lat != nil && w.Lon != nil {
		shared.Coord = &geo.Coordinate{Lat: *w.Lat, Lon: *w.Lon}
	}
	return record.New(w.ID, shared, record.Private{Visited: w.Visited, Favorite: w.Favorite}, w.Version)
}
