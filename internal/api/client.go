// Package api is a client for the upstream device tracking REST API
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/smukkama/devicemap/internal/logger"
	"github.com/smukkama/devicemap/internal/models"
)

// APIError is a non-2xx answer from the upstream API
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

// Client implements the location and device sources on top of the REST API.
// It never retries.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     zerolog.Logger
}

// NewClient creates a client authenticating with a bearer token
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
		log:     logger.WithComponent("api"),
	}
}

type wireLocation struct {
	ID        int64    `json:"id"`
	DeviceID  int64    `json:"device_id"`
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  *float64 `json:"accuracy"`
	Altitude  *float64 `json:"altitude"`
	Battery   *float64 `json:"battery"`
	CreatedAt *string  `json:"created_at"`
}

type wireDevice struct {
	ID             int64         `json:"id"`
	Name           string        `json:"name"`
	Icon           string        `json:"icon"`
	Connected      bool          `json:"connected"`
	LatestLocation *wireLocation `json:"latest_location"`
}

type locationsEnvelope struct {
	Locations []wireLocation `json:"locations"`
}

// timestamp layouts the API has been seen to emit
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

func (w wireLocation) model() (models.Location, error) {
	loc := models.Location{
		ID:        w.ID,
		DeviceID:  w.DeviceID,
		Latitude:  w.Latitude,
		Longitude: w.Longitude,
		Accuracy:  w.Accuracy,
		Altitude:  w.Altitude,
		Battery:   w.Battery,
	}
	if w.CreatedAt != nil && *w.CreatedAt != "" {
		t, err := parseTimestamp(*w.CreatedAt)
		if err != nil {
			return models.Location{}, fmt.Errorf("location %d: %w", w.ID, err)
		}
		loc.CreatedAt = &t
	}
	return loc, nil
}

// Locations fetches one device's history. The API answers with one envelope
// per requested device; only one device is ever requested.
func (c *Client) Locations(ctx context.Context, q models.LocationQuery) ([]models.Location, error) {
	params := url.Values{}
	params.Set("device_id", strconv.FormatInt(q.DeviceID, 10))
	params.Set("start_date", q.Start.UTC().Format(time.RFC3339Nano))
	params.Set("end_date", q.End.UTC().Format(time.RFC3339Nano))

	var envelopes []locationsEnvelope
	if err := c.get(ctx, "/locations?"+params.Encode(), &envelopes); err != nil {
		return nil, err
	}
	if len(envelopes) == 0 {
		return []models.Location{}, nil
	}

	locations := make([]models.Location, 0, len(envelopes[0].Locations))
	for _, w := range envelopes[0].Locations {
		loc, err := w.model()
		if err != nil {
			return nil, err
		}
		locations = append(locations, loc)
	}
	return locations, nil
}

// Devices lists the devices owned by the token holder
func (c *Client) Devices(ctx context.Context) ([]models.Device, error) {
	return c.devices(ctx, "/devices")
}

// SharedDevices lists devices other users shared with the token holder
func (c *Client) SharedDevices(ctx context.Context) ([]models.Device, error) {
	return c.devices(ctx, "/shared_devices")
}

func (c *Client) devices(ctx context.Context, path string) ([]models.Device, error) {
	var wire []wireDevice
	if err := c.get(ctx, path, &wire); err != nil {
		return nil, err
	}

	devices := make([]models.Device, 0, len(wire))
	for _, w := range wire {
		d := models.Device{
			ID:        w.ID,
			Name:      w.Name,
			Icon:      w.Icon,
			Connected: w.Connected,
		}
		if w.LatestLocation != nil {
			loc, err := w.LatestLocation.model()
			if err != nil {
				return nil, fmt.Errorf("device %d: %w", w.ID, err)
			}
			d.LatestLocation = &loc
		}
		devices = append(devices, d)
	}
	return devices, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: errorMessage(resp)}
		c.log.Warn().
			Str("path", path).
			Int("status", resp.StatusCode).
			Str("message", apiErr.Message).
			Msg("upstream request rejected")
		return apiErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

// errorMessage pulls a human readable message out of an error body
func errorMessage(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var parsed struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &parsed) == nil {
		if parsed.Message != "" {
			return parsed.Message
		}
		if parsed.Error != "" {
			return parsed.Error
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		return text
	}
	return http.StatusText(resp.StatusCode)
}
