package distance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

// ClientConfig contains the lookup service configuration
type ClientConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// Client queries a distance-matrix HTTP API.
type Client struct {
	config     ClientConfig
	httpClient *http.Client
	logger     zerolog.Logger
}

// matrixResponse is the subset of the distance-matrix response we read
type matrixResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message,omitempty"`
	Rows         []struct {
		Elements []struct {
			Status   string `json:"status"`
			Distance struct {
				Value float64 `json:"value"` // meters
			} `json:"distance"`
			Duration struct {
				Value float64 `json:"value"` // seconds
			} `json:"duration"`
		} `json:"elements"`
	} `json:"rows"`
}

// NewClient creates a lookup client
func NewClient(config ClientConfig, logger zerolog.Logger) (*Client, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("endpoint cannot be empty")
	}
	if _, err := url.Parse(config.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger.With().Str("component", "distance").Logger(),
	}, nil
}

// Lookup asks the service for the driving distance from origin to destination.
func (c *Client) Lookup(ctx context.Context, origin Coordinates, destination string) (Result, error) {
	if !origin.Valid() {
		return Result{}, fmt.Errorf("invalid origin %s", origin)
	}
	if destination == "" {
		return Result{}, fmt.Errorf("destination cannot be empty")
	}

	u, err := url.Parse(c.config.Endpoint)
	if err != nil {
		return Result{}, fmt.Errorf("invalid endpoint: %w", err)
	}
	q := u.Query()
	q.Set("origins", origin.String())
	q.Set("destinations", destination)
	q.Set("units", "imperial")
	if c.config.APIKey != "" {
		q.Set("key", c.config.APIKey)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("distance request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("distance service returned status %d: %s", resp.StatusCode, string(body))
	}

	var matrix matrixResponse
	if err := json.Unmarshal(body, &matrix); err != nil {
		return Result{}, fmt.Errorf("failed to decode response: %w", err)
	}

	if matrix.Status != "" && matrix.Status != "OK" {
		return Result{}, fmt.Errorf("distance service status %s: %s", matrix.Status, matrix.ErrorMessage)
	}
	if len(matrix.Rows) == 0 || len(matrix.Rows[0].Elements) == 0 {
		return Result{}, ErrNoRoute
	}

	el := matrix.Rows[0].Elements[0]
	if el.Status != "OK" || el.Distance.Value <= 0 {
		return Result{}, fmt.Errorf("element status %s: %w", el.Status, ErrNoRoute)
	}

	result := Result{
		Miles:           el.Distance.Value / MetersPerMile,
		DurationMinutes: el.Duration.Value / 60,
	}

	c.logger.Debug().
		Str("origin", origin.String()).
		Str("destination", destination).
		Float64("miles", result.Miles).
		Msg("distance lookup complete")

	return result, nil
}
