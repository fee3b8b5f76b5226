package mapbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/couchcryptid/storm-reroute-service/internal/domain"
	"github.com/couchcryptid/storm-reroute-service/internal/observability"
)

// ErrNoRoute is returned when Directions finds no drivable route.
var ErrNoRoute = errors.New("mapbox returned no routes")

// Client implements agent.Router using the Mapbox Directions API.
type Client struct {
	token      string
	httpClient *http.Client
	baseURL    string
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// NewClient creates a Mapbox directions client.
func NewClient(token string, timeout time.Duration, logger *slog.Logger, metrics *observability.Metrics) *Client {
	return &Client{
		token: token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: "https://api.mapbox.com/directions/v5/mapbox/driving",
		metrics: metrics,
		logger:  logger,
	}
}

// Route returns the fastest driving route between two points.
func (c *Client) Route(ctx context.Context, from, to domain.Coordinates) (domain.Route, error) {
	// Mapbox uses lon,lat order.
	coords := fmt.Sprintf("%.6f,%.6f;%.6f,%.6f", from.Lon, from.Lat, to.Lon, to.Lat)
	params := url.Values{
		"access_token": {c.token},
		"overview":     {"false"},
		"alternatives": {"false"},
	}
	u := fmt.Sprintf("%s/%s?%s", c.baseURL, coords, params.Encode())

	start := time.Now()
	route, err := c.doRequest(ctx, u)
	c.metrics.RouteAPIDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		c.metrics.RouteRequests.WithLabelValues("error").Inc()
		return domain.Route{}, err
	}
	c.metrics.RouteRequests.WithLabelValues("success").Inc()
	return route, nil
}

func (c *Client) doRequest(ctx context.Context, fullURL string) (domain.Route, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return domain.Route{}, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.Route{}, fmt.Errorf("directions request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return domain.Route{}, fmt.Errorf("mapbox API error: status %d: %s", resp.StatusCode, body)
	}

	var dr response
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return domain.Route{}, fmt.Errorf("decode response: %w", err)
	}
	if dr.Code != "" && dr.Code != "Ok" {
		return domain.Route{}, fmt.Errorf("%w: %s", ErrNoRoute, dr.Code)
	}
	if len(dr.Routes) == 0 {
		return domain.Route{}, ErrNoRoute
	}

	r := dr.Routes[0]
	return domain.Route{
		DurationMinutes: r.Duration / 60,
		DistanceKm:      r.Distance / 1000,
	}, nil
}

// Mapbox API response types.

type response struct {
	Code   string      `json:"code"`
	Routes []directions `json:"routes"`
}

type directions struct {
	Duration float64 `json:"duration"` // seconds
	Distance float64 `json:"distance"` // meters
}
