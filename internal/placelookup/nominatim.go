package placelookup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultBaseURL   = "https://nominatim.openstreetmap.org"
	DefaultUserAgent = "FieldOperationsApp/1.0"
	UnknownLocation  = "Unknown Location"
)

var ErrInvalidCoordinates = errors.New("placelookup: coordinates out of range")

type Address struct {
	Road          string `json:"road"`
	Suburb        string `json:"suburb"`
	Neighbourhood string `json:"neighbourhood"`
	City          string `json:"city"`
	Town          string `json:"town"`
}

type reverseResponse struct {
	DisplayName string  `json:"display_name"`
	Address     Address `json:"address"`
}

// Nominatim is a reverse geocoding client for the OpenStreetMap Nominatim API.
type Nominatim struct {
	baseURL    string
	userAgent  string
	httpClient *http.Client
}

func NewNominatim(baseURL, userAgent string) *Nominatim {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	return &Nominatim{
		baseURL:    strings.TrimRight(baseURL, "/"),
		userAgent:  userAgent,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *Nominatim) LookupPlace(ctx context.Context, lat, lon float64) (string, error) {
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return "", ErrInvalidCoordinates
	}
	params := url.Values{}
	params.Set("format", "json")
	params.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	params.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	params.Set("zoom", "18")
	params.Set("addressdetails", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.baseURL+"/reverse?"+params.Encode(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", n.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("nominatim request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("nominatim status %d: %s", resp.StatusCode, string(body))
	}

	var res reverseResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("nominatim decode: %w", err)
	}
	return Label(res.Address), nil
}

// Label joins the first two of road, suburb or neighbourhood, city or town.
func Label(a Address) string {
	parts := make([]string, 0, 3)
	if a.Road != "" {
		parts = append(parts, a.Road)
	}
	if s := first_non_empty(a.Suburb, a.Neighbourhood); s != "" {
		parts = append(parts, s)
	}
	if s := first_non_empty(a.City, a.Town); s != "" {
		parts = append(parts, s)
	}
	if len(parts) == 0 {
		return UnknownLocation
	}
	if len(parts) > 2 {
		parts = parts[:2]
	}
	return strings.Join(parts, ", ")
}

func first_non_empty(s ...string) string {
	for _, v := range s {
		if v != "" {
			return v
		}
	}
	return ""
}
