// Package geonames adapts the external geonames lookup service. Responses
// are cached by URL with a TTL; the hierarchy (country, region, province,
// city) barely changes, so a stale entry is harmless.
package geonames

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"mapharvest/internal/domain"
)

const (
	defaultTTL     = 15 * time.Minute
	defaultTimeout = 10 * time.Second
)

// AdminDivision is one region (admin1) or province (admin2) entry.
type AdminDivision struct {
	GeonameID int    `json:"geoname_id"`
	Code      string `json:"code"`
	Name      string `json:"name"`
}

// Client queries the geonames service over HTTP.
type Client struct {
	base  string
	http  *http.Client
	cache *cache.Cache
	log   *zap.Logger
}

// New builds a client for the service at baseURL.
func New(baseURL string, log *zap.Logger) *Client {
	return &Client{
		base:  baseURL,
		http:  &http.Client{Timeout: defaultTimeout},
		cache: cache.New(defaultTTL, 2*defaultTTL),
		log:   log,
	}
}

// Countries lists all known countries.
func (c *Client) Countries(ctx context.Context) ([]domain.Country, error) {
	var out []domain.Country
	if err := c.get(ctx, "/countries", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Regions lists first-level administrative divisions of a country.
func (c *Client) Regions(ctx context.Context, countryCode string) ([]AdminDivision, error) {
	var out []AdminDivision
	path := fmt.Sprintf("/countries/%s/regions", url.PathEscape(countryCode))
	if err := c.get(ctx, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Provinces lists second-level divisions, optionally under one region.
func (c *Client) Provinces(ctx context.Context, countryCode, admin1Code string) ([]AdminDivision, error) {
	var out []AdminDivision
	path := fmt.Sprintf("/countries/%s/provinces", url.PathEscape(countryCode))
	q := url.Values{}
	if admin1Code != "" {
		q.Set("admin1_code", admin1Code)
	}
	if err := c.get(ctx, path, q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CityFilter narrows a Cities query. Zero values mean no constraint.
type CityFilter struct {
	Admin1Code    string
	Admin2Code    string
	MinPopulation int
}

// Cities lists cities of a country matching the filter.
func (c *Client) Cities(ctx context.Context, countryCode string, f CityFilter) ([]domain.Geoname, error) {
	var out []domain.Geoname
	path := fmt.Sprintf("/countries/%s/cities", url.PathEscape(countryCode))
	q := url.Values{}
	if f.Admin1Code != "" {
		q.Set("admin1_code", f.Admin1Code)
	}
	if f.Admin2Code != "" {
		q.Set("admin2_code", f.Admin2Code)
	}
	if f.MinPopulation > 0 {
		q.Set("min_population", strconv.Itoa(f.MinPopulation))
	}
	if err := c.get(ctx, path, q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// City resolves one city of a country by geoname id.
func (c *Client) City(ctx context.Context, countryCode string, geonameID int) (*domain.Geoname, error) {
	cities, err := c.Cities(ctx, countryCode, CityFilter{})
	if err != nil {
		return nil, err
	}
	for i := range cities {
		if cities[i].GeonameID == geonameID {
			return &cities[i], nil
		}
	}
	return nil, domain.ErrNotFound
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	if raw, ok := c.cache.Get(u); ok {
		return json.Unmarshal(raw.([]byte), out)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build geonames request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("geonames request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return domain.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("geonames request %s: unexpected status %d", path, resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read geonames response: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode geonames response: %w", err)
	}
	c.cache.SetDefault(u, raw)
	c.log.Debug("geonames fetch", zap.String("url", u))
	return nil
}
