package geonames

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"mapharvest/internal/domain"
)

func newUpstream(t *testing.T, hits *atomic.Int64) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/countries", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_ = json.NewEncoder(w).Encode([]domain.Country{
			{GeonameID: 2510769, Code: "ES", Name: "Spain", Population: 46505963},
		})
	})
	mux.HandleFunc("/countries/ES/regions", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_ = json.NewEncoder(w).Encode([]AdminDivision{
			{GeonameID: 3117732, Code: "MD", Name: "Madrid"},
		})
	})
	mux.HandleFunc("/countries/ES/cities", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		cities := []domain.Geoname{
			{GeonameID: 3117735, Name: "Madrid", CountryCode: "ES", Admin1Code: "MD", Population: 3255944},
			{GeonameID: 3128760, Name: "Alcalá de Henares", CountryCode: "ES", Admin1Code: "MD", Population: 204574},
		}
		if r.URL.Query().Get("min_population") == "1000000" {
			cities = cities[:1]
		}
		_ = json.NewEncoder(w).Encode(cities)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClient_CountriesAndRegions(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := newUpstream(t, &hits)
	c := New(srv.URL, zap.NewNop())

	countries, err := c.Countries(context.Background())
	if err != nil {
		t.Fatalf("Countries: %v", err)
	}
	if len(countries) != 1 || countries[0].Code != "ES" {
		t.Fatalf("countries = %+v", countries)
	}

	regions, err := c.Regions(context.Background(), "ES")
	if err != nil {
		t.Fatalf("Regions: %v", err)
	}
	if len(regions) != 1 || regions[0].Code != "MD" {
		t.Fatalf("regions = %+v", regions)
	}
}

func TestClient_CachesByURL(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := newUpstream(t, &hits)
	c := New(srv.URL, zap.NewNop())

	for i := 0; i < 3; i++ {
		if _, err := c.Countries(context.Background()); err != nil {
			t.Fatalf("Countries: %v", err)
		}
	}
	if hits.Load() != 1 {
		t.Fatalf("upstream hits = %d, want 1 (cached)", hits.Load())
	}

	// A different query string is a different cache entry.
	if _, err := c.Cities(context.Background(), "ES", CityFilter{}); err != nil {
		t.Fatalf("Cities: %v", err)
	}
	if _, err := c.Cities(context.Background(), "ES", CityFilter{MinPopulation: 1000000}); err != nil {
		t.Fatalf("Cities(filtered): %v", err)
	}
	if hits.Load() != 3 {
		t.Fatalf("upstream hits = %d, want 3", hits.Load())
	}
}

func TestClient_CityFilterForwarded(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := newUpstream(t, &hits)
	c := New(srv.URL, zap.NewNop())

	cities, err := c.Cities(context.Background(), "ES", CityFilter{MinPopulation: 1000000})
	if err != nil {
		t.Fatalf("Cities: %v", err)
	}
	if len(cities) != 1 || cities[0].Name != "Madrid" {
		t.Fatalf("filtered cities = %+v", cities)
	}
}

func TestClient_CityByID(t *testing.T) {
	t.Parallel()

	var hits atomic.Int64
	srv := newUpstream(t, &hits)
	c := New(srv.URL, zap.NewNop())

	city, err := c.City(context.Background(), "ES", 3128760)
	if err != nil {
		t.Fatalf("City: %v", err)
	}
	if city.Name != "Alcalá de Henares" {
		t.Fatalf("city = %+v", city)
	}

	if _, err := c.City(context.Background(), "ES", 42); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("City(42) = %v, want ErrNotFound", err)
	}
}

func TestClient_UpstreamNotFound(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)
	c := New(srv.URL, zap.NewNop())

	if _, err := c.Countries(context.Background()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Countries = %v, want ErrNotFound", err)
	}
}
