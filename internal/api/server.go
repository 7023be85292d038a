// Package api serves the HTTP surface: geonames lookups, campaign CRUD and
// lifecycle, metrics, and the WebSocket upgrade route.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mapharvest/internal/campaigns"
	"mapharvest/internal/domain"
	"mapharvest/internal/gateway"
	"mapharvest/internal/geonames"
	"mapharvest/internal/metrics"
)

// Server bundles the router and its dependencies.
type Server struct {
	svc *campaigns.Service
	geo *geonames.Client
	gw  *gateway.Gateway
	met *metrics.Metrics
	log *zap.Logger
}

// New builds the server.
func New(svc *campaigns.Service, geo *geonames.Client, gw *gateway.Gateway,
	met *metrics.Metrics, log *zap.Logger) *Server {
	return &Server{svc: svc, geo: geo, gw: gw, met: met, log: log}
}

// Router assembles all routes.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(s.met.Handler()))
	r.GET("/ws/extraction/stream", s.gw.Handle)

	geo := r.Group("/api/geonames")
	{
		geo.GET("/countries", s.listCountries)
		geo.GET("/countries/:cc/regions", s.listRegions)
		geo.GET("/countries/:cc/provinces", s.listProvinces)
		geo.GET("/countries/:cc/cities", s.listCities)
	}

	api := r.Group("/api/campaigns")
	{
		api.POST("", s.createCampaign)
		api.GET("", s.listCampaigns)
		api.GET("/:id", s.getCampaign)
		api.GET("/:id/places", s.listPlaces)
		api.GET("/:id/tasks", s.listTasks)
		api.POST("/:id/start", s.lifecycle(s.svc.Start))
		api.POST("/:id/resume", s.lifecycle(s.svc.Resume))
		api.POST("/:id/pause", s.lifecycle(s.svc.Pause))
		api.POST("/:id/cancel", s.lifecycle(s.svc.Cancel))
		api.POST("/:id/archive", s.lifecycle(s.svc.Archive))
	}

	return r
}

func (s *Server) listCountries(c *gin.Context) {
	countries, err := s.geo.Countries(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, countries)
}

func (s *Server) listRegions(c *gin.Context) {
	regions, err := s.geo.Regions(c.Request.Context(), c.Param("cc"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, regions)
}

func (s *Server) listProvinces(c *gin.Context) {
	provinces, err := s.geo.Provinces(c.Request.Context(), c.Param("cc"), c.Query("admin1_code"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, provinces)
}

func (s *Server) listCities(c *gin.Context) {
	minPop := 0
	if v := c.Query("min_population"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.fail(c, domain.Invalidf("min_population must be an integer"))
			return
		}
		minPop = n
	}
	cities, err := s.geo.Cities(c.Request.Context(), c.Param("cc"), geonames.CityFilter{
		Admin1Code:    c.Query("admin1_code"),
		Admin2Code:    c.Query("admin2_code"),
		MinPopulation: minPop,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, cities)
}

type createCampaignRequest struct {
	Title         string  `json:"title"`
	Activity      string  `json:"activity" binding:"required"`
	CountryCode   string  `json:"country_code" binding:"required,len=2"`
	Admin1Code    string  `json:"admin1_code"`
	Admin2Code    string  `json:"admin2_code"`
	CityGeonameID int     `json:"city_geoname_id"`
	LocationName  string  `json:"location_name"`
	ISOLanguage   string  `json:"iso_language"`
	Locale        string  `json:"locale"`
	MaxResults    int     `json:"max_results" binding:"omitempty,min=1"`
	MinRating     float64 `json:"min_rating" binding:"omitempty,min=0,max=5"`
	MinPopulation int     `json:"min_population" binding:"omitempty,min=0"`
	MaxBots       int     `json:"max_bots" binding:"omitempty,min=1"`
}

func (s *Server) createCampaign(c *gin.Context) {
	var req createCampaignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, domain.Invalidf("invalid request body: %v", err))
		return
	}
	campaign, err := s.svc.Create(c.Request.Context(), req.Title, domain.CampaignSpec{
		Activity:      req.Activity,
		CountryCode:   req.CountryCode,
		Admin1Code:    req.Admin1Code,
		Admin2Code:    req.Admin2Code,
		CityGeonameID: req.CityGeonameID,
		LocationName:  req.LocationName,
		ISOLanguage:   req.ISOLanguage,
		Locale:        req.Locale,
		MaxResults:    req.MaxResults,
		MinRating:     req.MinRating,
		MinPopulation: req.MinPopulation,
		MaxBots:       req.MaxBots,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"campaign_id": campaign.ID,
		"title":       campaign.Title,
		"status":      string(campaign.Status),
		"total_tasks": campaign.TotalTasks,
		"created_at":  campaign.CreatedAt,
	})
}

func (s *Server) listCampaigns(c *gin.Context) {
	includeArchived := c.Query("include_archived") == "true"
	list, err := s.svc.List(c.Request.Context(), includeArchived)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) getCampaign(c *gin.Context) {
	campaign, err := s.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, campaign)
}

func (s *Server) listPlaces(c *gin.Context) {
	places, err := s.svc.PlacesOf(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, places)
}

func (s *Server) listTasks(c *gin.Context) {
	tasks, err := s.svc.TasksOf(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

// lifecycle adapts a service transition to the 204/4xx contract.
func (s *Server) lifecycle(op func(ctx context.Context, id string) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := op(c.Request.Context(), c.Param("id")); err != nil {
			s.fail(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// fail writes the uniform error body {detail, code}.
func (s *Server) fail(c *gin.Context, err error) {
	code := domain.ErrorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case "validation_error", "protocol_error":
		status = http.StatusBadRequest
	case "not_found":
		status = http.StatusNotFound
	case "conflict":
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError && !errors.Is(err, domain.ErrNotFound) {
		s.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"detail": err.Error(), "code": code})
}
