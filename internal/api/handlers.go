package api

import (
	"errors"
	"net/http"
	"os"
	"strconv"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/paulmach/orb"
	"github.com/sirupsen/logrus"

	"pricemap/server/config"
	"pricemap/server/internal/database"
	"pricemap/server/internal/estimator"
	"pricemap/server/internal/geodesy"
	"pricemap/server/internal/geometry"
	"pricemap/server/internal/models"
	"pricemap/server/internal/processor"
	"pricemap/server/internal/spatial"
)

type Handler struct {
	db        *database.Database
	processor *processor.BatchProcessor
	estimator *estimator.Estimator
	districts *geometry.DistrictIndex
	logger    *logrus.Logger

	mu         sync.Mutex
	references map[string]*estimator.ReferenceSet
}

type EstimateRequest struct {
	Segment   string   `json:"segment" binding:"required"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	District  string   `json:"district"`
	Area      float64  `json:"area" binding:"required,gt=0"`
	K         int      `json:"k" binding:"gte=0"`
}

type EstimateResponse struct {
	Segment      string    `json:"segment"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	District     string    `json:"district,omitempty"`
	Area         float64   `json:"area"`
	PricePerArea float64   `json:"price_per_area"`
	Price        float64   `json:"price"`
	NeighborIDs  []int64   `json:"neighbor_ids"`
	Distances    []float64 `json:"distances_km"`
	Degraded     bool      `json:"degraded"`
}

// NewHandler creates the API handler. districts may be nil.
func NewHandler(db *database.Database, proc *processor.BatchProcessor, est *estimator.Estimator, districts *geometry.DistrictIndex, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}

	return &Handler{
		db:         db,
		processor:  proc,
		estimator:  est,
		districts:  districts,
		logger:     logger,
		references: make(map[string]*estimator.ReferenceSet),
	}
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, geodesy.ErrInvalidCoordinate),
		errors.Is(err, estimator.ErrInvalidRecord),
		errors.Is(err, estimator.ErrUnknownMode),
		errors.Is(err, spatial.ErrInvalidK),
		errors.Is(err, database.ErrInvalidGeohash):
		return http.StatusBadRequest
	case errors.Is(err, processor.ErrUnknownSegment),
		errors.Is(err, database.ErrRunNotFound),
		errors.Is(err, geometry.ErrUnknownDistrict):
		return http.StatusNotFound
	case errors.Is(err, estimator.ErrEmptyNeighborSet),
		errors.Is(err, spatial.ErrInsufficientNeighbors):
		return http.StatusUnprocessableEntity
	case errors.Is(err, estimator.ErrPartitionOverlap):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(c *gin.Context, err error, message string) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.WithError(err).Error(message)
		c.JSON(status, gin.H{"error": message})
		return
	}
	h.logger.WithError(err).Warn(message)
	c.JSON(status, gin.H{"error": err.Error()})
}

// segmentParam resolves the :segment path parameter
func (h *Handler) segmentParam(c *gin.Context) (*config.Segment, bool) {
	segment := config.GetSegmentByName(c.Param("segment"))
	if segment == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown segment"})
		return nil, false
	}
	return segment, true
}

// reference returns the cached whole-segment reference set, building it
// from the database on first use
func (h *Handler) reference(segment string) (*estimator.ReferenceSet, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ref, ok := h.references[segment]; ok {
		return ref, nil
	}

	apartments, err := h.db.GetApartments(segment)
	if err != nil {
		return nil, err
	}
	records := make([]estimator.Record, 0, len(apartments))
	skipped := 0
	for _, a := range apartments {
		record, err := estimator.NewRecord(a)
		if err != nil {
			skipped++
			continue
		}
		records = append(records, record)
	}

	ref, err := h.estimator.NewReferenceSet(records)
	if err != nil {
		return nil, err
	}
	h.logger.WithFields(logrus.Fields{
		"segment": segment,
		"records": ref.Len(),
		"skipped": skipped,
	}).Info("Built reference set")

	h.references[segment] = ref
	return ref, nil
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) ListSegments(c *gin.Context) {
	c.JSON(http.StatusOK, config.SupportedSegments)
}

func (h *Handler) ListDistricts(c *gin.Context) {
	if h.districts == nil {
		c.JSON(http.StatusOK, []string{})
		return
	}
	c.JSON(http.StatusOK, h.districts.Names())
}

// Estimate answers an ad-hoc estimate for a location or district center
func (h *Handler) Estimate(c *gin.Context) {
	var req EstimateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.WithError(err).Error("Failed to parse estimate request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request parameters"})
		return
	}

	segment := config.GetSegmentByName(req.Segment)
	if segment == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown segment"})
		return
	}

	var location orb.Point
	district := req.District
	switch {
	case req.Latitude != nil && req.Longitude != nil:
		location = orb.Point{*req.Longitude, *req.Latitude}
		if h.districts != nil {
			district, _ = h.districts.Locate(location)
		}
	case req.District != "" && h.districts != nil:
		center, err := h.districts.Center(req.District)
		if err != nil {
			h.fail(c, err, "Failed to resolve district")
			return
		}
		location = center
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Either latitude and longitude or a known district is required"})
		return
	}

	ref, err := h.reference(segment.Name)
	if err != nil {
		h.fail(c, err, "Failed to load reference set")
		return
	}

	result, err := h.estimator.EstimatePoint(ref, location, req.Area, req.K)
	if err != nil {
		h.fail(c, err, "Failed to estimate price")
		return
	}

	c.JSON(http.StatusOK, EstimateResponse{
		Segment:      segment.Name,
		Latitude:     location.Lat(),
		Longitude:    location.Lon(),
		District:     district,
		Area:         req.Area,
		PricePerArea: result.PricePerArea,
		Price:        result.Price,
		NeighborIDs:  result.NeighborIDs,
		Distances:    result.NeighborDistances,
		Degraded:     result.Degraded,
	})
}

// ReloadSegment drops the cached reference set of a segment
func (h *Handler) ReloadSegment(c *gin.Context) {
	segment, ok := h.segmentParam(c)
	if !ok {
		return
	}

	h.mu.Lock()
	delete(h.references, segment.Name)
	h.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"status": "Reference set will be rebuilt on next estimate"})
}

func (h *Handler) GetSegmentApartments(c *gin.Context) {
	segment, ok := h.segmentParam(c)
	if !ok {
		return
	}

	var (
		apartments []models.Apartment
		err        error
	)
	if cell := c.Query("geohash"); cell != "" {
		withNeighbors, _ := strconv.ParseBool(c.DefaultQuery("neighbors", "false"))
		apartments, err = h.db.GetApartmentsByGeohash(segment.Name, cell, withNeighbors)
	} else {
		apartments, err = h.db.GetApartments(segment.Name)
	}
	if err != nil {
		h.fail(c, err, "Failed to get apartments")
		return
	}

	c.JSON(http.StatusOK, apartments)
}

func (h *Handler) GetSegmentStats(c *gin.Context) {
	segment, ok := h.segmentParam(c)
	if !ok {
		return
	}

	stats, err := h.db.GetSegmentStats(segment.Name)
	if err != nil {
		h.fail(c, err, "Failed to get segment stats")
		return
	}

	apartments, err := h.db.GetApartments(segment.Name)
	if err != nil {
		h.fail(c, err, "Failed to get segment stats")
		return
	}
	values := make([]float64, 0, len(apartments))
	for _, a := range apartments {
		if record, err := estimator.NewRecord(a); err == nil {
			values = append(values, record.PricePerArea())
		}
	}
	stats.MedianPerArea = estimator.Median(values)

	c.JSON(http.StatusOK, stats)
}

// CreateRun starts a batch run in the background
func (h *Handler) CreateRun(c *gin.Context) {
	var req processor.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.WithError(err).Error("Failed to parse run request")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request parameters"})
		return
	}

	run, err := h.processor.Submit(req)
	if err != nil {
		h.fail(c, err, "Failed to start run")
		return
	}

	c.JSON(http.StatusAccepted, run)
}

func (h *Handler) ListRuns(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 {
		limit = 20
	}

	runs, err := h.db.ListRuns(limit)
	if err != nil {
		h.fail(c, err, "Failed to get runs")
		return
	}

	c.JSON(http.StatusOK, runs)
}

func (h *Handler) GetRun(c *gin.Context) {
	run, err := h.db.GetRun(c.Param("id"))
	if err != nil {
		h.fail(c, err, "Failed to get run")
		return
	}

	c.JSON(http.StatusOK, run)
}

func (h *Handler) GetRunEstimates(c *gin.Context) {
	run, err := h.db.GetRun(c.Param("id"))
	if err != nil {
		h.fail(c, err, "Failed to get run")
		return
	}

	estimates, err := h.db.GetEstimates(run.ID)
	if err != nil {
		h.fail(c, err, "Failed to get estimates")
		return
	}

	c.JSON(http.StatusOK, estimates)
}

func (h *Handler) GetRunGeoJSON(c *gin.Context) {
	run, err := h.db.GetRun(c.Param("id"))
	if err != nil {
		h.fail(c, err, "Failed to get run")
		return
	}

	estimates, err := h.db.GetEstimates(run.ID)
	if err != nil {
		h.fail(c, err, "Failed to get estimates")
		return
	}

	c.JSON(http.StatusOK, geometry.EstimatesFeatureCollection(estimates))
}
