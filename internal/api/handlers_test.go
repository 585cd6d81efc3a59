package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mmcloughlin/geohash"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pricemap/server/config"
	"pricemap/server/internal/database"
	"pricemap/server/internal/estimator"
	"pricemap/server/internal/geometry"
	"pricemap/server/internal/models"
	"pricemap/server/internal/processor"
)

const testDistricts = `{
  "type": "FeatureCollection",
  "features": [
    {
      "type": "Feature",
      "properties": {"name": "Innenstadt"},
      "geometry": {"type": "Polygon", "coordinates": [[[7.0, 51.0], [7.01, 51.0], [7.01, 51.01], [7.0, 51.01], [7.0, 51.0]]]}
    }
  ]
}`

type testServer struct {
	router *gin.Engine
	db     *database.Database
	proc   *processor.BatchProcessor
}

func f64(v float64) *float64 { return &v }

func setupServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	db, err := database.NewTestDB()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.UpsertApartments([]*models.Apartment{
		{ID: 1, Segment: "buy", Latitude: f64(51.0), Longitude: f64(7.0), Area: f64(50), Price: f64(100000)},
		{ID: 2, Segment: "buy", Latitude: f64(51.01), Longitude: f64(7.01), Area: f64(60), Price: f64(150000)},
		{ID: 3, Segment: "buy", Latitude: f64(52.0), Longitude: f64(8.0), Area: f64(70), Price: f64(400000)},
		{ID: 4, Segment: "buy", Area: f64(70), Price: f64(400000)},
	}))

	est, err := estimator.New(estimator.Options{K: 2, Policy: estimator.PolicyStrict, Workers: 2}, logger)
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.BatchProcessing.MaxBatchSize = 2
	cfg.BatchProcessing.QueueSize = 2
	cfg.Split.TestFraction = 0.2
	proc := processor.NewBatchProcessor(db, db.ORM(), est, cfg, logger)
	t.Cleanup(proc.Stop)

	districts, err := geometry.ParseDistricts([]byte(testDistricts), logger)
	require.NoError(t, err)

	router := gin.New()
	SetupRoutes(router, NewHandler(db, proc, est, districts, logger), []string{"http://localhost:3000"})
	return &testServer{router: router, db: db, proc: proc}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&payload).Encode(body))
	}
	req := httptest.NewRequest(method, path, &payload)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	s := setupServer(t)
	w := s.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestEstimateByCoordinates(t *testing.T) {
	s := setupServer(t)

	w := s.do(t, http.MethodPost, "/api/estimate", gin.H{
		"segment":   "buy",
		"latitude":  51.005,
		"longitude": 7.005,
		"area":      80,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[EstimateResponse](t, w)
	assert.ElementsMatch(t, []int64{1, 2}, resp.NeighborIDs)
	assert.InDelta(t, 2250.0, resp.PricePerArea, 1e-9)
	assert.InDelta(t, 180000.0, resp.Price, 1e-6)
	assert.Equal(t, "Innenstadt", resp.District)
	require.Len(t, resp.Distances, 2)
	assert.InDelta(t, 0.6577, resp.Distances[0], 1e-3)
	assert.Less(t, resp.Distances[0], resp.Distances[1])
	assert.False(t, resp.Degraded)
}

func TestEstimateByDistrict(t *testing.T) {
	s := setupServer(t)

	w := s.do(t, http.MethodPost, "/api/estimate", gin.H{
		"segment":  "buy",
		"district": "innenstadt",
		"area":     50,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	resp := decode[EstimateResponse](t, w)
	assert.InDelta(t, 51.005, resp.Latitude, 1e-9)
	assert.InDelta(t, 7.005, resp.Longitude, 1e-9)
	assert.InDelta(t, 2250.0*50, resp.Price, 1e-6)
}

func TestEstimateErrors(t *testing.T) {
	s := setupServer(t)

	tests := []struct {
		name string
		body gin.H
		want int
	}{
		{"missing area", gin.H{"segment": "buy", "latitude": 51.0, "longitude": 7.0}, http.StatusBadRequest},
		{"no location", gin.H{"segment": "buy", "area": 50}, http.StatusBadRequest},
		{"invalid latitude", gin.H{"segment": "buy", "latitude": 95.0, "longitude": 7.0, "area": 50}, http.StatusBadRequest},
		{"unknown segment", gin.H{"segment": "lease", "latitude": 51.0, "longitude": 7.0, "area": 50}, http.StatusNotFound},
		{"unknown district", gin.H{"segment": "buy", "district": "Nippes", "area": 50}, http.StatusNotFound},
		{"too few neighbors", gin.H{"segment": "buy", "latitude": 51.0, "longitude": 7.0, "area": 50, "k": 4}, http.StatusUnprocessableEntity},
		{"empty segment", gin.H{"segment": "rent", "latitude": 51.0, "longitude": 7.0, "area": 50}, http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, "/api/estimate", tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestReloadSegment(t *testing.T) {
	s := setupServer(t)
	body := gin.H{"segment": "buy", "latitude": 51.0, "longitude": 7.0, "area": 50, "k": 4}

	w := s.do(t, http.MethodPost, "/api/estimate", body)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	require.NoError(t, s.db.UpsertApartments([]*models.Apartment{
		{ID: 5, Segment: "buy", Latitude: f64(51.02), Longitude: f64(7.02), Area: f64(40), Price: f64(90000)},
	}))

	// the cached reference set does not see the new row yet
	w = s.do(t, http.MethodPost, "/api/estimate", body)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = s.do(t, http.MethodPost, "/api/segments/buy/reload", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodPost, "/api/estimate", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Len(t, decode[EstimateResponse](t, w).NeighborIDs, 4)

	w = s.do(t, http.MethodPost, "/api/segments/lease/reload", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetSegmentApartments(t *testing.T) {
	s := setupServer(t)
	cell := geohash.EncodeWithPrecision(51.0, 7.0, 4)

	w := s.do(t, http.MethodGet, "/api/segments/buy/apartments?geohash="+cell, nil)
	require.Equal(t, http.StatusOK, w.Code)
	apartments := decode[[]models.Apartment](t, w)
	require.Len(t, apartments, 2)
	assert.Equal(t, int64(1), apartments[0].ID)

	// without a cell the whole segment is listed
	w = s.do(t, http.MethodGet, "/api/segments/buy/apartments", nil)
	require.Equal(t, http.StatusOK, w.Code)
	apartments = decode[[]models.Apartment](t, w)
	require.Len(t, apartments, 4)
	assert.Equal(t, int64(4), apartments[3].ID)

	w = s.do(t, http.MethodGet, "/api/segments/buy/apartments?geohash=ail", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetSegmentStats(t *testing.T) {
	s := setupServer(t)

	w := s.do(t, http.MethodGet, "/api/segments/buy/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)

	stats := decode[models.SegmentStats](t, w)
	assert.Equal(t, 4, stats.TotalApartments)
	assert.Equal(t, 3, stats.WithCoordinates)
	assert.InDelta(t, 2500.0, stats.MedianPerArea, 1e-9)
}

func TestListSegmentsAndDistricts(t *testing.T) {
	s := setupServer(t)

	w := s.do(t, http.MethodGet, "/api/segments", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]config.Segment](t, w), 2)

	w = s.do(t, http.MethodGet, "/api/districts", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"Innenstadt"}, decode[[]string](t, w))
}

func TestRunLifecycle(t *testing.T) {
	s := setupServer(t)

	w := s.do(t, http.MethodPost, "/api/runs", gin.H{"segment": "buy", "mode": "whole"})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	run := decode[models.EstimationRun](t, w)
	require.NotEmpty(t, run.ID)

	require.Eventually(t, func() bool {
		w := s.do(t, http.MethodGet, "/api/runs/"+run.ID, nil)
		return w.Code == http.StatusOK && decode[models.EstimationRun](t, w).Status != models.RunStatusRunning
	}, 5*time.Second, 20*time.Millisecond)

	w = s.do(t, http.MethodGet, "/api/runs/"+run.ID, nil)
	finished := decode[models.EstimationRun](t, w)
	assert.Equal(t, models.RunStatusFinished, finished.Status)
	assert.Equal(t, 3, finished.Estimated)
	assert.Equal(t, 1, finished.Failed)

	w = s.do(t, http.MethodGet, "/api/runs/"+run.ID+"/estimates", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]models.Estimate](t, w), 4)

	w = s.do(t, http.MethodGet, "/api/runs/"+run.ID+"/geojson", nil)
	require.Equal(t, http.StatusOK, w.Code)
	fc := decode[map[string]interface{}](t, w)
	assert.Equal(t, "FeatureCollection", fc["type"])
	assert.Len(t, fc["features"], 3)

	w = s.do(t, http.MethodGet, "/api/runs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]models.EstimationRun](t, w), 1)
}

func TestRunErrors(t *testing.T) {
	s := setupServer(t)

	w := s.do(t, http.MethodPost, "/api/runs", gin.H{"segment": "lease"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPost, "/api/runs", gin.H{"segment": "buy", "mode": "holdout"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodGet, "/api/runs/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodGet, "/api/runs/unknown/estimates", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	s := setupServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/estimate", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusFor(estimator.ErrPartitionOverlap))
	assert.Equal(t, http.StatusNotFound, statusFor(database.ErrRunNotFound))
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
}
