package api

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func SetupRoutes(router *gin.Engine, handler *Handler, allowOrigins []string) {
	corsConfig := cors.Config{
		AllowOrigins: allowOrigins,
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowOrigins) == 0 {
		corsConfig.AllowOrigins = nil
		corsConfig.AllowAllOrigins = true
	}
	router.Use(cors.New(corsConfig))

	api := router.Group("/api")
	{
		api.GET("/health", handler.Health)
		api.POST("/estimate", handler.Estimate)
		api.GET("/districts", handler.ListDistricts)

		api.GET("/segments", handler.ListSegments)
		api.POST("/segments/:segment/reload", handler.ReloadSegment)
		api.GET("/segments/:segment/apartments", handler.GetSegmentApartments)
		api.GET("/segments/:segment/stats", handler.GetSegmentStats)

		api.GET("/runs", handler.ListRuns)
		api.POST("/runs", handler.CreateRun)
		api.GET("/runs/:id", handler.GetRun)
		api.GET("/runs/:id/estimates", handler.GetRunEstimates)
		api.GET("/runs/:id/geojson", handler.GetRunGeoJSON)
	}
}
