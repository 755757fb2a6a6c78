package router

import (
	"log/slog"
	"net/http"

	"github.com/cuongbtq/metals-aggregator/internal/api/handler"
	"github.com/gin-gonic/gin"
)

const serviceName = "metals-api-service"

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	r.GET("/health", healthHandler(deps))

	runHandler := handler.NewRunHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	{
		// GET /api/v1/dealers - Dealer registry
		v1.GET("/dealers", runHandler.ListDealers)

		runs := v1.Group("/runs")
		{
			// POST /api/v1/runs - Enqueue an aggregation run
			runs.POST("", runHandler.CreateRun)

			// GET /api/v1/runs/:run_id - Run status and totals
			runs.GET("/:run_id", runHandler.GetRun)

			// GET /api/v1/runs/:run_id/products - Products in forwarding order
			runs.GET("/:run_id/products", runHandler.ListProducts)
		}
	}

	return r
}

func healthHandler(deps *handler.Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		if deps.DBHealth != nil {
			if err := deps.DBHealth.HealthCheck(c.Request.Context()); err != nil {
				deps.Logger.Warn("Health check failed", slog.String("error", err.Error()))
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "unhealthy",
					"service": serviceName,
				})
				return
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": serviceName,
		})
	}
}
