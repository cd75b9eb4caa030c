package handler

import (
	"net/http"

	"catalog-ingest-go/internal/config"
	"catalog-ingest-go/internal/middleware"
	"catalog-ingest-go/internal/service"
	"catalog-ingest-go/pkg/metrics"
	"catalog-ingest-go/pkg/token"

	"github.com/gin-gonic/gin"
)

// NewRouter 创建路由引擎并注册所有路由。
func NewRouter(cfg config.ServerConfig, jwtManager *token.JWTManager, uploadService service.UploadService) *gin.Engine {
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	r.Use(middleware.RequestLogger(), gin.Recovery())
	if cfg.MaxUploadBytes > 0 {
		r.MaxMultipartMemory = 32 << 20
		r.Use(limitBody(cfg.MaxUploadBytes))
	}

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", metrics.Handler())

	uploads := NewUploadHandler(uploadService)
	apiV1 := r.Group("/api/v1")
	{
		up := apiV1.Group("/uploads")
		up.Use(middleware.AuthMiddleware(jwtManager))
		{
			up.POST("", uploads.Submit)
			up.GET("", uploads.List)
			up.GET("/:id", uploads.Status)
			up.GET("/:id/chunks", uploads.ListChunks)
			up.POST("/:id/cancel", middleware.AdminAuthMiddleware(), uploads.Cancel)
		}
	}
	return r
}

func limitBody(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		c.Next()
	}
}
