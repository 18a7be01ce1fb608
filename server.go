package main

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/v1nometrics/docusign-ura/config"
	"github.com/v1nometrics/docusign-ura/handler"
	"github.com/v1nometrics/docusign-ura/middleware"
	"github.com/v1nometrics/docusign-ura/pkg/logger"
	"github.com/v1nometrics/docusign-ura/pkg/metrics"
)

// newRouter registers every HTTP entry point. tracker may be nil when the
// tracking store is disabled.
func newRouter(cfg *config.Config, pipeline handler.Pipeline, tracker handler.StatusUpdater) (*gin.Engine, error) {
	webhookHandler, err := handler.NewWebhookHandler(tracker)
	if err != nil {
		return nil, err
	}
	authHandler := handler.NewAuthHandler(cfg)
	contractHandler := handler.NewContractHandler(pipeline)

	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.RateLimit(middleware.NewRateLimiter(cfg.Server.RateLimit)))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"timestamp": time.Now().Format(time.RFC3339),
		})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	router.GET("/webhook/docusign", webhookHandler.Health)
	router.POST("/webhook/docusign", middleware.VerifyConnectSignature(cfg.Webhook.HMACSecret), webhookHandler.Handle)
	if cfg.Webhook.StorageEventToken == "" {
		logger.Warn(context.Background(), "storage event endpoint is not protected, set webhook.storage_event_token")
	}
	router.POST("/events/storage", middleware.EventToken(cfg.Webhook.StorageEventToken), contractHandler.StorageEvent)

	api := router.Group("/api")
	api.POST("/auth/login", authHandler.Login)

	protected := api.Group("/")
	protected.Use(middleware.OperatorAuth(&cfg.Auth))
	{
		protected.GET("/auth/me", authHandler.Me)
		protected.POST("/contracts/sign", contractHandler.Sign)
		protected.GET("/stats", contractHandler.Stats)
	}

	return router, nil
}
