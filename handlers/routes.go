package handlers

import (
	"order-svc/middleware"

	"github.com/gin-gonic/gin"
)

// RegisterRoutes mounts the order API behind bearer auth. The webhook route
// is authenticated by its signature instead.
func RegisterRoutes(router *gin.Engine, orders *OrderHandler, webhooks *WebhookHandler, jwtSecret []byte) {
	router.GET("/health", HealthCheck)

	api := router.Group("/api/order", middleware.AuthMiddleware(jwtSecret))
	{
		api.POST("/start", orders.StartPayment)
		api.POST("/validation", orders.ValidatePayment)
		api.GET("/history", orders.History)
		api.GET("/details", orders.Details)
		api.GET("/product", orders.Product)
		api.POST("/refund", orders.Refund)
	}

	router.POST("/api/webhook-portone", webhooks.Receive)
}
