package handlers

import (
	"github.com/CaoNhatLinh/squareup-sub001/middlewares"
	"github.com/CaoNhatLinh/squareup-sub001/models"
	"github.com/CaoNhatLinh/squareup-sub001/workflow"
	"github.com/gin-gonic/gin"
)

type Dependencies struct {
	Tables     *models.TableRepository
	Reconciler *workflow.PaymentReconciler
}

// RegisterRoutes expects SessionMiddleware to already be installed on r.
func RegisterRoutes(r gin.IRouter, deps Dependencies) {
	tables := r.Group("/tables", middlewares.RequireSession())
	tables.GET("", listTablesHandler(deps.Tables))
	tables.POST("", createTableHandler(deps.Tables))
	tables.POST("/merge", mergeTablesHandler(deps.Tables))
	tables.GET("/:id", getTableHandler(deps.Tables))
	tables.PUT("/:id", updateTableHandler(deps.Tables))
	tables.POST("/:id/clear", clearTableHandler(deps.Tables))
	tables.DELETE("/:id", deleteTableHandler(deps.Tables))

	checkout := r.Group("/checkout")
	checkout.POST("/payment-link", createPaymentLinkHandler(deps.Reconciler))
	checkout.POST("/pending-order", createPendingOrderHandler(deps.Reconciler))
	checkout.POST("/capture", captureHandler(deps.Reconciler))
	checkout.POST("/webhook", webhookHandler(deps.Reconciler))

	orders := r.Group("/orders/:restaurantId", middlewares.RequireSession(), sameRestaurant())
	orders.GET("", listOrdersHandler(deps.Reconciler))
	orders.GET("/:orderId", getOrderHandler(deps.Reconciler))
	orders.PATCH("/:orderId/status", updateOrderStatusHandler(deps.Reconciler))
	orders.POST("/:orderId/refund", refundOrderHandler(deps.Reconciler))
}
