package handlers

import (
	"net/http"

	"github.com/CaoNhatLinh/squareup-sub001/workflow"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type orderStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

type refundRequest struct {
	Amount *decimal.Decimal `json:"amount"`
}

// sameRestaurant rejects order routes whose path names another restaurant.
func sameRestaurant() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Param("restaurantId") != sessionRestaurant(c) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

func listOrdersHandler(reconciler *workflow.PaymentReconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		orders, err := reconciler.ListOrders(c.Request.Context(), c.Param("restaurantId"))
		if err != nil {
			respondError(c, "listOrders", err)
			return
		}
		c.JSON(http.StatusOK, orders)
	}
}

func getOrderHandler(reconciler *workflow.PaymentReconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := reconciler.GetOrder(c.Request.Context(), c.Param("restaurantId"), c.Param("orderId"))
		if err != nil {
			respondError(c, "getOrder", err)
			return
		}
		c.JSON(http.StatusOK, order)
	}
}

func updateOrderStatusHandler(reconciler *workflow.PaymentReconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req orderStatusRequest
		if !bindJSON(c, &req) {
			return
		}
		order, err := reconciler.UpdateOrderStatus(c.Request.Context(), c.Param("restaurantId"), c.Param("orderId"), req.Status)
		if err != nil {
			respondError(c, "updateOrderStatus", err)
			return
		}
		c.JSON(http.StatusOK, order)
	}
}

func refundOrderHandler(reconciler *workflow.PaymentReconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req refundRequest
		if !bindOptionalJSON(c, &req) {
			return
		}
		order, err := reconciler.RefundOrder(c.Request.Context(), c.Param("restaurantId"), c.Param("orderId"), req.Amount)
		if err != nil {
			respondError(c, "refundOrder", err)
			return
		}
		c.JSON(http.StatusOK, order)
	}
}
