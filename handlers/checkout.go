package handlers

import (
	"io"
	"net/http"

	"github.com/CaoNhatLinh/squareup-sub001/workflow"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// maxWebhookBody bounds what we read from the processor before verifying it.
const maxWebhookBody = 1 << 20

const webhookSignatureHeader = "Stripe-Signature"

func createPaymentLinkHandler(reconciler *workflow.PaymentReconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req workflow.PendingOrderRequest
		if !bindJSON(c, &req) {
			return
		}
		link, err := reconciler.CreatePaymentLink(c.Request.Context(), req)
		if err != nil {
			respondError(c, "createPaymentLink", err)
			return
		}
		c.JSON(http.StatusOK, link)
	}
}

func createPendingOrderHandler(reconciler *workflow.PaymentReconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req workflow.PendingOrderRequest
		if !bindJSON(c, &req) {
			return
		}
		pending, err := reconciler.CreatePendingOrder(c.Request.Context(), req)
		if err != nil {
			respondError(c, "createPendingOrder", err)
			return
		}
		c.JSON(http.StatusCreated, pending)
	}
}

func captureHandler(reconciler *workflow.PaymentReconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req workflow.CaptureRequest
		if !bindJSON(c, &req) {
			return
		}
		result, err := reconciler.Capture(c.Request.Context(), req)
		if err != nil {
			respondError(c, "capture", err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// webhookHandler needs the raw body; the signature covers the exact bytes.
func webhookHandler(reconciler *workflow.PaymentReconciler) gin.HandlerFunc {
	return func(c *gin.Context) {
		payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unable to read body"})
			return
		}
		order, err := reconciler.HandleWebhook(c.Request.Context(), payload, c.GetHeader(webhookSignatureHeader))
		if err != nil {
			respondError(c, "webhook", err)
			return
		}
		if order != nil {
			reconciler.Logger.WithFields(logrus.Fields{
				"field":    "webhook",
				"order_id": order.ID,
			}).Debug("webhook settled order")
		}
		c.JSON(http.StatusOK, gin.H{"received": true})
	}
}
