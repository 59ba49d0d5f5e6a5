package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/CaoNhatLinh/squareup-sub001/config"
	"github.com/CaoNhatLinh/squareup-sub001/utils"
	"github.com/gin-gonic/gin"
)

// respondError renders the error taxonomy. Anything unrecognised is a 500
// with a generic message; the cause goes to the log and gin's error list.
func respondError(c *gin.Context, funcName string, err error) {
	status := utils.HTTPStatus(err)
	body := gin.H{"error": err.Error()}

	var validationErr *utils.ValidationError
	if errors.As(err, &validationErr) && len(validationErr.Fields) > 0 {
		body["fields"] = validationErr.Fields
	}

	var partial *utils.PartialMergeError
	if errors.As(err, &partial) {
		body["targetTableId"] = partial.TargetId
		body["unmergedSources"] = partial.UnmergedSources
	}

	var conflict *utils.ConflictError
	if errors.As(err, &conflict) {
		body["currentUpdatedAt"] = conflict.CurrentUpdatedAt
		if conflict.Resource == "table" {
			body["tableId"] = conflict.ID
		}
	}

	if status == http.StatusInternalServerError {
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		config.LogError(config.GetLogger(), "handlers", funcName, c.FullPath(), cid, err)
		_ = c.Error(err)
		if partial == nil {
			body = gin.H{"error": "internal server error"}
		}
	}
	c.JSON(status, body)
}

// bindJSON binds the body and answers 400 itself when it cannot.
func bindJSON(c *gin.Context, dest any) bool {
	return handleBindError(c, c.ShouldBindJSON(dest))
}

// bindOptionalJSON is bindJSON for routes whose body may be absent. An empty
// body leaves dest untouched whether or not a Content-Length was sent.
func bindOptionalJSON(c *gin.Context, dest any) bool {
	err := c.ShouldBindJSON(dest)
	if errors.Is(err, io.EOF) {
		return true
	}
	return handleBindError(c, err)
}

func handleBindError(c *gin.Context, err error) bool {
	if err != nil {
		body := gin.H{"error": "invalid request body"}
		if fields := utils.ProcessValidationErrors(err); fields != nil {
			body["fields"] = fields
		} else {
			body["detail"] = err.Error()
		}
		c.JSON(http.StatusBadRequest, body)
		return false
	}
	return true
}

func sessionRestaurant(c *gin.Context) string {
	restaurantId, _ := utils.GetRestaurantIdFromContext(c.Request.Context())
	return restaurantId
}
