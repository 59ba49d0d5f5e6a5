package handlers

import (
	"net/http"
	"time"

	"github.com/CaoNhatLinh/squareup-sub001/models"
	"github.com/gin-gonic/gin"
)

type clearTableRequest struct {
	ExpectedUpdatedAt *time.Time `json:"expectedUpdatedAt"`
}

func listTablesHandler(tables *models.TableRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		result, err := tables.List(c.Request.Context(), sessionRestaurant(c))
		if err != nil {
			respondError(c, "listTables", err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

func getTableHandler(tables *models.TableRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		table, err := tables.Get(c.Request.Context(), sessionRestaurant(c), c.Param("id"))
		if err != nil {
			respondError(c, "getTable", err)
			return
		}
		c.JSON(http.StatusOK, table)
	}
}

func createTableHandler(tables *models.TableRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewTable
		if !bindJSON(c, &input) {
			return
		}
		table, err := tables.Create(c.Request.Context(), sessionRestaurant(c), input)
		if err != nil {
			respondError(c, "createTable", err)
			return
		}
		c.JSON(http.StatusCreated, table)
	}
}

func updateTableHandler(tables *models.TableRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		var patch models.TablePatch
		if !bindJSON(c, &patch) {
			return
		}
		table, err := tables.Update(c.Request.Context(), sessionRestaurant(c), c.Param("id"), patch)
		if err != nil {
			respondError(c, "updateTable", err)
			return
		}
		c.JSON(http.StatusOK, table)
	}
}

func clearTableHandler(tables *models.TableRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input clearTableRequest
		if !bindOptionalJSON(c, &input) {
			return
		}
		table, err := tables.Clear(c.Request.Context(), sessionRestaurant(c), c.Param("id"), input.ExpectedUpdatedAt)
		if err != nil {
			respondError(c, "clearTable", err)
			return
		}
		c.JSON(http.StatusOK, table)
	}
}

func deleteTableHandler(tables *models.TableRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		table, err := tables.Delete(c.Request.Context(), sessionRestaurant(c), c.Param("id"))
		if err != nil {
			respondError(c, "deleteTable", err)
			return
		}
		c.JSON(http.StatusOK, table)
	}
}

func mergeTablesHandler(tables *models.TableRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.MergeTables
		if !bindJSON(c, &input) {
			return
		}
		table, err := tables.Merge(c.Request.Context(), sessionRestaurant(c), input)
		if err != nil {
			respondError(c, "mergeTables", err)
			return
		}
		c.JSON(http.StatusOK, table)
	}
}
