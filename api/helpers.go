package api

import (
	"errors"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/arcdash/arc/store"
)

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": msg})
}

func notFound(c echo.Context, msg string) error {
	return c.JSON(http.StatusNotFound, map[string]string{"error": msg})
}

func internalError(c echo.Context, msg string, err error) error {
	log.Printf("ERROR: %s: %v", msg, err)
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": msg})
}

// storeError maps store errors to HTTP responses.
func storeError(c echo.Context, notFoundMsg string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return notFound(c, notFoundMsg)
	}
	return internalError(c, "storage failure", err)
}
