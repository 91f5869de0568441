package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"provider/internal/service"
)

var ErrInvalidRequest = errors.New("invalid request")

func respondError(c *gin.Context, code int, err error) {
	c.JSON(code, ErrorResponse{
		Error: err.Error(),
		Code:  code,
	})
}

func respondErrorWithDetails(c *gin.Context, code int, err error, details string) {
	c.JSON(code, ErrorResponse{
		Error:   err.Error(),
		Code:    code,
		Details: details,
	})
}

func mapServiceError(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, service.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrEmptyToken):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
