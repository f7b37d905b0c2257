package util

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthCheckHandler answers liveness checks
func HealthCheckHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"alive": true})
	}
}

// ErrResponse aborts the request with err as its body
func ErrResponse(c *gin.Context, code int, err error) {
	c.AbortWithStatusJSON(code, ErrorResponse{Error: err.Error()})
}
