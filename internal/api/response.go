// Package api implements the admin HTTP API of the proxy.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error code and human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError aborts the chain with a standard error response.
func writeError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error: ErrorDetail{Code: code, Message: message},
	})
}

func writeInvalidArgument(c *gin.Context, err error) {
	writeError(c, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
}

// PageResponse is the list envelope for paginated endpoints.
type PageResponse[T any] struct {
	Items   []T  `json:"items"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}
