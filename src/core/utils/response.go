package utils

import "net/http"

// UnifiedResponse is the gin response envelope the admin API replies
// with, matching this module's httpsvr response shape.
type UnifiedResponse struct {
	Code    int         `json:"code"`
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Success writes a 200 response carrying data.
func Success(c responseWriter, data interface{}) {
	c.JSON(http.StatusOK, UnifiedResponse{Code: http.StatusOK, Success: true, Message: "ok", Data: data})
}

// ErrorWithDetail writes statusCode carrying message and err's text, if any.
func ErrorWithDetail(c responseWriter, statusCode int, message string, err error) {
	resp := UnifiedResponse{Code: statusCode, Success: false, Message: message}
	if err != nil {
		resp.Error = err.Error()
	}
	c.JSON(statusCode, resp)
}

// responseWriter is the slice of *gin.Context these helpers need; kept
// as an interface so utils doesn't import gin for two one-line calls.
type responseWriter interface {
	JSON(code int, obj interface{})
}
