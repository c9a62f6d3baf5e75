package response

import (
	"time"

	"github.com/gin-gonic/gin"
)

// APIResponse is the envelope of every status-surface reply.
type APIResponse struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	Data      any       `json:"data,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

func SendAPIResponse(c *gin.Context, code int, success bool, message string, data any) {
	resp := APIResponse{
		Success:   success,
		Message:   message,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}

	c.JSON(code, resp)
}

func OK(c *gin.Context, code int, message string, data any) {
	SendAPIResponse(c, code, true, message, data)
}

func Fail(c *gin.Context, code int, message string) {
	SendAPIResponse(c, code, false, message, nil)
}
