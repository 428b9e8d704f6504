package http

import (
	stdhttp "net/http"

	"github.com/gin-gonic/gin"

	"github.com/mkovalev/wirehub/internal/core"
)

// ErrorResponse is the JSON error body of the REST endpoints.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// NewChannelsHandler serves public-channel discovery over REST, the HTTP
// twin of the simple query.
func NewChannelsHandler(registry *core.Registry, enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !enabled {
			c.JSON(stdhttp.StatusForbidden, ErrorResponse{
				Error: "public channels are disabled on this broker",
				Code:  core.ErrCodeUnsupportedFeature,
			})
			return
		}

		appID := c.Query("app")
		if appID == "" {
			c.JSON(stdhttp.StatusBadRequest, ErrorResponse{
				Error: "query parameter app is required",
				Code:  core.ErrCodeInvalidRequest,
			})
			return
		}

		list, err := registry.ListPublic(appID)
		if err != nil {
			c.JSON(stdhttp.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: core.ErrorCode(err)})
			return
		}
		c.JSON(stdhttp.StatusOK, gin.H{"channels": list})
	}
}
