package httpapi

import (
	"github.com/gin-gonic/gin"

	"github.com/kandev/missionctl/internal/apperr"
)

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type errorEnvelope struct {
	Success bool      `json:"success"`
	Error   errorBody `json:"error"`
}

// respondError writes the {success:false,error:{...}} envelope, translating
// a plain error into an Internal AppError so every non-success response has
// the same shape.
func respondError(c *gin.Context, err error) {
	appErr, ok := err.(*apperr.AppError)
	if !ok {
		appErr = apperr.Internal(err)
	}
	c.JSON(appErr.HTTPStatus, errorEnvelope{
		Success: false,
		Error: errorBody{
			Code:    appErr.Code,
			Message: appErr.Message,
			Details: appErr.Details,
		},
	})
}

// respondJSON writes a plain success body; the spec leaves success bodies
// unenveloped (just the resource/list itself).
func respondJSON(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

func badRequest(c *gin.Context, msg string) {
	respondError(c, apperr.ValidationMsg(msg))
}
