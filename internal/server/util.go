package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/simvisor/internal/apperr"
)

func sanitizeBase(bp string) string {
	bp = strings.TrimSpace(bp)
	if bp == "" || bp == "/" {
		return ""
	}
	if !strings.HasPrefix(bp, "/") {
		bp = "/" + bp
	}
	bp = strings.TrimRight(bp, "/")
	return bp
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

type errorResp struct {
	Error   string         `json:"error"`
	Kind    apperr.Kind    `json:"kind,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func statusFor(k apperr.Kind) int {
	switch k {
	case apperr.InvalidInput:
		return http.StatusBadRequest
	case apperr.ResourceBusy:
		return http.StatusConflict
	case apperr.Timeout:
		return http.StatusGatewayTimeout
	case apperr.CommandFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	resp := errorResp{Error: err.Error(), Kind: apperr.KindOf(err)}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		resp.Details = ae.Details
	}
	writeJSON(c, statusFor(resp.Kind), resp)
}
