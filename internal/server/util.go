package server

import (
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/loykin/botvisor/internal/deploy"
	"github.com/loykin/botvisor/internal/sandbox"
	"github.com/loykin/botvisor/internal/store"
	"github.com/loykin/botvisor/internal/supervisor"
)

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

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

// isSafeName validates worker ids before they reach the store or a path.
// Allowed characters: A-Z a-z 0-9 . _ - and no "..".
func isSafeName(s string) bool {
	if s == "" || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

func writeError(c *gin.Context, err error) {
	writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
}

// statusFor maps domain errors onto HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound
	case sandbox.IsPathEscape(err),
		errors.Is(err, sandbox.ErrRootRemoval),
		errors.Is(err, sandbox.ErrIsDirectory),
		errors.Is(err, deploy.ErrUnsupportedFormat),
		errors.Is(err, deploy.ErrInvalidToken),
		errors.Is(err, deploy.ErrZipSlip):
		return http.StatusBadRequest
	case errors.Is(err, deploy.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, deploy.ErrDuplicate), errors.Is(err, supervisor.ErrAlreadyRunning):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// resultStatus maps a lifecycle result onto an HTTP code.
func resultStatus(res supervisor.Result) int {
	switch res.Code {
	case supervisor.CodeStarted, supervisor.CodeStopped, supervisor.CodeAlreadyStopped:
		return http.StatusOK
	case supervisor.CodeAlreadyRunning, supervisor.CodeEntryPointMissing, supervisor.CodeCrashed, supervisor.CodeExited:
		return http.StatusConflict
	default:
		if res.Err != nil {
			if code := statusFor(res.Err); code != http.StatusInternalServerError {
				return code
			}
		}
		return http.StatusInternalServerError
	}
}

func queryInt(c *gin.Context, key string, def, max int) int {
	n, err := strconv.Atoi(c.Query(key))
	if err != nil || n <= 0 {
		return def
	}
	if max > 0 && n > max {
		return max
	}
	return n
}
