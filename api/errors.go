package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"

	"rulebox/core"
)

const maxErrorMessageLength = 2500

var (
	dsnPattern        = regexp.MustCompile(`(?:postgres|postgresql|sqlite|file)://[^\s"']+`)
	absPathPattern    = regexp.MustCompile(`(^|[\s"'(=])(?:[A-Za-z]:\\|/)(?:[^\\/:*?"<>|\s]+[\\/])*[^\\/:*?"<>|\s]*`)
	credentialPattern = regexp.MustCompile(`(?i)(password|secret|token|credential)[:=]\s*["']?[^"'\s]+["']?`)
	stackPattern      = regexp.MustCompile(`(?m)^goroutine \d+.*$`)
)

// errorResponse is the body of every failed request
type errorResponse struct {
	OK    bool   `json:"ok"`
	Code  string `json:"code"`
	Error string `json:"error"`
	// File names the failing source file of a compile error
	File         string `json:"file,omitempty"`
	EngineStdout string `json:"engine_stdout,omitempty"`
	EngineStderr string `json:"engine_stderr,omitempty"`
}

// errorClasses maps a sentinel to its HTTP status and response code.
// Order matters: more specific sentinels come first.
var errorClasses = []struct {
	target error
	status int
	code   string
}{
	{core.ErrPayloadTooLarge, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE"},
	{core.ErrInvalidExtension, http.StatusBadRequest, "INVALID_EXTENSION"},
	{core.ErrUnsafeArchivePath, http.StatusBadRequest, "UNSAFE_ARCHIVE_PATH"},
	{core.ErrEmptyRuleSet, http.StatusBadRequest, "EMPTY_RULE_SET"},
	{core.ErrInvalidRuleSet, http.StatusBadRequest, "INVALID_RULE_SET"},
	{core.ErrInvalidReturnLevel, http.StatusBadRequest, "INVALID_RETURN_LEVEL"},
	{core.ErrInvalidSubmission, http.StatusBadRequest, "INVALID_SUBMISSION"},
	{core.ErrCompileFailed, http.StatusUnprocessableEntity, "COMPILE_FAILED"},
	{core.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{core.ErrScanTimeout, http.StatusGatewayTimeout, "SCAN_TIMEOUT"},
	{core.ErrEngineOutputMissing, http.StatusBadGateway, "ENGINE_OUTPUT_MISSING"},
	{core.ErrEngineFailed, http.StatusBadGateway, "ENGINE_FAILED"},
	{core.ErrStorageFailed, http.StatusInternalServerError, "STORAGE_FAILED"},
}

// classifyError returns the HTTP status and response code for err
func classifyError(err error) (int, string) {
	for _, c := range errorClasses {
		if errors.Is(err, c.target) {
			return c.status, c.code
		}
	}
	return http.StatusInternalServerError, "INTERNAL"
}

// sanitizeErrorMessage removes connection strings, absolute paths and
// credentials before a message is sent to clients
func sanitizeErrorMessage(message string) string {
	message = dsnPattern.ReplaceAllString(message, "[DATABASE_CONNECTION]")
	message = absPathPattern.ReplaceAllString(message, "${1}[FILE_PATH]")
	message = credentialPattern.ReplaceAllString(message, "$1=[REDACTED]")
	message = stackPattern.ReplaceAllString(message, "[STACK_TRACE]")

	if len(message) > maxErrorMessageLength {
		message = core.Head(message, maxErrorMessageLength-3) + "..."
	}
	return message
}

// respondError logs err with the request id and writes the JSON error body.
// Internal failures are reported without detail.
func (a *API) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classifyError(err)
	requestID := RequestIDFromContext(r.Context())

	resp := errorResponse{OK: false, Code: code}
	switch status {
	case http.StatusInternalServerError:
		a.logger.Errorw("Request failed", "request_id", requestID, "code", code, "path", r.URL.Path, "error", err)
		resp.Error = fmt.Sprintf("internal error (request id %s)", requestID)
	default:
		a.logger.Warnw("Request rejected", "request_id", requestID, "code", code, "path", r.URL.Path, "error", err)
		resp.Error = sanitizeErrorMessage(err.Error())
	}

	var ce *core.CompileError
	if errors.As(err, &ce) {
		resp.File = ce.File
	}
	var ee *core.EngineError
	if errors.As(err, &ee) {
		resp.EngineStdout = ee.Stdout
		resp.EngineStderr = ee.Stderr
	}

	a.writeJSON(w, status, resp)
}

// writeJSON writes a JSON response with proper error handling
func (a *API) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Response already started, can't send error to client
		a.logger.Errorw("Failed to encode JSON response",
			"error", err,
			"data_type", fmt.Sprintf("%T", data))
	}
}
