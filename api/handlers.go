package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"rulebox/core"
	"rulebox/service"
)

const (
	// multipartMemory is the part of a form kept in memory; the rest spills to disk
	multipartMemory = 32 << 20

	// formOverhead covers multipart boundaries and text fields on top of the file
	formOverhead = 1 << 20

	maxJSONBodyBytes = 4 << 10
)

var validate = validator.New()

// setEnabledRequest is the body of PUT .../artifacts/{id}/enabled
type setEnabledRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

type artifactListResponse struct {
	OK        bool                    `json:"ok"`
	Family    core.Family             `json:"family"`
	Artifacts []core.CompiledArtifact `json:"artifacts"`
}

type setEnabledResponse struct {
	OK      bool        `json:"ok"`
	Family  core.Family `json:"family"`
	ID      int64       `json:"id"`
	Enabled bool        `json:"enabled"`
}

func familyFromRequest(r *http.Request) (core.Family, error) {
	return core.ParseFamily(mux.Vars(r)["family"])
}

// ingestRuleFile handles POST /api/v1/rules/{family}
func (a *API) ingestRuleFile(w http.ResponseWriter, r *http.Request) {
	a.ingest(w, r, a.config.Ingest.MaxFileBytes, a.ingester.IngestFile)
}

// ingestRuleArchive handles POST /api/v1/rules/{family}/archive
func (a *API) ingestRuleArchive(w http.ResponseWriter, r *http.Request) {
	a.ingest(w, r, a.config.Ingest.MaxArchiveBytes, a.ingester.IngestArchive)
}

type ingestFunc func(ctx context.Context, family core.Family, sub core.RawSubmission) (*core.IngestReport, error)

func (a *API) ingest(w http.ResponseWriter, r *http.Request, limit int64, fn ingestFunc) {
	family, err := familyFromRequest(r)
	if err != nil {
		a.respondError(w, r, err)
		return
	}

	data, filename, err := readUpload(w, r, limit)
	if err != nil {
		a.respondError(w, r, err)
		return
	}

	report, err := fn(r.Context(), family, core.RawSubmission{
		Data:       data,
		Filename:   filename,
		SourceName: r.FormValue("source_name"),
	})
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, report)
}

// listArtifacts handles GET /api/v1/rules/{family}/artifacts
func (a *API) listArtifacts(w http.ResponseWriter, r *http.Request) {
	family, err := familyFromRequest(r)
	if err != nil {
		a.respondError(w, r, err)
		return
	}

	artifacts, err := a.artifacts.ListArtifacts(r.Context(), family)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, artifactListResponse{OK: true, Family: family, Artifacts: artifacts})
}

// setArtifactEnabled handles PUT /api/v1/rules/{family}/artifacts/{id}/enabled
func (a *API) setArtifactEnabled(w http.ResponseWriter, r *http.Request) {
	family, err := familyFromRequest(r)
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		a.respondError(w, r, core.NewValidationError(core.ErrInvalidSubmission, "invalid artifact id"))
		return
	}

	var req setEnabledRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		a.respondError(w, r, err)
		return
	}

	if err := a.artifacts.SetEnabled(r.Context(), family, id, *req.Enabled); err != nil {
		a.respondError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, setEnabledResponse{OK: true, Family: family, ID: id, Enabled: *req.Enabled})
}

// scanSample handles POST /api/v1/scan/{family}
func (a *API) scanSample(w http.ResponseWriter, r *http.Request) {
	family, err := familyFromRequest(r)
	if err != nil {
		a.respondError(w, r, err)
		return
	}

	limit := a.config.YARA.MaxSampleBytes
	if family == core.FamilySigma {
		limit = a.config.Sigma.MaxSampleBytes
	}
	data, filename, err := readUpload(w, r, limit)
	if err != nil {
		a.respondError(w, r, err)
		return
	}

	resp, err := a.scanner.Scan(r.Context(), service.ScanRequest{
		Family:      family,
		Sample:      data,
		Filename:    filename,
		Label:       r.FormValue("label"),
		RuleSet:     strings.TrimSpace(r.FormValue("rule_set")),
		ReturnLevel: strings.TrimSpace(r.FormValue("return_level")),
	})
	if err != nil {
		a.respondError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, resp)
}

// healthCheck handles GET /health
func (a *API) healthCheck(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	if a.health != nil {
		if err := a.health.HealthCheck(r.Context()); err != nil {
			a.logger.Warnw("Health check failed", "error", err)
			a.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	a.writeJSON(w, http.StatusOK, status)
}

// readUpload reads the multipart "file" field. The whole body is capped at
// limit plus form overhead, and the file itself at limit+1 bytes so that
// downstream size checks see an oversized upload as oversized.
func readUpload(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, limit+formOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		return nil, "", formError(err, limit)
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return nil, "", core.NewValidationError(core.ErrInvalidSubmission, "missing upload field: file")
		}
		return nil, "", formError(err, limit)
	}
	defer file.Close()

	data, err := readLimited(file, limit)
	if err != nil {
		return nil, "", formError(err, limit)
	}
	return data, header.Filename, nil
}

func readLimited(f multipart.File, limit int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(f, limit+1))
}

func formError(err error, limit int64) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) || strings.Contains(err.Error(), "request body too large") {
		return core.NewValidationError(core.ErrPayloadTooLarge, "upload exceeds %d bytes", limit)
	}
	return core.NewValidationError(core.ErrInvalidSubmission, "invalid multipart form: %v", err)
}

// decodeJSONBody decodes a small JSON body, rejecting unknown fields, and
// validates it with struct tags
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		var syntaxError *json.SyntaxError
		var typeError *json.UnmarshalTypeError
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return core.NewValidationError(core.ErrPayloadTooLarge, "request body too large")
		case errors.As(err, &syntaxError):
			return core.NewValidationError(core.ErrInvalidSubmission, "invalid JSON syntax at byte offset %d", syntaxError.Offset)
		case errors.As(err, &typeError):
			return core.NewValidationError(core.ErrInvalidSubmission, "invalid type for field '%s': expected %s", typeError.Field, typeError.Type)
		default:
			return core.NewValidationError(core.ErrInvalidSubmission, "invalid JSON body: %v", err)
		}
	}

	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return core.NewValidationError(core.ErrInvalidSubmission, "field '%s' failed '%s' validation", strings.ToLower(verrs[0].Field()), verrs[0].Tag())
		}
		return fmt.Errorf("request validation: %w", err)
	}
	return nil
}
