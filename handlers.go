package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

// App holds the application state
type App struct {
	config   *Config
	store    *TransformationStore
	guard    *APIKeyGuard
	renderer *PreviewRenderer
	logger   *logrus.Logger
}

// writeJSON encodes v with the given status
func (app *App) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		app.logger.WithError(err).Warn("Failed to encode response")
	}
}

// HandleHealth reports liveness
func (app *App) HandleHealth(w http.ResponseWriter, r *http.Request) {
	app.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleGetParameterTable returns every range and category
func (app *App) HandleGetParameterTable(w http.ResponseWriter, r *http.Request) {
	app.writeJSON(w, http.StatusOK, ParameterTable())
}

// HandleGetParameters returns the range of one kind
func (app *App) HandleGetParameters(w http.ResponseWriter, r *http.Request) {
	kind := r.PathValue("kind")

	if kind == KindResize {
		app.writeJSON(w, http.StatusOK, ResizeParameters())
		return
	}

	params, ok := Parameters(kind)
	if !ok {
		http.Error(w, "Unknown transformation kind", http.StatusNotFound)
		return
	}

	app.writeJSON(w, http.StatusOK, params)
}

// HandleGetDualValue reports whether a kind is dual-value and its delta range.
// Unknown kinds are not an error, they are simply not dual-value.
func (app *App) HandleGetDualValue(w http.ResponseWriter, r *http.Request) {
	kind := r.PathValue("kind")

	resp := struct {
		TransformationType string          `json:"transformation_type"`
		IsDualValue        bool            `json:"is_dual_value"`
		Range              *DualValueRange `json:"range,omitempty"`
	}{TransformationType: kind}

	if dual, ok := DualValueRangeFor(kind); ok {
		resp.IsDualValue = true
		resp.Range = &dual
	}

	app.writeJSON(w, http.StatusOK, resp)
}

// HandleAutoValue returns the generated counterpart of a user value
func (app *App) HandleAutoValue(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, SmallJSONBodyBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	var req TransformationRequest
	if err := json.Unmarshal(data, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	// TransformationRequest has its own decoder, so value is read separately
	var body struct {
		Value *float64 `json:"value"`
	}
	if err := json.Unmarshal(data, &body); err != nil || body.Value == nil {
		http.Error(w, "Missing value", http.StatusBadRequest)
		return
	}

	kind := req.TransformationType
	app.writeJSON(w, http.StatusOK, map[string]interface{}{
		"transformation_type": kind,
		"is_dual_value":       IsDualValueTransformation(kind),
		"user_value":          *body.Value,
		"auto_value":          GenerateAutoValue(kind, *body.Value),
	})
}

// HandleEstimate computes the per-original image count for a posted list.
// Accepts either a bare array or {"transformations": [...]}.
func (app *App) HandleEstimate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxJSONBodyBytes)

	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	transformations, err := decodeTransformationList(data)
	if err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	app.writeJSON(w, http.StatusOK, CalculateMaxImagesPerOriginal(transformations))
}

// HandleListReleases lists releases with stored transformations
func (app *App) HandleListReleases(w http.ResponseWriter, r *http.Request) {
	releases, err := app.store.ListReleases()
	if err != nil {
		app.logger.WithError(err).Error("Failed to list releases")
		http.Error(w, "Failed to list releases", http.StatusInternalServerError)
		return
	}
	app.writeJSON(w, http.StatusOK, releases)
}

// HandleListTransformations lists a release's stored transformations
func (app *App) HandleListTransformations(w http.ResponseWriter, r *http.Request) {
	releaseID := r.PathValue("releaseID")
	if err := validateReleaseID(releaseID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	transformations, err := app.store.GetTransformations(releaseID)
	if err != nil {
		app.logger.WithError(err).WithField("release_id", releaseID).Error("Failed to list transformations")
		http.Error(w, "Failed to list transformations", http.StatusInternalServerError)
		return
	}
	app.writeJSON(w, http.StatusOK, transformations)
}

// HandleAddTransformation stores a new transformation for a release
func (app *App) HandleAddTransformation(w http.ResponseWriter, r *http.Request) {
	releaseID := r.PathValue("releaseID")
	if err := validateReleaseID(releaseID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, SmallJSONBodyBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
		return
	}

	var req TransformationRequest
	if err := json.Unmarshal(data, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	var extra struct {
		ParameterValue *float64 `json:"parameter_value"`
	}
	if err := json.Unmarshal(data, &extra); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if !IsKnownTransformation(req.TransformationType) {
		http.Error(w, "Unknown transformation kind", http.StatusBadRequest)
		return
	}

	if extra.ParameterValue != nil {
		if err := validateParameterValue(req.TransformationType, *extra.ParameterValue); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	t, err := app.store.AddTransformation(releaseID, req.TransformationType, extra.ParameterValue, req.IsEnabled())
	if err != nil {
		app.logger.WithError(err).WithField("release_id", releaseID).Error("Failed to add transformation")
		http.Error(w, "Failed to add transformation", http.StatusInternalServerError)
		return
	}

	app.logger.WithFields(logrus.Fields{
		"release_id": releaseID,
		"kind":       t.TransformationType,
		"id":         t.ID,
	}).Info("Transformation added")

	app.writeJSON(w, http.StatusCreated, t)
}

// HandleSetEnabled toggles a stored transformation
func (app *App) HandleSetEnabled(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid transformation ID", http.StatusBadRequest)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, SmallJSONBodyBytes)
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Enabled == nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := app.store.SetTransformationEnabled(id, *body.Enabled); err != nil {
		app.storeError(w, err, "Failed to update transformation")
		return
	}

	t, err := app.store.GetTransformation(id)
	if err != nil {
		app.storeError(w, err, "Failed to load transformation")
		return
	}
	app.writeJSON(w, http.StatusOK, t)
}

// HandleDeleteTransformation removes a stored transformation
func (app *App) HandleDeleteTransformation(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid transformation ID", http.StatusBadRequest)
		return
	}

	if err := app.store.DeleteTransformation(id); err != nil {
		app.storeError(w, err, "Failed to delete transformation")
		return
	}

	app.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "Transformation deleted",
	})
}

// HandleReleaseEstimate estimates image counts from a release's stored list
func (app *App) HandleReleaseEstimate(w http.ResponseWriter, r *http.Request) {
	releaseID := r.PathValue("releaseID")
	if err := validateReleaseID(releaseID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	estimate, err := app.store.EstimateRelease(releaseID)
	if err != nil {
		app.logger.WithError(err).WithField("release_id", releaseID).Error("Failed to estimate release")
		http.Error(w, "Failed to estimate release", http.StatusInternalServerError)
		return
	}
	app.writeJSON(w, http.StatusOK, estimate)
}

// HandlePreview renders one transformation on an uploaded sample image.
// Query: kind, value, variant=auto, width, height.
func (app *App) HandlePreview(w http.ResponseWriter, r *http.Request) {
	limit := app.config.MaxUploadMB << 20
	if r.ContentLength > limit {
		app.uploadTooLarge(w)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(limit); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			app.uploadTooLarge(w)
			return
		}
		http.Error(w, "Failed to parse upload", http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("image")
	if err != nil {
		http.Error(w, "No image uploaded", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "Failed to read image", http.StatusInternalServerError)
		return
	}

	q := r.URL.Query()
	req := PreviewRequest{
		Kind: q.Get("kind"),
		Auto: q.Get("variant") == "auto",
	}
	if v := q.Get("value"); v != "" {
		if req.Value, err = strconv.ParseFloat(v, 64); err != nil {
			http.Error(w, "Invalid value", http.StatusBadRequest)
			return
		}
	}
	req.Width, _ = strconv.Atoi(q.Get("width"))
	req.Height, _ = strconv.Atoi(q.Get("height"))

	src, err := app.renderer.Decode(header.Filename, data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := app.renderer.Render(src, req)
	if errors.Is(err, ErrUnsupportedKind) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		app.logger.WithError(err).Error("Failed to render preview")
		http.Error(w, "Failed to render preview", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("X-Applied-Value", strconv.FormatFloat(result.AppliedValue, 'f', -1, 64))
	if err := app.renderer.Encode(w, result.Image); err != nil {
		app.logger.WithError(err).Warn("Failed to encode preview")
	}
}

func (app *App) uploadTooLarge(w http.ResponseWriter) {
	http.Error(w, fmt.Sprintf("Image too large (max %dMB)", app.config.MaxUploadMB), http.StatusRequestEntityTooLarge)
}

// storeError maps store errors to status codes
func (app *App) storeError(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, ErrTransformationNotFound) {
		http.Error(w, "Transformation not found", http.StatusNotFound)
		return
	}
	app.logger.WithError(err).Error(msg)
	http.Error(w, msg, http.StatusInternalServerError)
}

// securityHeadersMiddleware adds security headers to all responses
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Content-Security-Policy", "default-src 'none'")

		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for logging
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs HTTP requests
func loggingMiddleware(logger *logrus.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start),
		}).Info("request")
	})
}

// SetupRoutes configures all HTTP routes
func (app *App) SetupRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", app.HandleHealth)

	// Parameter table (read only)
	mux.HandleFunc("GET /api/transformations/parameters", app.HandleGetParameterTable)
	mux.HandleFunc("GET /api/transformations/parameters/{kind}", app.HandleGetParameters)
	mux.HandleFunc("GET /api/transformations/dual-value/{kind}", app.HandleGetDualValue)
	mux.HandleFunc("POST /api/transformations/auto-value", app.HandleAutoValue)
	mux.HandleFunc("POST /api/transformations/estimate", app.HandleEstimate)

	// Stored release transformations
	mux.HandleFunc("GET /api/releases", app.HandleListReleases)
	mux.HandleFunc("GET /api/releases/{releaseID}/transformations", app.HandleListTransformations)
	mux.HandleFunc("GET /api/releases/{releaseID}/estimate", app.HandleReleaseEstimate)
	mux.HandleFunc("POST /api/releases/{releaseID}/transformations", app.guard.Require(app.HandleAddTransformation))
	mux.HandleFunc("PUT /api/transformations/{id}/enabled", app.guard.Require(app.HandleSetEnabled))
	mux.HandleFunc("DELETE /api/transformations/{id}", app.guard.Require(app.HandleDeleteTransformation))

	mux.HandleFunc("POST /api/preview", app.guard.Require(app.HandlePreview))

	handler := securityHeadersMiddleware(mux)
	handler = loggingMiddleware(app.logger, handler)

	return handler
}

// decodeTransformationList accepts a bare array or an object wrapping it
func decodeTransformationList(data []byte) ([]TransformationRequest, error) {
	var list []TransformationRequest
	if err := json.Unmarshal(data, &list); err == nil {
		return list, nil
	}

	var wrapped struct {
		Transformations []TransformationRequest `json:"transformations"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Transformations, nil
}

// validateParameterValue rejects stored values outside the kind's range.
// Dual-value kinds are checked against their signed delta range.
func validateParameterValue(kind string, value float64) error {
	if dual, ok := DualValueRangeFor(kind); ok {
		if value < dual.Min || value > dual.Max {
			return fmt.Errorf("%s value %v outside [%v, %v]", kind, value, dual.Min, dual.Max)
		}
		return nil
	}
	if r, ok := Parameters(kind); ok {
		if !r.Contains(value) {
			return fmt.Errorf("%s value %v outside [%v, %v]", kind, value, r.Min, r.Max)
		}
		return nil
	}
	return fmt.Errorf("%s does not take a parameter value", kind)
}
