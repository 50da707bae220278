package main

import (
	"bytes"
	"encoding/json"
	"image/jpeg"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testAPIKey = "test-key"

func newTestApp(t *testing.T) http.Handler {
	t.Helper()
	return newTestAppWithConfig(t, func(*Config) {})
}

func newTestAppWithConfig(t *testing.T, mutate func(*Config)) http.Handler {
	t.Helper()

	cfg := DefaultConfig()
	cfg.StoragePath = t.TempDir()
	cfg.PreviewMaxEdge = 64
	hash, err := bcrypt.GenerateFromPassword([]byte(testAPIKey), bcrypt.MinCost)
	require.NoError(t, err)
	cfg.APIKeyHash = string(hash)
	mutate(cfg)

	store, err := NewTransformationStore(filepath.Join(cfg.StoragePath, "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	app, err := createApp(cfg, store, quietLogger())
	require.NoError(t, err)
	return app.SetupRoutes()
}

func doRequest(t *testing.T, h http.Handler, method, path, body string, authorized bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if authorized {
		req.Header.Set("Authorization", "Bearer "+testAPIKey)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func TestHealthAndSecurityHeaders(t *testing.T) {
	h := newTestApp(t)
	rec := doRequest(t, h, http.MethodGet, "/api/health", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestParameterEndpoints(t *testing.T) {
	h := newTestApp(t)

	rec := doRequest(t, h, http.MethodGet, "/api/transformations/parameters", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	var table ParameterTableSnapshot
	decodeBody(t, rec, &table)
	assert.Equal(t, GammaParameters(), table.Parameters[KindGamma])
	assert.Equal(t, DualValueTransformations(), table.DualKinds)

	rec = doRequest(t, h, http.MethodGet, "/api/transformations/parameters/blur", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"min":0.5,"max":20,"default":2,"step":0.1}`, rec.Body.String())

	rec = doRequest(t, h, http.MethodGet, "/api/transformations/parameters/resize", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"width":{"min":64,"max":4096,"default":640},"height":{"min":64,"max":4096,"default":640}}`, rec.Body.String())

	rec = doRequest(t, h, http.MethodGet, "/api/transformations/parameters/sepia", "", false)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDualValueEndpoint(t *testing.T) {
	h := newTestApp(t)

	rec := doRequest(t, h, http.MethodGet, "/api/transformations/dual-value/brightness", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"transformation_type":"brightness","is_dual_value":true,"range":{"min":-0.5,"max":0.5,"step":0.01,"default":0}}`, rec.Body.String())

	rec = doRequest(t, h, http.MethodGet, "/api/transformations/dual-value/blur", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"transformation_type":"blur","is_dual_value":false}`, rec.Body.String())
}

func TestAutoValueEndpoint(t *testing.T) {
	h := newTestApp(t)

	rec := doRequest(t, h, http.MethodPost, "/api/transformations/auto-value", `{"transformation_type":"rotate","value":45}`, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"transformation_type":"rotate","is_dual_value":true,"user_value":45,"auto_value":-45}`, rec.Body.String())

	rec = doRequest(t, h, http.MethodPost, "/api/transformations/auto-value", `{"tool_type":"blur","value":3}`, false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"transformation_type":"blur","is_dual_value":false,"user_value":3,"auto_value":3}`, rec.Body.String())

	rec = doRequest(t, h, http.MethodPost, "/api/transformations/auto-value", `{"transformation_type":"rotate"}`, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEstimateEndpoint(t *testing.T) {
	h := newTestApp(t)

	tests := []struct {
		name     string
		body     string
		expected string
	}{
		{"Empty array", `[]`, `{"min":1,"max":1,"has_dual_value":false}`},
		{"Wrapped empty", `{"transformations":[]}`, `{"min":1,"max":1,"has_dual_value":false}`},
		{"Single rotate", `[{"transformation_type":"rotate","enabled":true}]`,
			`{"min":2,"max":4,"has_dual_value":true,"dual_value_count":1,"regular_count":0}`},
		{"Blur and flip", `{"transformations":[{"transformation_type":"blur","enabled":true},{"tool_type":"flip","enabled":true}]}`,
			`{"min":4,"max":4,"has_dual_value":false,"dual_value_count":0,"regular_count":2}`},
		{"Explicit null disables", `[{"transformation_type":"rotate","enabled":null}]`,
			`{"min":1,"max":1,"has_dual_value":false,"dual_value_count":0,"regular_count":0}`},
		{"Disabled ignored", `[{"transformation_type":"rotate","enabled":false},{"transformation_type":"gamma"}]`,
			`{"min":2,"max":2,"has_dual_value":false,"dual_value_count":0,"regular_count":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doRequest(t, h, http.MethodPost, "/api/transformations/estimate", tt.body, false)
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			assert.JSONEq(t, tt.expected, rec.Body.String())
		})
	}

	rec := doRequest(t, h, http.MethodPost, "/api/transformations/estimate", `{"transformations":`, false)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReleaseTransformationFlow(t *testing.T) {
	h := newTestApp(t)

	// writes require the api key
	rec := doRequest(t, h, http.MethodPost, "/api/releases/r1/transformations", `{"transformation_type":"rotate","parameter_value":30}`, false)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, h, http.MethodPost, "/api/releases/r1/transformations", `{"transformation_type":"rotate","parameter_value":30}`, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var rotate StoredTransformation
	decodeBody(t, rec, &rotate)
	require.NotNil(t, rotate.AutoValue)
	assert.Equal(t, -30.0, *rotate.AutoValue)

	rec = doRequest(t, h, http.MethodPost, "/api/releases/r1/transformations", `{"tool_type":"blur","parameter_value":2}`, true)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var blur StoredTransformation
	decodeBody(t, rec, &blur)
	assert.Equal(t, KindBlur, blur.TransformationType)

	// out of range and unknown kinds are rejected
	rec = doRequest(t, h, http.MethodPost, "/api/releases/r1/transformations", `{"transformation_type":"brightness","parameter_value":1.2}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doRequest(t, h, http.MethodPost, "/api/releases/r1/transformations", `{"transformation_type":"sepia"}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = doRequest(t, h, http.MethodPost, "/api/releases/bad%20id/transformations", `{"transformation_type":"flip"}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/api/releases/r1/estimate", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"min":2,"max":5,"has_dual_value":true,"dual_value_count":1,"regular_count":1}`, rec.Body.String())

	rec = doRequest(t, h, http.MethodPut, "/api/transformations/"+itoa(rotate.ID)+"/enabled", `{"enabled":false}`, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = doRequest(t, h, http.MethodGet, "/api/releases/r1/estimate", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"min":2,"max":2,"has_dual_value":false,"dual_value_count":0,"regular_count":1}`, rec.Body.String())

	rec = doRequest(t, h, http.MethodGet, "/api/releases/r1/transformations", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []StoredTransformation
	decodeBody(t, rec, &list)
	require.Len(t, list, 2)
	assert.False(t, list[0].Enabled)

	rec = doRequest(t, h, http.MethodGet, "/api/releases", "", false)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"release_id":"r1","total":2,"enabled":1}]`, rec.Body.String())

	rec = doRequest(t, h, http.MethodDelete, "/api/transformations/"+itoa(blur.ID), "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doRequest(t, h, http.MethodDelete, "/api/transformations/"+itoa(blur.ID), "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = doRequest(t, h, http.MethodPut, "/api/transformations/abc/enabled", `{"enabled":true}`, true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPreviewEndpoint(t *testing.T) {
	h := newTestApp(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", "sample.png")
	require.NoError(t, err)
	_, err = part.Write(encodePNG(t, testImage(120, 80)))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/preview?kind=rotate&value=30&variant=auto", bytes.NewReader(body.Bytes()))
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.Equal(t, "-30", rec.Header().Get("X-Applied-Value"))
	_, err = jpeg.Decode(rec.Body)
	assert.NoError(t, err)

	req = httptest.NewRequest(http.MethodPost, "/api/preview?kind=sepia", bytes.NewReader(body.Bytes()))
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func multipartImage(t *testing.T, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", filename)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func TestPreviewEndpointUploadLimit(t *testing.T) {
	h := newTestAppWithConfig(t, func(c *Config) { c.MaxUploadMB = 1 })

	// content length known up front
	big := bytes.Repeat([]byte{0x89, 0x50, 0x4E, 0x47}, (1<<20)/4+1024)
	body, contentType := multipartImage(t, "big.png", big)
	req := httptest.NewRequest(http.MethodPost, "/api/preview?kind=blur", bytes.NewReader(body.Bytes()))
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	// streamed body without a declared length
	body, contentType = multipartImage(t, "big.png", big)
	req = httptest.NewRequest(http.MethodPost, "/api/preview?kind=blur", io.NopCloser(body))
	req.ContentLength = -1
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	// small uploads still pass
	body, contentType = multipartImage(t, "sample.png", encodePNG(t, testImage(40, 40)))
	req = httptest.NewRequest(http.MethodPost, "/api/preview?kind=blur&value=2", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
