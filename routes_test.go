package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dataset-catalog/config"
	"dataset-catalog/models"
	"dataset-catalog/services"
	"dataset-catalog/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("x: %w", services.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("x: %w", services.ErrConflict), http.StatusConflict},
		{fmt.Errorf("x: %w", services.ErrForbidden), http.StatusForbidden},
		{fmt.Errorf("x: %w", services.ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("x: %w", services.ErrStorage), http.StatusInternalServerError},
		{errors.New("other"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestIdentityMiddleware(t *testing.T) {
	router := gin.New()
	router.Use(identityMiddleware())
	var got services.Identity
	router.GET("/", func(c *gin.Context) {
		got = identity(c)
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-Email", " jo@example.org ")
	req.Header.Set("X-User-Admin", "true")
	router.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, services.Identity{Email: "jo@example.org", Admin: true}, got)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-User-Admin", "yes please")
	router.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, services.Identity{}, got)
}

func TestAPIKeyAuthMiddleware(t *testing.T) {
	router := gin.New()
	router.Use(apiKeyAuthMiddleware(&config.Config{APISecretKey: "s3cret"}))
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-API-KEY", "s3cret")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestParseSubmitter(t *testing.T) {
	s, err := parseSubmitter(`{"name": "Jo", "email": "jo@example.org"}`, services.Identity{})
	require.NoError(t, err)
	assert.Equal(t, models.Submitter{Name: "Jo", Email: "jo@example.org"}, s)

	s, err = parseSubmitter("", services.Identity{Email: "me@example.org"})
	require.NoError(t, err)
	assert.Equal(t, "me@example.org", s.Email)

	_, err = parseSubmitter("{broken", services.Identity{})
	assert.ErrorIs(t, err, services.ErrValidation)
}

type fakeSyncer struct {
	err   error
	calls int
}

func (f *fakeSyncer) Sync(ctx context.Context) error {
	f.calls++
	return f.err
}

func TestGitSyncRoute(t *testing.T) {
	syncer := &fakeSyncer{}
	router := gin.New()
	setupGitRoutes(router.Group("/api"), syncer, zap.NewNop())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/git_sync", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	syncer.err = errors.New("offline")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/git_sync", nil))
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, 2, syncer.calls)
}

type memoryTools struct {
	rows []models.CollectionTool
}

func (m *memoryTools) List(ctx context.Context) ([]models.CollectionTool, error) {
	return m.rows, nil
}

func (m *memoryTools) FindByName(ctx context.Context, name string) (*models.CollectionTool, error) {
	for i := range m.rows {
		if m.rows[i].Name == name {
			t := m.rows[i]
			return &t, nil
		}
	}
	return nil, storage.ErrRecordNotFound
}

func (m *memoryTools) Create(ctx context.Context, t *models.CollectionTool) error {
	t.ID = uint(len(m.rows) + 1)
	m.rows = append(m.rows, *t)
	return nil
}

func (m *memoryTools) Save(ctx context.Context, t *models.CollectionTool) error {
	for i := range m.rows {
		if m.rows[i].ID == t.ID {
			m.rows[i] = *t
		}
	}
	return nil
}

func (m *memoryTools) Delete(ctx context.Context, t *models.CollectionTool) error {
	for i := range m.rows {
		if m.rows[i].ID == t.ID {
			m.rows = append(m.rows[:i], m.rows[i+1:]...)
			return nil
		}
	}
	return storage.ErrRecordNotFound
}

func postForm(router http.Handler, path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestCollectionToolRoutes(t *testing.T) {
	router := gin.New()
	svc := services.NewCollectionToolService(&memoryTools{}, zap.NewNop())
	setupCollectionToolRoutes(router.Group("/api"), svc, zap.NewNop())

	w := postForm(router, "/api/collectionTools", url.Values{"name": {"flowmon"}, "url": {"https://flowmon.example"}})
	assert.Equal(t, http.StatusCreated, w.Code)

	w = postForm(router, "/api/collectionTools", url.Values{"name": {"flowmon"}})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = postForm(router, "/api/collectionTools/flowmon", url.Values{"known_issues": {"drops packets"}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"known_issues":"drops packets"`)
	assert.Contains(t, w.Body.String(), `"url":"https://flowmon.example"`)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/collectionTools/unknown", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/collectionTools/flowmon", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/collectionTools", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())
}
