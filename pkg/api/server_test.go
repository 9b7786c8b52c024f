package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scholarlab/paperflow/pkg/models"
	"github.com/scholarlab/paperflow/pkg/pipeline"
	"github.com/scholarlab/paperflow/pkg/store"
)

// fakeService scripts the pipeline surface.
type fakeService struct {
	submitID  string
	submitErr error
	status    *models.PipelineStatus
	statusErr error
	cancelErr error
	summaries []*models.RequestSummary

	lastStages   []models.StageKind
	lastDeadline *time.Time
}

func (f *fakeService) Submit(_ context.Context, userID, paperID string, stages []models.StageKind, deadline *time.Time) (string, error) {
	f.lastStages = stages
	f.lastDeadline = deadline
	return f.submitID, f.submitErr
}

func (f *fakeService) Status(context.Context, string) (*models.PipelineStatus, error) {
	return f.status, f.statusErr
}

func (f *fakeService) Cancel(context.Context, string) error { return f.cancelErr }

func (f *fakeService) ListRequests(context.Context, string, int) ([]*models.RequestSummary, error) {
	return f.summaries, nil
}

func healthyStub(context.Context) (*store.HealthStatus, error) {
	return &store.HealthStatus{Status: "healthy"}, nil
}

func newTestRouter(svc *fakeService) http.Handler {
	srv := NewServer(svc, healthyStub, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return srv.Router()
}

func doJSON(t *testing.T, router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestSubmit_Accepted(t *testing.T) {
	svc := &fakeService{submitID: "req-1"}
	rec := doJSON(t, newTestRouter(svc), http.MethodPost, "/api/v1/pipelines", map[string]any{
		"user_id":  "u1",
		"paper_id": "p1",
		"stages":   []string{"summarizer", "quality_checker"},
	})

	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp submitResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "req-1", resp.RequestID)
	assert.Equal(t, []models.StageKind{models.StageSummarizer, models.StageQualityChecker}, svc.lastStages)
	assert.Nil(t, svc.lastDeadline)
}

func TestSubmit_DeadlineForwarded(t *testing.T) {
	svc := &fakeService{submitID: "req-1"}
	rec := doJSON(t, newTestRouter(svc), http.MethodPost, "/api/v1/pipelines", map[string]any{
		"user_id":     "u1",
		"paper_id":    "p1",
		"stages":      []string{"summarizer"},
		"deadline_ms": 30000,
	})

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NotNil(t, svc.lastDeadline)
	assert.WithinDuration(t, time.Now().Add(30*time.Second), *svc.lastDeadline, 2*time.Second)
}

func TestSubmit_BodyValidation(t *testing.T) {
	svc := &fakeService{submitID: "req-1"}
	router := newTestRouter(svc)

	for _, body := range []map[string]any{
		{"paper_id": "p1", "stages": []string{"summarizer"}},
		{"user_id": "u1", "stages": []string{"summarizer"}},
		{"user_id": "u1", "paper_id": "p1"},
		{"user_id": "u1", "paper_id": "p1", "stages": []string{}},
	} {
		rec := doJSON(t, router, http.MethodPost, "/api/v1/pipelines", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %v", body)
	}
}

func TestSubmit_ServiceErrorsMapped(t *testing.T) {
	svc := &fakeService{
		submitErr: models.NewStageError(models.ErrKindInvalidInput, "unknown stage kind"),
	}
	rec := doJSON(t, newTestRouter(svc), http.MethodPost, "/api/v1/pipelines", map[string]any{
		"user_id":  "u1",
		"paper_id": "p1",
		"stages":   []string{"no_such_stage"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	svc.submitErr = fmt.Errorf("database down")
	rec = doJSON(t, newTestRouter(svc), http.MethodPost, "/api/v1/pipelines", map[string]any{
		"user_id":  "u1",
		"paper_id": "p1",
		"stages":   []string{"summarizer"},
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestStatus_OKAndNotFound(t *testing.T) {
	svc := &fakeService{status: &models.PipelineStatus{
		RequestID: "req-1",
		Running:   true,
		Stages: []models.StageState{
			{Kind: models.StageSummarizer, Status: models.TaskStatusRunning},
		},
	}}
	rec := doJSON(t, newTestRouter(svc), http.MethodGet, "/api/v1/pipelines/req-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status models.PipelineStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Running)

	svc.statusErr = fmt.Errorf("%w: req-2", pipeline.ErrRequestNotFound)
	rec = doJSON(t, newTestRouter(svc), http.MethodGet, "/api/v1/pipelines/req-2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancel(t *testing.T) {
	svc := &fakeService{}
	rec := doJSON(t, newTestRouter(svc), http.MethodPost, "/api/v1/pipelines/req-1/cancel", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	svc.cancelErr = fmt.Errorf("%w: req-1", pipeline.ErrRequestNotFound)
	rec = doJSON(t, newTestRouter(svc), http.MethodPost, "/api/v1/pipelines/req-1/cancel", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestList(t *testing.T) {
	svc := &fakeService{summaries: []*models.RequestSummary{
		{RequestID: "req-1", Progress: 1},
	}}
	router := newTestRouter(svc)

	rec := doJSON(t, router, http.MethodGet, "/api/v1/pipelines?user=u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "req-1")

	rec = doJSON(t, router, http.MethodGet, "/api/v1/pipelines", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, router, http.MethodGet, "/api/v1/pipelines?user=u1&limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	rec := doJSON(t, newTestRouter(&fakeService{}), http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestMetricsExposed(t *testing.T) {
	rec := doJSON(t, newTestRouter(&fakeService{}), http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
