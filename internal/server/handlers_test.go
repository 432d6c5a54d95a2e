package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/timecard-processor/constants"
	"github.com/joseph-ayodele/timecard-processor/internal/common"
	"github.com/joseph-ayodele/timecard-processor/internal/queue"
	"github.com/joseph-ayodele/timecard-processor/internal/repository"
)

type stubStopper struct {
	stopped []uuid.UUID
}

func (s *stubStopper) StopJob(id uuid.UUID) bool {
	s.stopped = append(s.stopped, id)
	return true
}

type testServer struct {
	*Server
	queue   *queue.Queue
	store   repository.JobStore
	stopper *stubStopper
	handler http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := repository.OpenSQLite(":memory:", logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	q := queue.New(store, logger)
	stopper := &stubStopper{}
	cfg := &common.Config{
		Server: common.ServerConfig{
			Addr:      "127.0.0.1:0",
			UploadDir: t.TempDir(),
			SampleDir: t.TempDir(),
		},
		Worker: common.WorkerConfig{CleanupDays: 30},
		LLM:    common.LLMConfig{ModelID: "anthropic.claude-3-5-sonnet-20240620-v1:0", Region: "us-east-1"},
	}
	srv := New(q, store, stopper, cfg, logger)
	return &testServer{Server: srv, queue: q, store: store, stopper: stopper, handler: srv.routes()}
}

func (ts *testServer) do(t *testing.T, method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	ts.handler.ServeHTTP(w, req)
	return w
}

func (ts *testServer) doJSON(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(b)
	}
	return ts.do(t, method, path, r, "application/json")
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m), "body: %s", w.Body.String())
	return m
}

func (ts *testServer) enqueue(t *testing.T, name string) *repository.Job {
	t.Helper()
	job, err := ts.queue.Enqueue(context.Background(), repository.NewJob{
		Type:     constants.JobTypeTimecard,
		FileName: name,
		Priority: constants.PriorityNormal,
	})
	require.NoError(t, err)
	return job
}

func TestHandleHealth(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodGet, "/", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "timecard-processor", body["service"])
	assert.Contains(t, body, "queue_stats")
}

func multipartUpload(t *testing.T, field, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestHandleUpload(t *testing.T) {
	ts := newTestServer(t)
	body, contentType := multipartUpload(t, "file", "january.xlsx", []byte("workbook bytes"))

	w := ts.do(t, http.MethodPost, "/api/upload", body, contentType)
	require.Equal(t, http.StatusOK, w.Code)

	resp := decodeBody(t, w)
	assert.Equal(t, "success", resp["status"])
	assert.Equal(t, "january.xlsx", resp["file_name"])

	id, err := uuid.Parse(resp["job_id"].(string))
	require.NoError(t, err)
	job, err := ts.queue.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusPending, job.Status)
	assert.Equal(t, "january.xlsx", job.FileName)
	require.NotNil(t, job.Metadata)
	assert.Equal(t, "january.xlsx", job.Metadata.OriginalFilename)

	// The upload landed inside the configured directory.
	saved, err := os.ReadFile(job.Metadata.FilePath)
	require.NoError(t, err)
	assert.Equal(t, []byte("workbook bytes"), saved)
	assert.Equal(t, ts.cfg.Server.UploadDir, filepath.Dir(job.Metadata.FilePath))
}

func TestHandleUploadRejectsBadRequests(t *testing.T) {
	ts := newTestServer(t)

	t.Run("wrong extension", func(t *testing.T) {
		body, contentType := multipartUpload(t, "file", "notes.txt", []byte("x"))
		w := ts.do(t, http.MethodPost, "/api/upload", body, contentType)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("missing file field", func(t *testing.T) {
		body, contentType := multipartUpload(t, "other", "a.xlsx", []byte("x"))
		w := ts.do(t, http.MethodPost, "/api/upload", body, contentType)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("path components stripped", func(t *testing.T) {
		body, contentType := multipartUpload(t, "file", "../../etc/passwd.xlsx", []byte("x"))
		w := ts.do(t, http.MethodPost, "/api/upload", body, contentType)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "passwd.xlsx", decodeBody(t, w)["file_name"])
	})
}

func TestHandleListJobs(t *testing.T) {
	ts := newTestServer(t)
	ts.enqueue(t, "a.xlsx")
	ts.enqueue(t, "b.xlsx")

	w := ts.do(t, http.MethodGet, "/api/jobs", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decodeBody(t, w)["count"])

	w = ts.do(t, http.MethodGet, "/api/jobs?status=pending", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), decodeBody(t, w)["count"])

	w = ts.do(t, http.MethodGet, "/api/jobs?status=bogus", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodGet, "/api/jobs?limit=abc", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleGetJob(t *testing.T) {
	ts := newTestServer(t)
	job := ts.enqueue(t, "a.xlsx")

	w := ts.do(t, http.MethodGet, "/api/jobs/"+job.ID.String()+"/", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, job.ID.String(), decodeBody(t, w)["id"])

	w = ts.do(t, http.MethodGet, "/api/jobs/"+uuid.NewString()+"/", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodGet, "/api/jobs/not-a-uuid/", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleCancelJob(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	job := ts.enqueue(t, "a.xlsx")

	w := ts.doJSON(t, http.MethodPost, "/api/jobs/"+job.ID.String()+"/cancel", nil)
	require.Equal(t, http.StatusOK, w.Code)

	got, err := ts.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusCancelled, got.Status)

	// A second cancel finds the job no longer pending.
	w = ts.doJSON(t, http.MethodPost, "/api/jobs/"+job.ID.String()+"/cancel", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleStopJob(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	pending := ts.enqueue(t, "pending.xlsx")
	w := ts.doJSON(t, http.MethodPost, "/api/jobs/"+pending.ID.String()+"/stop", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code, "only processing jobs can be stopped")

	running := ts.enqueue(t, "running.xlsx")
	for i := 0; i < 2; i++ {
		claimed, err := ts.queue.ClaimNext(ctx)
		require.NoError(t, err)
		require.NotNil(t, claimed)
	}

	w = ts.doJSON(t, http.MethodPost, "/api/jobs/"+running.ID.String()+"/stop", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []uuid.UUID{running.ID}, ts.stopper.stopped)

	got, err := ts.queue.Get(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusCancelled, got.Status)
}

func TestHandleDeleteAndBulkDelete(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	active := ts.enqueue(t, "active.xlsx")
	w := ts.do(t, http.MethodDelete, "/api/jobs/"+active.ID.String()+"/", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code, "active jobs cannot be deleted")

	done := ts.enqueue(t, "done.xlsx")
	_, err := ts.queue.Cancel(ctx, done.ID)
	require.NoError(t, err)

	w = ts.doJSON(t, http.MethodPost, "/api/jobs/bulk-delete", map[string]any{
		"job_ids": []string{done.ID.String(), active.ID.String(), "garbage"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody(t, w)
	assert.Equal(t, float64(1), resp["deleted_count"])
	assert.Equal(t, float64(3), resp["total_requested"])
	assert.Len(t, resp["errors"], 2)

	w = ts.doJSON(t, http.MethodPost, "/api/jobs/bulk-delete", map[string]any{"job_ids": []string{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleDeleteFinished(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	done := ts.enqueue(t, "done.xlsx")
	_, err := ts.queue.Cancel(ctx, done.ID)
	require.NoError(t, err)
	pending := ts.enqueue(t, "pending.xlsx")

	w := ts.doJSON(t, http.MethodPost, "/api/jobs/delete-finished", map[string]any{
		"statuses": []string{"bogus"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.doJSON(t, http.MethodPost, "/api/jobs/delete-finished", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decodeBody(t, w)["deleted_count"])

	_, err = ts.queue.Get(ctx, done.ID)
	assert.ErrorIs(t, err, common.ErrNotFound)
	_, err = ts.queue.Get(ctx, pending.ID)
	assert.NoError(t, err, "non-terminal jobs survive")
}

func TestHandleQueueStats(t *testing.T) {
	ts := newTestServer(t)
	ts.enqueue(t, "a.xlsx")

	w := ts.do(t, http.MethodGet, "/api/queue/stats", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	stats := decodeBody(t, w)
	assert.Equal(t, float64(1), stats["pending"])
	assert.Equal(t, float64(1), stats["total"])
}

func TestHandleCleanup(t *testing.T) {
	ts := newTestServer(t)
	w := ts.doJSON(t, http.MethodPost, "/api/queue/cleanup", map[string]int{"days": 7})
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody(t, w)
	assert.Equal(t, "success", resp["status"])
	assert.Contains(t, resp["message"], "7 days")
}

func TestReviewQueueEndpoints(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	job := ts.enqueue(t, "flagged.xlsx")
	_, err := ts.queue.ClaimNext(ctx)
	require.NoError(t, err)
	_, err = ts.queue.Complete(ctx, job.ID, json.RawMessage(`{
		"extracted_data": {"employee_name": "John Doe", "total_wage": 640, "average_daily_rate": 213.33, "total_days": 3, "unique_days": 2},
		"validation": {"requires_human_review": true, "validation_result": "INVALID", "validation_issues": ["Sum calculation error"]}
	}`))
	require.NoError(t, err)

	w := ts.do(t, http.MethodGet, "/api/review-queue", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody(t, w)
	require.Equal(t, float64(1), resp["count"])
	item := resp["review_queue"].([]any)[0].(map[string]any)
	assert.Equal(t, job.ID.String(), item["job_id"])
	assert.Equal(t, "John Doe", item["employee_name"])
	assert.Equal(t, "INVALID", item["validation_result"])

	w = ts.doJSON(t, http.MethodPost, "/api/jobs/"+job.ID.String()+"/complete-review", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/api/review-queue", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decodeBody(t, w)["count"])
}

func TestSettingsEndpoints(t *testing.T) {
	ts := newTestServer(t)

	w := ts.doJSON(t, http.MethodPost, "/api/settings", map[string]any{
		"max_concurrent_jobs": 5,
		"bedrock_model_id":    "anthropic.claude-3-5-haiku-20241022-v1:0",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/api/settings", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	all := decodeBody(t, w)
	assert.Equal(t, float64(5), all["max_concurrent_jobs"])

	w = ts.doJSON(t, http.MethodPut, "/api/settings/max_concurrent_jobs", map[string]any{"value": 2})
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/api/settings/max_concurrent_jobs", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	got := decodeBody(t, w)
	assert.Equal(t, "max_concurrent_jobs", got["key"])
	assert.Equal(t, float64(2), got["value"])

	w = ts.doJSON(t, http.MethodPost, "/api/settings", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSampleEndpoints(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, os.WriteFile(filepath.Join(ts.cfg.Server.SampleDir, "demo.xlsx"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(ts.cfg.Server.SampleDir, "~$demo.xlsx"), []byte("x"), 0o644))

	w := ts.do(t, http.MethodGet, "/api/samples", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var samples []string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &samples))
	assert.Equal(t, []string{"demo.xlsx"}, samples)

	w = ts.do(t, http.MethodGet, "/api/process-sample/demo.xlsx", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeBody(t, w)
	id, err := uuid.Parse(resp["job_id"].(string))
	require.NoError(t, err)

	job, err := ts.queue.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, constants.PriorityHigh, job.Priority)
	require.NotNil(t, job.Metadata)
	assert.True(t, job.Metadata.IsSample)

	w = ts.do(t, http.MethodGet, "/api/process-sample/missing.xlsx", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
