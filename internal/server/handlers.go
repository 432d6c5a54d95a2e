package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/timecard-processor/constants"
	"github.com/joseph-ayodele/timecard-processor/internal/common"
	"github.com/joseph-ayodele/timecard-processor/internal/repository"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		s.respond(w, http.StatusInternalServerError, map[string]any{
			"status":  "error",
			"service": "timecard-processor",
			"error":   err.Error(),
		})
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"status":      "healthy",
		"service":     "timecard-processor",
		"queue_stats": stats,
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, constants.MaxUploadBytes)
	if err := r.ParseMultipartForm(constants.MaxUploadBytes); err != nil {
		s.respondError(w, common.WrapError(common.ErrInvalidInput, "invalid multipart body"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.respondError(w, common.WrapError(common.ErrInvalidInput, "no file provided"))
		return
	}
	defer file.Close()

	filename := sanitizeFilename(header.Filename)
	if filename == "" {
		s.respondError(w, common.WrapError(common.ErrInvalidInput, "no file selected"))
		return
	}
	if !constants.AllowedUploadExt(filename) {
		s.respondError(w, common.WrapError(common.ErrInvalidInput,
			"invalid file type, only spreadsheet files are allowed"))
		return
	}

	if err := os.MkdirAll(s.cfg.Server.UploadDir, 0o755); err != nil {
		s.respondError(w, common.NewAppError("UPLOAD_DIR", "create upload directory", err))
		return
	}
	unique := fmt.Sprintf("%d_%s", time.Now().Unix(), filename)
	path := filepath.Join(s.cfg.Server.UploadDir, unique)
	dst, err := os.Create(path)
	if err != nil {
		s.respondError(w, common.NewAppError("UPLOAD_SAVE", "create upload file", err))
		return
	}
	size, err := io.Copy(dst, file)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		s.respondError(w, common.NewAppError("UPLOAD_SAVE", "write upload file", err))
		return
	}
	s.log.Info("file uploaded", "file", filename, "bytes", size)

	job, err := s.queue.Enqueue(r.Context(), repository.NewJob{
		Type:     constants.JobTypeTimecard,
		FileName: filename,
		FileSize: size,
		Priority: constants.PriorityNormal,
		Metadata: &repository.JobMetadata{
			FilePath:         path,
			OriginalFilename: filename,
			ModelInfo:        s.modelInfo(r.Context()),
		},
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"status":    "success",
		"job_id":    job.ID,
		"message":   "File uploaded and job created",
		"file_name": filename,
		"file_size": size,
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.respondError(w, common.WrapError(common.ErrInvalidInput, "limit must be an integer"))
			return
		}
		limit = n
	}
	var statuses []constants.JobStatus
	for _, v := range r.URL.Query()["status"] {
		st := constants.JobStatus(v)
		if !st.Valid() {
			s.respondError(w, common.WrapError(common.ErrInvalidInput,
				fmt.Sprintf("unknown status %q", v)))
			return
		}
		statuses = append(statuses, st)
	}
	jobs, err := s.queue.List(r.Context(), limit, statuses)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*repository.Job{}
	}
	s.respond(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := s.jobID(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	job, err := s.queue.Get(r.Context(), id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := s.jobID(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	ok, err := s.queue.Cancel(r.Context(), id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if !ok {
		s.respondError(w, common.WrapError(common.ErrInvalidInput,
			"job cannot be cancelled; it has already started"))
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "success", "message": "Job cancelled"})
}

func (s *Server) handleStopJob(w http.ResponseWriter, r *http.Request) {
	id, err := s.jobID(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	job, err := s.queue.Get(r.Context(), id)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if job.Status != constants.JobStatusProcessing {
		s.respondError(w, common.WrapError(common.ErrInvalidInput,
			fmt.Sprintf("job is %s, cannot be stopped", job.Status)))
		return
	}
	if _, err := s.queue.Stop(r.Context(), id); err != nil {
		s.respondError(w, err)
		return
	}
	if s.stopper != nil {
		s.stopper.StopJob(id)
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "success", "message": "Job stopped"})
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id, err := s.jobID(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if err := s.queue.Delete(r.Context(), id); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"status": "success", "message": "Job deleted"})
}

func (s *Server) handleBulkDelete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		JobIDs []string `json:"job_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.JobIDs) == 0 {
		s.respondError(w, common.WrapError(common.ErrInvalidInput,
			"job_ids must be a non-empty array"))
		return
	}
	deleted := 0
	var errs []string
	for _, raw := range body.JobIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			errs = append(errs, fmt.Sprintf("invalid job id %q", raw))
			continue
		}
		if err := s.queue.Delete(r.Context(), id); err != nil {
			errs = append(errs, fmt.Sprintf("job %s: %v", id, err))
			continue
		}
		deleted++
	}
	resp := map[string]any{
		"status":          "success",
		"deleted_count":   deleted,
		"total_requested": len(body.JobIDs),
		"message":         fmt.Sprintf("Deleted %d of %d jobs", deleted, len(body.JobIDs)),
	}
	if len(errs) > 0 {
		resp["errors"] = errs
	}
	s.respond(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteFinished(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Statuses []string `json:"statuses"`
	}
	// Body is optional; no statuses means every terminal status.
	_ = json.NewDecoder(r.Body).Decode(&body)
	var statuses []constants.JobStatus
	for _, v := range body.Statuses {
		st := constants.JobStatus(v)
		if !st.Valid() {
			s.respondError(w, common.WrapError(common.ErrInvalidInput,
				fmt.Sprintf("unknown status %q", v)))
			return
		}
		statuses = append(statuses, st)
	}
	deleted, err := s.queue.DeleteFinished(r.Context(), statuses)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"status":        "success",
		"deleted_count": deleted,
		"message":       fmt.Sprintf("Deleted %d finished jobs", deleted),
	})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, stats)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	days := s.cfg.Worker.CleanupDays
	var body struct {
		Days *int `json:"days"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.Days != nil {
		days = *body.Days
	}
	count, err := s.queue.Cleanup(r.Context(), days)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"status":  "success",
		"message": fmt.Sprintf("Cleaned up %d jobs older than %d days", count, days),
		"count":   count,
	})
}

// reviewItem is the review-queue projection of a completed job.
type reviewItem struct {
	ID               string    `json:"id"`
	JobID            string    `json:"job_id"`
	FileName         string    `json:"file_name"`
	EmployeeName     string    `json:"employee_name"`
	ValidationResult string    `json:"validation_result"`
	ValidationIssues []string  `json:"validation_issues"`
	TotalWage        float64   `json:"total_wage"`
	AverageDailyRate float64   `json:"average_daily_rate"`
	TotalDays        int       `json:"total_days"`
	UniqueDays       int       `json:"unique_days"`
	CreatedAt        time.Time `json:"created_at"`
	Status           string    `json:"status"`
}

func (s *Server) handleReviewQueue(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.queue.ReviewQueue(r.Context(), 0)
	if err != nil {
		s.respondError(w, err)
		return
	}
	items := make([]reviewItem, 0, len(jobs))
	for _, job := range jobs {
		var result struct {
			ExtractedData struct {
				EmployeeName     string  `json:"employee_name"`
				TotalWage        float64 `json:"total_wage"`
				AverageDailyRate float64 `json:"average_daily_rate"`
				TotalDays        int     `json:"total_days"`
				UniqueDays       int     `json:"unique_days"`
			} `json:"extracted_data"`
			Validation struct {
				ValidationResult string   `json:"validation_result"`
				ValidationIssues []string `json:"validation_issues"`
			} `json:"validation"`
		}
		if err := json.Unmarshal(job.Result, &result); err != nil {
			continue
		}
		name := result.ExtractedData.EmployeeName
		if name == "" {
			name = "Unknown"
		}
		items = append(items, reviewItem{
			ID:               "review_" + job.ID.String(),
			JobID:            job.ID.String(),
			FileName:         job.FileName,
			EmployeeName:     name,
			ValidationResult: result.Validation.ValidationResult,
			ValidationIssues: result.Validation.ValidationIssues,
			TotalWage:        result.ExtractedData.TotalWage,
			AverageDailyRate: result.ExtractedData.AverageDailyRate,
			TotalDays:        result.ExtractedData.TotalDays,
			UniqueDays:       result.ExtractedData.UniqueDays,
			CreatedAt:        job.CreatedAt,
			Status:           "pending",
		})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	s.respond(w, http.StatusOK, map[string]any{"review_queue": items, "count": len(items)})
}

func (s *Server) handleCompleteReview(w http.ResponseWriter, r *http.Request) {
	id, err := s.jobID(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if _, err := s.queue.CompleteReview(r.Context(), id); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "Review completed successfully",
	})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	all, err := s.store.AllSettings(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	out := make(map[string]any, len(all))
	for key, raw := range all {
		var v any
		if err := json.Unmarshal(raw, &v); err == nil {
			out[key] = v
		}
	}
	s.respond(w, http.StatusOK, out)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var body map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body) == 0 {
		s.respondError(w, common.WrapError(common.ErrInvalidInput, "no data provided"))
		return
	}
	for key, value := range body {
		if err := s.store.SetSetting(r.Context(), key, value); err != nil {
			s.respondError(w, err)
			return
		}
	}
	s.respond(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "Settings updated successfully",
	})
}

func (s *Server) handleGetSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	raw, err := s.store.GetSetting(r.Context(), key)
	if err != nil {
		s.respondError(w, err)
		return
	}
	var value any
	if raw != nil {
		_ = json.Unmarshal(raw, &value)
	}
	s.respond(w, http.StatusOK, map[string]any{"key": key, "value": value})
}

func (s *Server) handleUpdateSetting(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	var body struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Value) == 0 {
		s.respondError(w, common.WrapError(common.ErrInvalidInput, "value is required"))
		return
	}
	if err := s.store.SetSetting(r.Context(), key, body.Value); err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": fmt.Sprintf("Setting %s updated successfully", key),
	})
}

func (s *Server) handleListSamples(w http.ResponseWriter, r *http.Request) {
	samples := []string{}
	for _, pattern := range []string{"*.xlsx", "*.xlsm"} {
		matches, err := filepath.Glob(filepath.Join(s.cfg.Server.SampleDir, pattern))
		if err != nil {
			continue
		}
		for _, m := range matches {
			name := filepath.Base(m)
			if !strings.HasPrefix(name, "~$") {
				samples = append(samples, name)
			}
		}
	}
	sort.Strings(samples)
	s.respond(w, http.StatusOK, samples)
}

func (s *Server) handleProcessSample(w http.ResponseWriter, r *http.Request) {
	filename := sanitizeFilename(chi.URLParam(r, "filename"))
	if filename == "" || !constants.AllowedUploadExt(filename) {
		s.respondError(w, common.WrapError(common.ErrInvalidInput, "invalid sample filename"))
		return
	}
	path := filepath.Join(s.cfg.Server.SampleDir, filename)
	info, err := os.Stat(path)
	if err != nil {
		s.respondError(w, common.WrapError(common.ErrNotFound,
			fmt.Sprintf("sample file %s", filename)))
		return
	}

	// Sample files jump the queue.
	job, err := s.queue.Enqueue(r.Context(), repository.NewJob{
		Type:     constants.JobTypeTimecard,
		FileName: filename,
		FileSize: info.Size(),
		Priority: constants.PriorityHigh,
		Metadata: &repository.JobMetadata{
			FilePath:         path,
			OriginalFilename: filename,
			IsSample:         true,
			ModelInfo:        s.modelInfo(r.Context()),
		},
	})
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"status":    "success",
		"job_id":    job.ID,
		"message":   fmt.Sprintf("Sample file %s queued for processing", filename),
		"file_name": filename,
		"file_size": info.Size(),
	})
}

// modelInfo snapshots the model routing settings at job creation time.
func (s *Server) modelInfo(ctx context.Context) *repository.ModelInfo {
	info := &repository.ModelInfo{
		ModelID: s.cfg.LLM.ModelID,
		Region:  s.cfg.LLM.Region,
	}
	if v := s.settingString(ctx, "bedrock_model_id"); v != "" {
		info.ModelID = v
	}
	if v := s.settingString(ctx, "aws_region"); v != "" {
		info.Region = v
	}
	return info
}

func (s *Server) settingString(ctx context.Context, key string) string {
	raw, err := s.store.GetSetting(ctx, key)
	if err != nil || len(raw) == 0 {
		return ""
	}
	var v string
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	return v
}

// sanitizeFilename strips any path components from a client-supplied name.
func sanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" {
		return ""
	}
	return name
}
