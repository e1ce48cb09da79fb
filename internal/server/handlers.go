package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/bobmcallan/fhegate/internal/filestore"
	"github.com/bobmcallan/fhegate/internal/lifecycle"
	"github.com/bobmcallan/fhegate/internal/models"
	"github.com/bobmcallan/fhegate/internal/registry"
)

// handleAddKey handles POST /add_key: stores an uploaded evaluation key and
// assigns a fresh uid.
func (s *Server) handleAddKey(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	// Identifier-bearing parameters are validated before any filesystem
	// write, even the ones this endpoint doesn't use to build paths.
	for _, name := range []string{"task_name", "uid"} {
		if v := RequestParam(r, name); v != "" {
			if err := filestore.ValidateName(v); err != nil {
				WriteError(w, http.StatusBadRequest, fmt.Sprintf("Invalid %s", name))
				return
			}
		}
	}

	file, _, err := r.FormFile("key")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "key file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to read the server key: %v", err))
		return
	}

	uid := uuid.New().String()
	if err := s.app.Files.WriteLive(filestore.KeyFilename(uid), data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to store the server key")
		WriteError(w, http.StatusInternalServerError, "Failed to store the server key")
		return
	}

	s.logger.Info().
		Str("uid", uid).
		Int("bytes", len(data)).
		Msg("Received new key upload")

	WriteJSON(w, http.StatusOK, map[string]string{"uid": uid})
}

// handleGetUseCases handles GET /get_use_cases.
func (s *Server) handleGetUseCases(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string][]string{"Use-cases": s.app.Registry.Names()})
}

// handleStartTask handles POST /start_task: stores the encrypted input and
// enqueues a job envelope.
func (s *Server) handleStartTask(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	uid := RequestParam(r, "uid")
	taskName := RequestParam(r, "task_name")

	if uid == "" {
		WriteError(w, http.StatusBadRequest, "uid is required")
		return
	}
	if err := filestore.ValidateName(uid); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid uid")
		return
	}
	if taskName == "" {
		WriteError(w, http.StatusBadRequest, "task_name is required")
		return
	}
	if err := filestore.ValidateName(taskName); err != nil {
		WriteError(w, http.StatusBadRequest, "Invalid task_name")
		return
	}

	spec := s.app.Registry.Lookup(taskName)
	if spec == nil {
		WriteError(w, http.StatusBadRequest, fmt.Sprintf("Task `%s` does not exist.", taskName))
		return
	}

	if !s.app.Files.HasKey(uid) {
		WriteError(w, http.StatusNotFound, fmt.Sprintf("No evaluation key found for uid `%s`.", uid))
		return
	}

	file, _, err := r.FormFile("encrypted_input")
	if err != nil {
		WriteError(w, http.StatusBadRequest, "encrypted_input file is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to read the input file: %v", err))
		return
	}

	// Resubmission with the same (uid, use-case) replaces the input blob.
	inputName := spec.InputFilename(uid)
	if err := s.app.Files.WriteLive(inputName, data); err != nil {
		s.logger.Error().Err(err).Str("input", inputName).Msg("Failed to save the input file")
		WriteError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to save the input file `%s`.", inputName))
		return
	}

	taskID, err := s.app.Broker.Enqueue(r.Context(), &models.Envelope{
		UID:      uid,
		TaskName: taskName,
		Binary:   spec.Binary,
		Channel:  spec.Channel,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("task_name", taskName).Msg("Failed to start task")
		WriteError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to start task `%s`.", taskName))
		return
	}

	s.logger.Info().
		Str("task_id", taskID).
		Str("task_name", taskName).
		Str("uid", uid).
		Int("input_bytes", len(data)).
		Msg("Task started")

	s.broadcastEvent("task_queued", &models.StatusReport{
		TaskID: taskID,
		UID:    uid,
		Status: models.StatusQueued,
		Worker: "TBD",
	}, spec.Channel)

	WriteJSON(w, http.StatusOK, map[string]string{"task_id": taskID})
}

// currentTasks inspects the broker for live leases and queued envelopes
// across all recognised channels. Shared by the task list endpoint and the
// WebSocket connect snapshot; best-effort, so broker faults yield a partial
// list rather than an error.
func (s *Server) currentTasks(ctx context.Context) []*models.StatusReport {
	all := make([]*models.StatusReport, 0)

	leases, err := s.app.Broker.ListLeases(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to inspect active leases")
	}
	for _, lease := range leases {
		details := "Task is still in progress."
		if lease.Status == models.StatusReserved {
			details = "This task will start soon."
		}
		all = append(all, &models.StatusReport{
			TaskID:  lease.TaskID,
			UID:     lease.UID,
			Status:  lease.Status,
			Worker:  lease.Worker,
			Details: details,
		})
	}

	for _, channel := range []string{registry.ChannelUseCases, registry.ChannelAds} {
		queued, err := s.app.Broker.ListQueued(ctx, channel)
		if err != nil {
			s.logger.Warn().Err(err).Str("channel", channel).Msg("Failed to inspect queue channel")
			continue
		}
		for _, env := range queued {
			all = append(all, &models.StatusReport{
				TaskID:  env.TaskID,
				UID:     env.UID,
				Status:  models.StatusQueued,
				Worker:  "queue",
				Details: "The task is currently in the queue, waiting to be picked up by a worker.",
			})
		}
	}

	return all
}

// handleListCurrentTasks handles GET /list_current_tasks: queued envelopes
// and live leases across all recognised channels.
func (s *Server) handleListCurrentTasks(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	all := make([]map[string]string, 0)
	for _, report := range s.currentTasks(r.Context()) {
		all = append(all, map[string]string{
			"task_id": report.TaskID,
			"status":  string(report.Status),
			"worker":  report.Worker,
			"details": report.Details,
		})
	}

	WriteJSON(w, http.StatusOK, all)
}

// handleGetTaskStatus handles GET/POST /get_task_status. Missing parameters
// yield an unknown status object, not an error.
func (s *Server) handleGetTaskStatus(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodPost) {
		return
	}

	taskID := RequestParam(r, "task_id")
	uid := RequestParam(r, "uid")

	report := s.app.Engine.Status(r.Context(), taskID, uid)

	s.logger.Info().
		Str("task_id", report.TaskID).
		Str("status", string(report.Status)).
		Str("worker", report.Worker).
		Msg("Status query")

	WriteJSON(w, http.StatusOK, report)
}

// handleGetTaskResult handles GET/POST /get_task_result: pending states
// return the status object with 200; SUCCESS and COMPLETED deliver the
// artifacts per the use-case response shape.
func (s *Server) handleGetTaskResult(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodPost) {
		return
	}

	taskName := RequestParam(r, "task_name")
	taskID := RequestParam(r, "task_id")
	uid := RequestParam(r, "uid")

	if taskName != "" {
		if err := filestore.ValidateName(taskName); err != nil {
			WriteError(w, http.StatusBadRequest, "Invalid task_name")
			return
		}
	}
	if uid != "" {
		if err := filestore.ValidateName(uid); err != nil {
			WriteError(w, http.StatusBadRequest, "Invalid uid")
			return
		}
	}

	delivery, err := s.app.Engine.GetResult(r.Context(), taskID, uid, taskName)
	if err != nil {
		var artifactErr *lifecycle.ArtifactError
		switch {
		case errors.Is(err, lifecycle.ErrUnknownUseCase):
			WriteError(w, http.StatusBadRequest, fmt.Sprintf("Task `%s` does not exist.", taskName))
		case errors.As(err, &artifactErr):
			WriteError(w, http.StatusInternalServerError, artifactErr.Error())
		default:
			s.logger.Error().Err(err).Str("task_id", taskID).Msg("Result retrieval failed")
			WriteError(w, http.StatusInternalServerError, "Failed to retrieve the task result")
		}
		return
	}

	switch {
	case delivery.Report != nil:
		report := delivery.Report
		w.Header().Set("status", string(report.Status))
		w.Header().Set("job_id", report.TaskID)
		w.Header().Set("uid", uid)
		w.Header().Set("stderr", sanitizeHeader(report.Details))
		w.Header().Set("worker", report.Worker)
		WriteJSON(w, http.StatusOK, report)

	case delivery.Stream != nil:
		stream := delivery.Stream
		for k, v := range stream.Headers {
			w.Header().Set(k, sanitizeHeader(v))
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", stream.Filename))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.WriteHeader(http.StatusOK)
		w.Write(stream.Data)

	default:
		WriteJSON(w, http.StatusOK, delivery.JSON)
	}
}

// handleCancelTask handles POST /cancel_task.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	taskID := RequestParam(r, "task_id")
	uid := RequestParam(r, "uid")

	report, err := s.app.Engine.Cancel(r.Context(), taskID, uid)
	if err != nil {
		s.logger.Error().Err(err).Str("task_id", taskID).Msg("Failed to revoke task")
		WriteError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to revoke task `%s`.", taskID))
		return
	}

	if report.Status == models.StatusRevoked {
		s.broadcastEvent("task_revoked", report, "")
	}

	WriteJSON(w, http.StatusOK, report)
}

// broadcastEvent pushes a task event to the WebSocket hub with a best-effort
// queue depth.
func (s *Server) broadcastEvent(eventType string, report *models.StatusReport, channel string) {
	size := 0
	if channel != "" {
		if queued, err := s.app.Broker.ListQueued(context.Background(), channel); err == nil {
			size = len(queued)
		}
	}
	s.hub.Broadcast(models.TaskEvent{
		Type:      eventType,
		Report:    report,
		Timestamp: time.Now(),
		QueueSize: size,
	})
}

// sanitizeHeader strips bytes that are invalid in an HTTP header value.
func sanitizeHeader(v string) string {
	out := make([]byte, 0, len(v))
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c == '\n' || c == '\r' {
			out = append(out, ' ')
			continue
		}
		out = append(out, c)
	}
	return string(out)
}
