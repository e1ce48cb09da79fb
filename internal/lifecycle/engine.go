// Package lifecycle computes the canonical status of a task from the queue,
// the result store, the active leases, and the backup area, and implements
// cancellation and result retrieval on top of it.
//
// The sources are consulted in a fixed order: the queue and the leases are
// authoritative for pre-terminal states, the result store for terminal
// outcomes, and the backup area is the durable record once the result store
// has forgotten. Queue presence is checked before the result store so that a
// task redelivered after worker loss is never reported terminal from a stale
// record.
package lifecycle

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bobmcallan/fhegate/internal/common"
	"github.com/bobmcallan/fhegate/internal/filestore"
	"github.com/bobmcallan/fhegate/internal/interfaces"
	"github.com/bobmcallan/fhegate/internal/models"
	"github.com/bobmcallan/fhegate/internal/registry"
)

// DefaultCancelGrace is how long cancellation waits before re-reading the
// status.
const DefaultCancelGrace = 2 * time.Second

// ErrUnknownUseCase marks a task name absent from the registry.
var ErrUnknownUseCase = errors.New("unknown use-case")

// ArtifactError reports a declared output missing at delivery time.
type ArtifactError struct {
	Name string
}

func (e *ArtifactError) Error() string {
	return fmt.Sprintf("output artifact %q not found", e.Name)
}

// Engine reconciles the task lifecycle across its sources of truth.
type Engine struct {
	broker   interfaces.Broker
	results  interfaces.ResultStore
	registry *registry.Registry
	files    *filestore.Store
	logger   *common.Logger

	cancelGrace time.Duration
}

// NewEngine creates a lifecycle engine.
func NewEngine(
	broker interfaces.Broker,
	results interfaces.ResultStore,
	reg *registry.Registry,
	files *filestore.Store,
	logger *common.Logger,
) *Engine {
	return &Engine{
		broker:      broker,
		results:     results,
		registry:    reg,
		files:       files,
		logger:      logger,
		cancelGrace: DefaultCancelGrace,
	}
}

// SetCancelGrace overrides the cancellation grace period (tests).
func (e *Engine) SetCancelGrace(d time.Duration) { e.cancelGrace = d }

// Status computes the canonical status of a task.
func (e *Engine) Status(ctx context.Context, taskID, uid string) *models.StatusReport {
	if taskID == "" {
		return &models.StatusReport{
			TaskID:  "none",
			Status:  models.StatusUnknown,
			Worker:  "unknown",
			Details: "Task ID is None or Empty.",
		}
	}
	if uid == "" {
		return &models.StatusReport{
			TaskID:  taskID,
			UID:     "unknown",
			Status:  models.StatusUnknown,
			Worker:  "unknown",
			Details: "Key uid is None or Empty.",
		}
	}

	var degraded []string

	// 1. Queue inspection: a queued envelope wins over everything, stale
	// terminal records included.
	pos, depth, queued, err := e.broker.QueuePosition(ctx, taskID)
	if err != nil {
		e.logger.Warn().Err(err).Str("task_id", taskID).Msg("Queue inspection failed")
		degraded = append(degraded, fmt.Sprintf("queue unavailable: %v", err))
	} else if queued {
		return &models.StatusReport{
			TaskID:        taskID,
			UID:           uid,
			Status:        models.StatusQueued,
			Worker:        "TBD",
			Details:       fmt.Sprintf("The task is currently in the queue, waiting to be picked up by a worker (position %d of %d).", pos, depth),
			QueuePosition: pos,
			QueueDepth:    depth,
		}
	}

	// 2. Result store: terminal outcomes win once the task left the queue.
	outcome, err := e.results.Get(ctx, taskID)
	if err != nil {
		// Treat an unavailable result store as "no record" and fall through
		// to the remaining sources.
		e.logger.Warn().Err(err).Str("task_id", taskID).Msg("Result store read failed")
		degraded = append(degraded, fmt.Sprintf("result store unavailable: %v", err))
		outcome = nil
	}
	if outcome != nil {
		return reportFromOutcome(taskID, uid, outcome)
	}

	// 3. Worker inspection: an unexpired lease means the task is active.
	lease, err := e.broker.ActiveLease(ctx, taskID)
	if err != nil {
		e.logger.Warn().Err(err).Str("task_id", taskID).Msg("Worker inspection failed")
		degraded = append(degraded, fmt.Sprintf("worker inspection unavailable: %v", err))
	} else if lease != nil {
		rep := &models.StatusReport{
			TaskID: taskID,
			UID:    uid,
			Status: lease.Status,
			Worker: lease.Worker,
		}
		if lease.Status == models.StatusReserved {
			rep.Details = "This task will start soon."
		} else {
			rep.Details = "Task is still in progress."
		}
		return rep
	}

	// 4. Backup area: the durable record for past success.
	backups, err := e.files.FindBackups(uid, taskID)
	if err != nil {
		e.logger.Warn().Err(err).Str("task_id", taskID).Msg("Backup area scan failed")
		degraded = append(degraded, fmt.Sprintf("backup area unavailable: %v", err))
	} else if backups != nil {
		return &models.StatusReport{
			TaskID:         taskID,
			UID:            uid,
			Status:         models.StatusCompleted,
			Worker:         "not tracked",
			Details:        fmt.Sprintf("Task completed on `%s`. The result is stored.", backups.ModTime.Format("2006-01-02 15:04:05")),
			OutputFilePath: backups.Files,
		}
	}

	// 5. Nothing anywhere.
	details := "Task may not exist, you may need to restart it."
	for _, d := range degraded {
		details += " " + d + "."
	}
	return &models.StatusReport{
		TaskID:  taskID,
		UID:     uid,
		Status:  models.StatusUnknown,
		Worker:  "unknown",
		Details: details,
	}
}

// reportFromOutcome maps a terminal record to a status report.
func reportFromOutcome(taskID, uid string, outcome *models.Outcome) *models.StatusReport {
	rep := &models.StatusReport{
		TaskID: taskID,
		UID:    uid,
		Status: outcome.Status,
	}
	switch outcome.Status {
	case models.StatusSuccess:
		rep.Worker = "not tracked"
		rep.Details = "Task successfully completed."
	case models.StatusFailure:
		rep.Worker = "not tracked"
		rep.Details = outcome.Detail
		if rep.Details == "" {
			rep.Details = outcome.Stderr
		}
		if rep.Details == "" {
			rep.Details = "This task might be lost."
		}
	case models.StatusRevoked:
		rep.Worker = "not tracked"
		rep.Details = outcome.Detail
		if rep.Details == "" {
			rep.Details = "Task was cancelled."
		}
	default:
		rep.Worker = "not tracked"
		rep.Details = outcome.Detail
	}
	return rep
}

// Cancel revokes a task if its current status allows it. Terminal and
// unknown tasks are refused with their current status. After the revoke it
// waits a short grace and returns the re-read status.
func (e *Engine) Cancel(ctx context.Context, taskID, uid string) (*models.StatusReport, error) {
	initial := e.Status(ctx, taskID, uid)

	if !initial.Status.IsCancellable() {
		e.logger.Warn().
			Str("task_id", taskID).
			Str("status", string(initial.Status)).
			Msg("Cannot cancel task (already finished or unknown)")
		return &models.StatusReport{
			TaskID:  taskID,
			UID:     uid,
			Status:  initial.Status,
			Worker:  initial.Worker,
			Details: fmt.Sprintf("Cannot cancel this task (already finished or unknown). Additional info: %s", initial.Details),
		}, nil
	}

	env, err := e.broker.Revoke(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to revoke task %s: %w", taskID, err)
	}

	// A revoked task is terminal regardless of where the revoke caught it,
	// so the backend record is written here rather than by the worker.
	outcome := &models.Outcome{
		TaskID: taskID,
		UID:    uid,
		Status: models.StatusRevoked,
		Detail: "Successfully cancelled the task.",
	}
	if env != nil {
		outcome.TaskName = env.TaskName
	}
	if err := e.results.Put(ctx, outcome); err != nil {
		e.logger.Warn().Err(err).Str("task_id", taskID).Msg("Failed to record revoked outcome")
	}

	// Give the executing worker a moment to observe the flag and kill its
	// subprocess before re-reading.
	select {
	case <-ctx.Done():
	case <-time.After(e.cancelGrace):
	}

	updated := e.Status(ctx, taskID, uid)
	e.logger.Info().
		Str("task_id", taskID).
		Str("previous", string(initial.Status)).
		Str("status", string(updated.Status)).
		Msg("Task cancelled")
	return updated, nil
}

// StreamDelivery is a single-artifact octet-stream response.
type StreamDelivery struct {
	Filename string
	Data     []byte
	Headers  map[string]string
}

// Delivery is the result of a retrieval: exactly one field is set.
type Delivery struct {
	Report *models.StatusReport // pending or terminal-without-artifacts states
	Stream *StreamDelivery
	JSON   map[string]any
}

// GetResult retrieves the result of a task according to its use-case
// response shape. Pending states return the status report unchanged — this
// is a polling API, not an error channel. SUCCESS serves the live outputs
// and promotes copies into the backup area; COMPLETED serves the backup
// copies without re-promoting.
func (e *Engine) GetResult(ctx context.Context, taskID, uid, taskName string) (*Delivery, error) {
	spec := e.registry.Lookup(taskName)
	if spec == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUseCase, taskName)
	}

	report := e.Status(ctx, taskID, uid)

	switch report.Status {
	case models.StatusSuccess, models.StatusCompleted:
		// fall through to delivery
	default:
		return &Delivery{Report: report}, nil
	}

	stderr := ""
	if outcome, err := e.results.Get(ctx, taskID); err == nil && outcome != nil {
		stderr = outcome.Stderr
	}

	fromBackup := report.Status == models.StatusCompleted

	// Resolve artifact names: live templates for fresh success, promoted
	// copies for the durable cache.
	var artifacts []deliveryArtifact
	if fromBackup {
		var err error
		artifacts, err = matchBackupArtifacts(spec, report.OutputFilePath)
		if err != nil {
			return nil, err
		}
	} else {
		for i, name := range spec.OutputFilenames(uid) {
			artifacts = append(artifacts, deliveryArtifact{
				Output:   spec.Outputs[i],
				Filename: name,
			})
		}
	}

	read := func(a deliveryArtifact) ([]byte, error) {
		var data []byte
		var err error
		if fromBackup {
			data, err = e.files.ReadBackup(a.Filename)
		} else {
			data, err = e.files.ReadLive(a.Filename)
		}
		if err != nil {
			if errors.Is(err, filestore.ErrNotFound) {
				return nil, &ArtifactError{Name: a.Filename}
			}
			return nil, err
		}
		return data, nil
	}

	// First successful fetch promotes durable copies.
	promote := func(a deliveryArtifact) {
		if fromBackup {
			return
		}
		backupName := filestore.BackupFilename(a.Output.Template, uid, taskID, taskName)
		if _, err := e.files.Promote(a.Filename, backupName); err != nil {
			e.logger.Warn().
				Str("task_id", taskID).
				Str("output", a.Filename).
				Err(err).
				Msg("Failed to promote output to backup area")
		}
	}

	if spec.ResponseShape == registry.ShapeStream {
		a := artifacts[0]
		data, err := read(a)
		if err != nil {
			return nil, err
		}
		promote(a)

		return &Delivery{Stream: &StreamDelivery{
			Filename: a.Filename,
			Data:     data,
			Headers: map[string]string{
				"status":    string(report.Status),
				"job_id":    taskID,
				"uid":       uid,
				"stderr":    stderr,
				"task_name": taskName,
				"worker":    report.Worker,
			},
		}}, nil
	}

	// JSON shape: every declared output under its configured key.
	body := map[string]any{
		"task_id":          taskID,
		"uid":              uid,
		"status":           string(report.Status),
		"worker":           report.Worker,
		"stderr":           stderr,
		"task_name":        taskName,
		"output_file_path": []string{},
	}
	paths := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		data, err := read(a)
		if err != nil {
			return nil, err
		}
		promote(a)
		paths = append(paths, a.Filename)

		switch a.Output.Encoding {
		case registry.EncodingUTF8:
			if !utf8.Valid(data) {
				return nil, fmt.Errorf("output %s declared utf8 but does not decode", a.Filename)
			}
			body[a.Output.Key] = string(data)
		default:
			body[a.Output.Key] = base64.StdEncoding.EncodeToString(data)
		}
	}
	body["output_file_path"] = paths

	return &Delivery{JSON: body}, nil
}

// deliveryArtifact pairs an output spec with a resolved filename.
type deliveryArtifact struct {
	Output   registry.OutputSpec
	Filename string
}

// matchBackupArtifacts pairs declared outputs with the promoted copies found
// in the backup area, matching on the output key the way the template names
// embed it.
func matchBackupArtifacts(spec *registry.UseCaseSpec, files []string) ([]deliveryArtifact, error) {
	var artifacts []deliveryArtifact
	for _, out := range spec.Outputs {
		found := ""
		for _, f := range files {
			if len(spec.Outputs) == 1 || strings.Contains(strings.ToLower(f), strings.ToLower(out.Key)) {
				found = f
				break
			}
		}
		if found == "" {
			return nil, &ArtifactError{Name: out.Template}
		}
		artifacts = append(artifacts, deliveryArtifact{Output: out, Filename: found})
	}
	return artifacts, nil
}
