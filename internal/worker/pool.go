// Package worker runs the fixed-concurrency pool that leases envelopes from
// the broker, executes the use-case binaries, and publishes outcomes.
package worker

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/bobmcallan/fhegate/internal/common"
	"github.com/bobmcallan/fhegate/internal/filestore"
	"github.com/bobmcallan/fhegate/internal/interfaces"
	"github.com/bobmcallan/fhegate/internal/models"
	"github.com/bobmcallan/fhegate/internal/registry"
)

// Pool consumes one or more queue channels with a fixed number of
// concurrency slots. Each slot leases up to the configured prefetch count at
// once and executes them one after another; a lease is acknowledged only after its outcome has been published (late ack), so a
// crashed worker's envelopes are redelivered when their visibility window
// elapses.
type Pool struct {
	broker   interfaces.Broker
	results  interfaces.ResultStore
	registry *registry.Registry
	files    *filestore.Store
	logger   *common.Logger
	config   common.WorkerConfig

	visibility time.Duration
	identity   string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a worker pool.
func NewPool(
	broker interfaces.Broker,
	results interfaces.ResultStore,
	reg *registry.Registry,
	files *filestore.Store,
	logger *common.Logger,
	config common.WorkerConfig,
	visibility time.Duration,
) *Pool {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &Pool{
		broker:     broker,
		results:    results,
		registry:   reg,
		files:      files,
		logger:     logger,
		config:     config,
		visibility: visibility,
		identity:   fmt.Sprintf("worker@%s:%d", hostname, os.Getpid()),
	}
}

// Identity returns the pool's worker identity string.
func (p *Pool) Identity() string { return p.identity }

// safeGo launches a goroutine with panic recovery and logging.
func (p *Pool) safeGo(name string, fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error().
					Str("goroutine", name).
					Str("panic", fmt.Sprintf("%v", r)).
					Str("stack", string(debug.Stack())).
					Msg("Recovered from panic in worker goroutine")
			}
		}()
		fn()
	}()
}

// Start launches the concurrency slots. Safe to call once per pool.
func (p *Pool) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	conc := p.config.GetConcurrency()
	for i := 0; i < conc; i++ {
		name := fmt.Sprintf("slot-%d", i)
		p.safeGo(name, func() { p.slotLoop(ctx) })
	}

	p.logger.Info().
		Str("worker", p.identity).
		Int("concurrency", conc).
		Int("prefetch", p.config.GetPrefetch()).
		Str("channels", strings.Join(p.config.Channels, ",")).
		Msg("Worker pool started")
}

// Stop cancels all slots and waits for in-flight work to finish.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	p.wg.Wait()
	p.logger.Info().Str("worker", p.identity).Msg("Worker pool stopped")
}

// slotLoop continuously leases and processes envelopes.
func (p *Pool) slotLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		leases, err := p.broker.Lease(ctx, p.config.Channels, p.identity, p.config.GetPrefetch(), p.visibility)
		if err != nil {
			p.logger.Warn().Err(err).Msg("Worker: lease error")
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}
		if len(leases) == 0 {
			// Queue empty, sleep briefly
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}

		for _, lease := range leases {
			select {
			case <-ctx.Done():
				return
			default:
			}
			p.process(ctx, lease)
		}
	}
}

// process executes one leased envelope end to end.
func (p *Pool) process(ctx context.Context, lease *models.Lease) {
	log := p.logger.WithCorrelationId(lease.TaskID)

	if lease.Revoked {
		p.discardRevoked(ctx, lease, log)
		return
	}

	spec := p.registry.Lookup(lease.TaskName)
	if spec == nil {
		log.Warn().Str("task_name", lease.TaskName).Msg("Unknown use-case; publishing failure")
		p.publishAndAck(ctx, &models.Outcome{
			TaskID:   lease.TaskID,
			UID:      lease.UID,
			TaskName: lease.TaskName,
			Status:   models.StatusFailure,
			Detail:   fmt.Sprintf("unknown use-case %q", lease.TaskName),
		}, log)
		return
	}

	if err := p.broker.MarkStarted(ctx, lease.TaskID, p.identity); err != nil {
		log.Warn().Err(err).Msg("Failed to mark task started")
	}

	res, revoked := p.runBinary(ctx, lease, spec)

	if revoked {
		// Spec: no ack, no outcome. The revoke flag prevents re-execution
		// when the envelope is redelivered, and the cancellation path has
		// already recorded the terminal state.
		log.Info().
			Str("task_name", lease.TaskName).
			Int64("duration_ms", res.Duration.Milliseconds()).
			Msg("Task execution aborted by revoke")
		return
	}

	outcome := &models.Outcome{
		TaskID:     lease.TaskID,
		UID:        lease.UID,
		TaskName:   lease.TaskName,
		Stdout:     res.Stdout,
		Stderr:     res.Stderr,
		ReturnCode: res.ReturnCode,
		DurationMS: res.Duration.Milliseconds(),
	}

	if res.Err != nil {
		outcome.Status = models.StatusFailure
		outcome.Detail = res.Err.Error()
		log.Warn().
			Str("task_name", lease.TaskName).
			Int("return_code", res.ReturnCode).
			Int64("duration_ms", outcome.DurationMS).
			Err(res.Err).
			Msg("Task failed")
	} else {
		outcome.Status = models.StatusSuccess
		outcome.Digests = p.digestOutputs(spec, lease.UID, log)
		log.Info().
			Str("task_name", lease.TaskName).
			Int64("duration_ms", outcome.DurationMS).
			Msg("Task completed")
	}

	p.publishAndAck(ctx, outcome, log)
}

// discardRevoked drops a redelivered envelope that was cancelled while a
// previous lease held it. The terminal record is written if the
// cancellation path didn't get to it.
func (p *Pool) discardRevoked(ctx context.Context, lease *models.Lease, log *common.Logger) {
	existing, err := p.results.Get(ctx, lease.TaskID)
	if err != nil {
		log.Warn().Err(err).Msg("Result store unavailable while discarding revoked task")
	}
	if existing == nil {
		if err := p.results.Put(ctx, &models.Outcome{
			TaskID:   lease.TaskID,
			UID:      lease.UID,
			TaskName: lease.TaskName,
			Status:   models.StatusRevoked,
			Detail:   "Task was cancelled before execution.",
		}); err != nil {
			log.Warn().Err(err).Msg("Failed to record revoked outcome")
		}
	}
	if err := p.broker.Ack(ctx, lease.TaskID); err != nil {
		log.Warn().Err(err).Msg("Failed to ack revoked task")
	}
	log.Info().Msg("Discarded revoked task without executing")
}

// publishAndAck records the outcome then acknowledges the lease. When the
// outcome can't be stored the lease is returned to the queue so the work is
// redelivered rather than lost.
func (p *Pool) publishAndAck(ctx context.Context, outcome *models.Outcome, log *common.Logger) {
	if err := p.results.Put(ctx, outcome); err != nil {
		log.Error().Err(err).Msg("Failed to publish outcome; returning task to queue")
		if nackErr := p.broker.Nack(ctx, outcome.TaskID, "outcome publish failed"); nackErr != nil {
			log.Warn().Err(nackErr).Msg("Failed to nack task")
		}
		return
	}
	if err := p.broker.Ack(ctx, outcome.TaskID); err != nil {
		log.Warn().Err(err).Msg("Failed to ack task")
	}
}

// digestOutputs records blake2b digests of the declared output artifacts.
// Missing outputs are skipped; delivery reports them precisely later.
func (p *Pool) digestOutputs(spec *registry.UseCaseSpec, uid string, log *common.Logger) map[string]string {
	digests := make(map[string]string, len(spec.Outputs))
	for _, name := range spec.OutputFilenames(uid) {
		data, err := p.files.ReadLive(name)
		if err != nil {
			log.Warn().Str("output", name).Err(err).Msg("Declared output missing after success")
			continue
		}
		digests[name] = filestore.Digest(data)
	}
	return digests
}

// sleepCtx sleeps for d unless the context ends first. Returns false when
// the context ended.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
