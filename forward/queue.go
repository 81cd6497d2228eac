package forward

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"

	dicomerr "github.com/Janxz264/dicom-bridge-mx/errors"
	"github.com/Janxz264/dicom-bridge-mx/storescp"
)

var (
	jobsEnqueued     = metrics.NewCounter("dicom_bridge_forward_enqueued_total")
	jobsDelivered    = metrics.NewCounter("dicom_bridge_forward_delivered_total")
	jobsRetried      = metrics.NewCounter("dicom_bridge_forward_retries_total")
	jobsDeadLettered = metrics.NewCounter("dicom_bridge_forward_dead_lettered_total")
	queueDepth       = metrics.NewGauge("dicom_bridge_forward_queue_depth", nil)
)

// Sender delivers one job to the destination. Errors are retryable
// under the queue's backoff policy.
type Sender interface {
	Send(ctx context.Context, job *Job) error
}

// BackoffPolicy computes retry delays: exponential from Base, capped at
// Max, with up to JitterFrac of the delay added as jitter. The jittered
// delay is also capped at Max, so with JitterFrac at most 1 delays never
// shrink as attempts grow.
type BackoffPolicy struct {
	Base       time.Duration
	Max        time.Duration
	JitterFrac float64
}

// Delay returns the wait before retry number attempt (1-based).
func (p BackoffPolicy) Delay(attempt int, rnd *rand.Rand) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.Base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.Max {
			delay = p.Max
			break
		}
	}
	if delay > p.Max {
		delay = p.Max
	}
	if p.JitterFrac > 0 && rnd != nil {
		frac := p.JitterFrac
		if frac > 1 {
			frac = 1
		}
		delay += time.Duration(frac * rnd.Float64() * float64(delay))
		if delay > p.Max {
			delay = p.Max
		}
	}
	return delay
}

// Options configures the queue. OnDeadLetter, when set, is called after
// a job exhausts its attempt budget and has been persisted as a dead
// letter.
type Options struct {
	Workers      int
	MaxAttempts  int
	Backoff      BackoffPolicy
	OnDeadLetter func(job *Job, lastErr error)
}

func (o *Options) withDefaults() {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 8
	}
	if o.Backoff.Base <= 0 {
		o.Backoff.Base = 2 * time.Second
	}
	if o.Backoff.Max <= 0 {
		o.Backoff.Max = 5 * time.Minute
	}
}

// Queue owns forward delivery: a bounded worker pool drains persisted
// jobs, each job runs on at most one worker at a time, and failures
// reschedule with exponential backoff until the attempt budget runs out
// and the job dead-letters.
type Queue struct {
	store  *Store
	sender Sender
	opts   Options
	logger *slog.Logger

	jobs     chan *Job
	inflight *xsync.MapOf[string, struct{}]
	rnd      *rand.Rand
	rndMu    sync.Mutex
	wg       sync.WaitGroup
	ctx      context.Context
}

// NewQueue creates the forwarding queue.
func NewQueue(store *Store, sender Sender, opts Options, logger *slog.Logger) *Queue {
	opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:    store,
		sender:   sender,
		opts:     opts,
		logger:   logger,
		jobs:     make(chan *Job, 256),
		inflight: xsync.NewMapOf[string, struct{}](),
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Start loads undelivered jobs from the store, schedules them, and
// starts the worker pool. It returns immediately; cancel the context and
// call Wait to drain.
func (q *Queue) Start(ctx context.Context) error {
	q.ctx = ctx

	pending, err := q.store.Pending(ctx)
	if err != nil {
		return err
	}
	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx)
	}
	for _, job := range pending {
		q.schedule(job, time.Until(job.NextAttemptAt))
	}
	if len(pending) > 0 {
		q.logger.Info("reloaded undelivered forward jobs", "count", len(pending))
	}
	return nil
}

// Wait blocks until the workers have stopped.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Depth returns the number of jobs queued or in flight.
func (q *Queue) Depth() int {
	return len(q.jobs) + q.inflight.Size()
}

// Enqueue implements storescp.Enqueuer: the job is persisted before this
// returns, so the C-STORE success response only leaves once delivery is
// guaranteed to be attempted.
func (q *Queue) Enqueue(ctx context.Context, obj *storescp.StoredObject) error {
	job := NewJob(obj)
	if err := q.store.Insert(ctx, job); err != nil {
		return err
	}
	jobsEnqueued.Inc()
	q.schedule(job, 0)
	q.logger.Debug("forward job enqueued",
		"job_id", job.ID,
		"sop_instance_uid", job.SOPInstanceUID)
	return nil
}

func (q *Queue) schedule(job *Job, delay time.Duration) {
	ctx := q.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	dispatch := func() {
		select {
		case q.jobs <- job:
			queueDepth.Set(float64(q.Depth()))
		case <-ctx.Done():
		}
	}
	if delay <= 0 {
		go dispatch()
		return
	}
	time.AfterFunc(delay, dispatch)
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.jobs:
			// single flight per job: a dispatch colliding with a claim
			// still held by another worker is retried, never dropped
			if _, loaded := q.inflight.LoadOrStore(job.ID, struct{}{}); loaded {
				q.schedule(job, 50*time.Millisecond)
				continue
			}
			q.process(ctx, job)
			queueDepth.Set(float64(q.Depth()))
		}
	}
}

// process runs one delivery attempt. It owns the in-flight claim taken
// by the worker and releases it before any retry it schedules can be
// dispatched.
func (q *Queue) process(ctx context.Context, job *Job) {
	claimed, err := q.store.MarkInFlight(ctx, job.ID)
	if err != nil {
		q.logger.Error("failed to mark job in flight", "job_id", job.ID, "error", err)
	} else if !claimed {
		// row gone: an earlier dispatch already finished the job
		q.inflight.Delete(job.ID)
		return
	}
	job.State = JobInFlight

	err = q.sender.Send(ctx, job)
	if err == nil {
		job.State = JobDelivered
		if serr := q.store.MarkDelivered(ctx, job.ID); serr != nil {
			q.logger.Error("failed to clear delivered job", "job_id", job.ID, "error", serr)
		}
		q.inflight.Delete(job.ID)
		jobsDelivered.Inc()
		q.logger.Info("object forwarded",
			"job_id", job.ID,
			"sop_instance_uid", job.SOPInstanceUID,
			"attempts", job.Attempts+1)
		return
	}

	job.Attempts++
	if job.Attempts >= q.opts.MaxAttempts {
		job.State = JobDeadLettered
		if serr := q.store.MarkDeadLettered(ctx, job, err.Error()); serr != nil {
			q.logger.Error("failed to dead-letter job", "job_id", job.ID, "error", serr)
		}
		q.inflight.Delete(job.ID)
		jobsDeadLettered.Inc()
		exhausted := dicomerr.NewExhaustedRetryError(job.ID, job.Attempts, err)
		q.logger.Error("forward job dead-lettered",
			"job_id", job.ID,
			"sop_instance_uid", job.SOPInstanceUID,
			"attempts", job.Attempts,
			"error", exhausted)
		if q.opts.OnDeadLetter != nil {
			q.opts.OnDeadLetter(job, exhausted)
		}
		return
	}

	q.rndMu.Lock()
	delay := q.opts.Backoff.Delay(job.Attempts, q.rnd)
	q.rndMu.Unlock()

	job.State = JobPending
	job.NextAttemptAt = time.Now().Add(delay)
	if serr := q.store.MarkRetry(ctx, job.ID, job.Attempts, job.NextAttemptAt, err.Error()); serr != nil {
		q.logger.Error("failed to persist retry", "job_id", job.ID, "error", serr)
	}
	jobsRetried.Inc()
	q.logger.Warn("forward attempt failed, retrying",
		"job_id", job.ID,
		"sop_instance_uid", job.SOPInstanceUID,
		"attempt", job.Attempts,
		"retry_in", delay,
		"error", err)
	// release the claim before the retry timer can redispatch the job
	q.inflight.Delete(job.ID)
	q.schedule(job, delay)
}
