// Package orchestrator implements the Worker Orchestrator (C8): a per-user
// FIFO job queue gated by entitlement budgets, dispatching queued jobs onto
// freshly built Strategy Executors (§4.9).
package orchestrator

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradingd/internal/bracket"
	"tradingd/internal/broker"
	"tradingd/internal/errs"
	"tradingd/internal/events"
	"tradingd/internal/executor"
	"tradingd/internal/history"
	"tradingd/internal/lifecycle"
	"tradingd/internal/reconciliation"
	"tradingd/internal/strategy"
	"tradingd/pkg/db"
)

// JobState is the closed set of WorkerJob states tracked by worker_jobs.
type JobState string

const (
	JobQueued   JobState = "queued"
	JobStarting JobState = "starting"
	JobRunning  JobState = "running"
	JobStopping JobState = "stopping"
	JobStopped  JobState = "stopped"
	JobFailed   JobState = "failed"
)

// Job is one WorkerJob (§3 glossary): a user's request to run one strategy
// instance on one instrument through one broker connection.
type Job struct {
	JobID        string
	UserID       string
	StrategyName string
	Instrument   string
	Broker       string
	Environment  string
	Config       []byte
	CreatedAt    time.Time
	State        JobState
	Err          string
}

// StartRequest is the input to StartRunner.
type StartRequest struct {
	UserID       string
	StrategyName string
	Instrument   string
	Broker       string
	Environment  string
	Config       []byte
}

// CredentialProvider resolves a user's decrypted broker credentials. The
// orchestrator never decrypts credentials itself — that stays behind the
// caller's key manager, out of this package's concern (§1 non-goal: auth).
type CredentialProvider interface {
	Credentials(ctx context.Context, userID, brokerName string, env broker.Environment) (broker.Credentials, error)
}

// Entitlements resolves a user's concurrent-worker budget (§4.9 entitlement
// gate). Implementations back this with the entitlements table.
type Entitlements interface {
	MaxWorkers(ctx context.Context, userID string) (int, error)
}

// DBEntitlements is the default Entitlements backed by pkg/db's entitlements
// table, with a conservative single-worker default for users that have never
// been assigned a tier row.
type DBEntitlements struct {
	db           *db.Database
	defaultTier  int
}

func NewDBEntitlements(database *db.Database) *DBEntitlements {
	return &DBEntitlements{db: database, defaultTier: 1}
}

func (e *DBEntitlements) MaxWorkers(ctx context.Context, userID string) (int, error) {
	var max int
	var expires sql.NullTime
	err := e.db.DB.QueryRowContext(ctx,
		`SELECT max_workers, expires_at FROM entitlements WHERE user_id = ?`, userID,
	).Scan(&max, &expires)
	if err == sql.ErrNoRows {
		return e.defaultTier, nil
	}
	if err != nil {
		return 0, fmt.Errorf("orchestrator: load entitlement for %s: %w", userID, err)
	}
	if expires.Valid && expires.Time.Before(time.Now()) {
		return e.defaultTier, nil
	}
	return max, nil
}

type worker struct {
	job     Job
	session broker.Session
	exec    *executor.Executor
	cancel  context.CancelFunc
	done    chan struct{}
}

// Orchestrator is the Worker Orchestrator (C8). It owns the user_id->worker
// mapping exclusively (§3 ownership rules); the broker.Pool, history.Store,
// and lifecycle.Manager it wires into each executor remain shared,
// single-writer-per-key collaborators.
type Orchestrator struct {
	mu      sync.Mutex
	workers map[string]*worker   // jobID -> running worker
	queues  map[string]chan Job  // userID -> FIFO queue
	active  map[string]int       // userID -> count of non-terminal jobs

	db           *db.Database
	pool         *broker.Pool
	creds        CredentialProvider
	entitlements Entitlements
	lcMgr        *lifecycle.Manager
	history      history.Store
	bus          *events.Bus
	strategies   *strategy.Registry
	reconEng     *reconciliation.Engine
	execCfg      executor.Config

	wg sync.WaitGroup
}

// New constructs an Orchestrator. reconEng is shared across every executor
// it spawns, the same way the teacher's gateway pool is shared: reconciliation
// has no per-user mutable state of its own.
func New(database *db.Database, pool *broker.Pool, creds CredentialProvider, entitlements Entitlements,
	lcMgr *lifecycle.Manager, hist history.Store, bus *events.Bus, strategies *strategy.Registry,
	reconEng *reconciliation.Engine, execCfg executor.Config) *Orchestrator {
	return &Orchestrator{
		workers:      make(map[string]*worker),
		queues:       make(map[string]chan Job),
		active:       make(map[string]int),
		db:           database,
		pool:         pool,
		creds:        creds,
		entitlements: entitlements,
		lcMgr:        lcMgr,
		history:      hist,
		bus:          bus,
		strategies:   strategies,
		reconEng:     reconEng,
		execCfg:      execCfg,
	}
}

// StartRunner implements §4.9's start_runner RPC: entitlement check, enqueue,
// return immediately with the queued job. A per-user dispatcher goroutine
// pulls it off the queue and builds the executor asynchronously.
func (o *Orchestrator) StartRunner(ctx context.Context, req StartRequest) (Job, error) {
	max, err := o.entitlements.MaxWorkers(ctx, req.UserID)
	if err != nil {
		return Job{}, err
	}

	o.mu.Lock()
	if o.active[req.UserID] >= max {
		o.mu.Unlock()
		return Job{}, errs.New(errs.EntitlementExceeded,
			fmt.Sprintf("user %s already has %d active worker(s), limit %d", req.UserID, o.active[req.UserID], max))
	}
	o.active[req.UserID]++
	o.mu.Unlock()

	job := Job{
		JobID:        uuid.NewString(),
		UserID:       req.UserID,
		StrategyName: req.StrategyName,
		Instrument:   req.Instrument,
		Broker:       req.Broker,
		Environment:  req.Environment,
		Config:       req.Config,
		CreatedAt:    time.Now(),
		State:        JobQueued,
	}
	if err := o.persistJob(ctx, job); err != nil {
		log.Printf("⚠️  orchestrator: job=%s persist failed: %v", job.JobID, err)
	}

	o.queueFor(req.UserID) <- job
	log.Printf("📥 orchestrator: job=%s user=%s strategy=%s queued", job.JobID, job.UserID, job.StrategyName)
	return job, nil
}

// queueFor returns the user's FIFO queue, creating it and its dispatcher
// goroutine on first use. Per §4.9, the queue is FIFO within a user; jobs
// from different users may interleave freely.
func (o *Orchestrator) queueFor(userID string) chan Job {
	o.mu.Lock()
	defer o.mu.Unlock()
	q, ok := o.queues[userID]
	if ok {
		return q
	}
	q = make(chan Job, 16)
	o.queues[userID] = q
	o.wg.Add(1)
	go o.runQueue(userID, q)
	return q
}

func (o *Orchestrator) runQueue(userID string, q chan Job) {
	defer o.wg.Done()
	for job := range q {
		o.dispatch(job)
	}
}

// dispatch builds a broker session, strategy instance, and Executor for a
// queued job and runs it in its own goroutine until Stop or a fatal error.
func (o *Orchestrator) dispatch(job Job) {
	o.setState(job.JobID, JobStarting)

	env := broker.Environment(job.Environment)
	creds, err := o.creds.Credentials(context.Background(), job.UserID, job.Broker, env)
	if err != nil {
		o.fail(job, fmt.Errorf("resolve credentials: %w", err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	session, err := o.pool.Get(ctx, job.UserID, creds, env)
	cancel()
	if err != nil {
		o.fail(job, fmt.Errorf("connect: %w", err))
		return
	}

	strat, err := o.strategies.Build(job.StrategyName)
	if err != nil {
		o.fail(job, err)
		return
	}
	if err := strat.Configure(job.Config); err != nil {
		o.fail(job, fmt.Errorf("configure strategy: %w", err))
		return
	}

	if _, err := o.lcMgr.StartStrategy(job.UserID, job.StrategyName, job.Instrument, job.Broker, job.Environment, job.Config); err != nil {
		o.fail(job, err)
		return
	}

	exec := executor.New(job.UserID, job.Instrument, job.Broker, session, o.lcMgr, o.history, o.bus, strat, o.execCfg).
		WithReconciliationEngine(o.reconEng)

	runCtx, runCancel := context.WithCancel(context.Background())
	w := &worker{job: job, session: session, exec: exec, cancel: runCancel, done: make(chan struct{})}

	o.mu.Lock()
	o.workers[job.JobID] = w
	o.mu.Unlock()

	o.setState(job.JobID, JobRunning)
	o.bus.Publish(events.EventWorkerStarted, job)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer close(w.done)
		if err := exec.Run(runCtx); err != nil {
			log.Printf("❌ orchestrator: job=%s user=%s executor exited: %v", job.JobID, job.UserID, err)
		}

		o.mu.Lock()
		delete(o.workers, job.JobID)
		o.active[job.UserID]--
		o.mu.Unlock()

		o.setState(job.JobID, JobStopped)
		o.bus.Publish(events.EventWorkerStopped, job.JobID)
	}()
}

func (o *Orchestrator) fail(job Job, err error) {
	log.Printf("❌ orchestrator: job=%s user=%s dispatch failed: %v", job.JobID, job.UserID, err)
	o.mu.Lock()
	o.active[job.UserID]--
	o.mu.Unlock()
	job.State = JobFailed
	job.Err = err.Error()
	o.persistJobState(context.Background(), job)
}

// StopRunner implements §4.9's stop_runner RPC. flatten=true additionally
// asks the executor's session to emergency-close any open position before
// the cooperative cancel completes; flatten=false leaves broker state
// untouched (positions and protective orders remain).
func (o *Orchestrator) StopRunner(ctx context.Context, jobID string, flatten bool) error {
	o.mu.Lock()
	w, ok := o.workers[jobID]
	o.mu.Unlock()
	if !ok {
		return fmt.Errorf("orchestrator: no running worker for job %s", jobID)
	}

	o.setState(jobID, JobStopping)

	if flatten {
		if err := o.flatten(ctx, w); err != nil {
			log.Printf("🚨 orchestrator: job=%s flatten failed: %v — manual intervention required", jobID, err)
		}
	}

	w.cancel()
	w.exec.Stop()
	<-w.done

	if _, err := o.lcMgr.StopStrategy(w.job.UserID, false); err != nil {
		return fmt.Errorf("orchestrator: persist stop for job %s: %w", jobID, err)
	}
	return nil
}

// flatten emergency-closes any open position on w's session ahead of a
// cooperative stop, per §4.9's flatten=true contract.
func (o *Orchestrator) flatten(ctx context.Context, w *worker) error {
	positions, err := w.session.GetPositions(ctx, "")
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	bm := bracket.NewManager(w.session)
	for _, p := range positions {
		if p.InstrumentName != w.job.Instrument || p.Size == 0 {
			continue
		}
		// EmergencyClose takes the position's own side and orders the opposite.
		side := p.Side()
		if _, err := bm.EmergencyClose(ctx, p.InstrumentName, side, p.Size, "stop_runner flatten=true"); err != nil {
			return errs.New(errs.EmergencyCloseFailed, err.Error())
		}
	}
	return nil
}

// StopAll implements §4.9's stop_all RPC: issue stop_runner to every worker
// currently running for userID. Best-effort — a single worker's stop failure
// does not block stopping the rest.
func (o *Orchestrator) StopAll(ctx context.Context, userID string, flatten bool) []error {
	o.mu.Lock()
	var ids []string
	for id, w := range o.workers {
		if w.job.UserID == userID {
			ids = append(ids, id)
		}
	}
	o.mu.Unlock()

	var errsOut []error
	for _, id := range ids {
		if err := o.StopRunner(ctx, id, flatten); err != nil {
			errsOut = append(errsOut, err)
		}
	}
	return errsOut
}

// Status implements §4.9's status RPC. An empty userID returns every worker;
// otherwise only that user's.
func (o *Orchestrator) Status(userID string) []Job {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []Job
	for _, w := range o.workers {
		if userID == "" || w.job.UserID == userID {
			out = append(out, w.job)
		}
	}
	return out
}

// ActiveCount reports how many non-terminal jobs a user currently holds,
// exposed for the Health Check (C9) and /strategy/status surfaces.
func (o *Orchestrator) ActiveCount(userID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active[userID]
}

func (o *Orchestrator) setState(jobID string, state JobState) {
	o.persistJobState(context.Background(), Job{JobID: jobID, State: state})
}

func (o *Orchestrator) persistJob(ctx context.Context, job Job) error {
	_, err := o.db.DB.ExecContext(ctx, `
		INSERT INTO worker_jobs (job_id, user_id, strategy_name, instrument, broker, config, state)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET state = excluded.state, updated_at = CURRENT_TIMESTAMP
	`, job.JobID, job.UserID, job.StrategyName, job.Instrument, job.Broker, job.Config, string(job.State))
	return err
}

func (o *Orchestrator) persistJobState(ctx context.Context, job Job) {
	if _, err := o.db.DB.ExecContext(ctx,
		`UPDATE worker_jobs SET state = ?, updated_at = CURRENT_TIMESTAMP WHERE job_id = ?`,
		string(job.State), job.JobID); err != nil {
		log.Printf("⚠️  orchestrator: job=%s state persist failed: %v", job.JobID, err)
	}
}

// Shutdown stops every running worker (flatten=false, broker state untouched)
// and waits for all dispatcher goroutines to exit.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.Lock()
	var ids []string
	for id := range o.workers {
		ids = append(ids, id)
	}
	queues := make([]chan Job, 0, len(o.queues))
	for _, q := range o.queues {
		queues = append(queues, q)
	}
	o.mu.Unlock()

	for _, id := range ids {
		if err := o.StopRunner(ctx, id, false); err != nil {
			log.Printf("⚠️  orchestrator: shutdown stop of job=%s failed: %v", id, err)
		}
	}
	for _, q := range queues {
		close(q)
	}
	o.wg.Wait()
}
