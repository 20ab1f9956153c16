// Package worker runs one agent: it consumes tasks from the in-process
// queue, heartbeats into the store, serves the task endpoint and fires
// configured schedules.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/panics"

	"github.com/mtzanidakis/agora/internal/capability"
	"github.com/mtzanidakis/agora/internal/config"
	"github.com/mtzanidakis/agora/internal/natsbus"
	"github.com/mtzanidakis/agora/internal/peer"
	"github.com/mtzanidakis/agora/internal/store"
)

var (
	ErrStopped = errors.New("worker stopped")
	ErrNoPeers = errors.New("no peer client configured")
)

type Runtime struct {
	def   config.AgentDefinition
	store *store.Store
	table *capability.Table
	queue *Queue
	peers *peer.Client
	bus   natsbus.Publisher
	log   *slog.Logger
	mux   *http.ServeMux

	instanceID string
	startedAt  time.Time

	cfgMu    sync.RWMutex
	cfg      config.WorkerConfig
	reloadCh chan struct{}

	stateMu sync.RWMutex
	state   string

	shutdown   atomic.Bool
	processed  atomic.Int64
	failed     atomic.Int64
	stale      atomic.Int64
	lastTaskAt atomic.Int64
	// failures since the last successful task
	streak atomic.Int64

	waitMu  sync.Mutex
	waiters map[string][]chan *store.Task

	schedules []*scheduledTask

	cancel       context.CancelFunc
	consumerDone chan struct{}
	wg           sync.WaitGroup
	server       *http.Server
}

type Option func(*Runtime)

func WithPeers(c *peer.Client) Option {
	return func(r *Runtime) { r.peers = c }
}

func WithBus(p natsbus.Publisher) Option {
	return func(r *Runtime) { r.bus = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.log = l }
}

// New registers a fresh instance of the agent in the store with status
// initializing. The error counter of a previous instance is carried over so
// restart loops stay visible to the recovery sweeper.
func New(ctx context.Context, def config.AgentDefinition, cfg config.WorkerConfig, st *store.Store, table *capability.Table, opts ...Option) (*Runtime, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("new worker: agent name is required")
	}
	if cfg.QueueWait <= 0 {
		cfg.QueueWait = time.Second
	}

	r := &Runtime{
		def:        def,
		cfg:        cfg,
		store:      st,
		table:      table,
		queue:      NewQueue(),
		log:        slog.Default(),
		mux:        http.NewServeMux(),
		instanceID: uuid.New().String(),
		startedAt:  st.Now(),
		state:      store.AgentInitializing,
		reloadCh:   make(chan struct{}),
		waiters:    make(map[string][]chan *store.Task),
	}
	for _, opt := range opts {
		opt(r)
	}

	if !table.Has("ping") {
		if err := table.RegisterFunc("ping", r.ping); err != nil {
			return nil, err
		}
	}

	scheds, err := newSchedules(def.Schedules, r.startedAt)
	if err != nil {
		return nil, fmt.Errorf("new worker %s: %w", def.Name, err)
	}
	r.schedules = scheds

	prev, err := st.GetAgentStatus(ctx, def.Name)
	if err != nil {
		return nil, err
	}
	errorsCount := 0
	if prev != nil {
		errorsCount = prev.ErrorsCount
	}

	startedAt := r.startedAt
	if err := st.UpsertAgentStatus(ctx, &store.AgentStatus{
		AgentName:   def.Name,
		AgentID:     r.instanceID,
		Status:      store.AgentInitializing,
		Config:      r.configSnapshot(),
		Metrics:     r.Metrics(),
		ErrorsCount: errorsCount,
		StartedAt:   &startedAt,
	}); err != nil {
		return nil, fmt.Errorf("register worker %s: %w", def.Name, err)
	}

	r.routes()
	return r, nil
}

func (r *Runtime) ping(context.Context, *store.Task) (map[string]any, error) {
	return capability.Success(map[string]any{
		"agent":       r.def.Name,
		"instance_id": r.instanceID,
	}), nil
}

func (r *Runtime) Name() string { return r.def.Name }
func (r *Runtime) InstanceID() string { return r.instanceID }
func (r *Runtime) Table() *capability.Table {
	return r.table
}

func (r *Runtime) State() string {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.state
}

func (r *Runtime) config() config.WorkerConfig {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	return r.cfg
}

// UpdateConfig applies new loop intervals without a restart.
func (r *Runtime) UpdateConfig(cfg config.WorkerConfig) {
	if cfg.QueueWait <= 0 {
		cfg.QueueWait = time.Second
	}
	r.cfgMu.Lock()
	r.cfg = cfg
	old := r.reloadCh
	r.reloadCh = make(chan struct{})
	r.cfgMu.Unlock()
	close(old)
	r.log.Info("worker config reloaded",
		"heartbeat_interval", cfg.HeartbeatInterval,
		"poll_interval", cfg.PollInterval,
	)
}

func (r *Runtime) reloaded() <-chan struct{} {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	return r.reloadCh
}

// Start marks the agent running, re-queues its pending rows and launches the
// consumer, heartbeat, poll and schedule loops plus the HTTP endpoint when a
// port is configured.
func (r *Runtime) Start(ctx context.Context) error {
	var ln net.Listener
	if r.def.Port > 0 {
		var err error
		ln, err = net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(r.def.Port)))
		if err != nil {
			return fmt.Errorf("listen for %s: %w", r.def.Name, err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	if err := r.setState(runCtx, store.AgentRunning); err != nil {
		cancel()
		if ln != nil {
			ln.Close()
		}
		return err
	}

	r.reload(runCtx)

	r.consumerDone = make(chan struct{})
	go func() {
		defer close(r.consumerDone)
		r.consume(runCtx)
	}()

	r.wg.Add(3)
	go func() {
		defer r.wg.Done()
		r.every(runCtx, func(c config.WorkerConfig) time.Duration { return c.HeartbeatInterval }, r.heartbeat)
	}()
	go func() {
		defer r.wg.Done()
		r.every(runCtx, func(c config.WorkerConfig) time.Duration { return c.PollInterval }, r.reload)
	}()
	go func() {
		defer r.wg.Done()
		if len(r.schedules) == 0 {
			return
		}
		r.every(runCtx, func(c config.WorkerConfig) time.Duration { return c.ScheduleInterval }, func(ctx context.Context) {
			r.fireDue(ctx, r.store.Now())
		})
	}()

	if ln != nil {
		r.server = &http.Server{Handler: r.mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := r.server.Serve(ln); err != nil && err != http.ErrServerClosed {
				r.log.Error("worker http server failed", "error", err)
			}
		}()
	}

	r.log.Info("worker started",
		"instance_id", r.instanceID,
		"port", r.def.Port,
		"task_types", r.table.Types(),
	)
	return nil
}

// every runs fn on a ticker whose interval is re-read on config reload. A
// zero interval disables the loop until the next reload.
func (r *Runtime) every(ctx context.Context, interval func(config.WorkerConfig) time.Duration, fn func(context.Context)) {
	for {
		d := interval(r.config())
		reload := r.reloaded()

		var tick <-chan time.Time
		var ticker *time.Ticker
		if d > 0 {
			ticker = time.NewTicker(d)
			tick = ticker.C
		}

	inner:
		for {
			select {
			case <-ctx.Done():
				if ticker != nil {
					ticker.Stop()
				}
				return
			case <-reload:
				break inner
			case <-tick:
				fn(ctx)
			}
		}
		if ticker != nil {
			ticker.Stop()
		}
	}
}

// Stop lets the in-flight task finish (bounded by the shutdown timeout),
// stops every loop, marks the agent stopped and runs the capability cleanup
// hooks.
func (r *Runtime) Stop(ctx context.Context) error {
	if !r.shutdown.CompareAndSwap(false, true) {
		return nil
	}
	r.queue.Close()

	timeout := r.config().ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if r.consumerDone != nil {
		select {
		case <-r.consumerDone:
		case <-time.After(timeout):
			r.log.Warn("in-flight task did not finish before shutdown timeout")
		}
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()

	r.failWaiters()

	if r.server != nil {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		if err := r.server.Shutdown(sctx); err != nil {
			r.log.Warn("worker http shutdown", "error", err)
		}
		cancel()
	}

	var errs []error
	if err := r.setState(context.WithoutCancel(ctx), store.AgentStopped); err != nil {
		errs = append(errs, err)
	}
	if err := r.table.Cleanup(); err != nil {
		errs = append(errs, fmt.Errorf("capability cleanup: %w", err))
	}
	r.log.Info("worker stopped", "processed", r.processed.Load(), "failed", r.failed.Load())
	return errors.Join(errs...)
}

// MarkError flags the agent as unhealthy. It keeps heartbeating so the
// sweeper can tell an erroring agent from a dead one.
func (r *Runtime) MarkError(ctx context.Context, cause error) {
	r.log.Error("worker marked as error", "error", cause)
	if err := r.setState(ctx, store.AgentError); err != nil {
		r.log.Error("failed to record error state", "error", err)
	}
}

// noteFailure moves a running agent to the error state once the failure
// streak reaches the configured threshold.
func (r *Runtime) noteFailure(ctx context.Context, cause error) {
	n := r.streak.Add(1)
	limit := r.config().ErrorThreshold
	if limit <= 0 || n < int64(limit) || r.State() != store.AgentRunning {
		return
	}
	r.MarkError(ctx, fmt.Errorf("%d consecutive task failures, last: %w", n, cause))
}

// noteSuccess ends the failure streak and brings an erroring agent back to
// running.
func (r *Runtime) noteSuccess(ctx context.Context) {
	r.streak.Store(0)
	if r.State() != store.AgentError || r.shutdown.Load() {
		return
	}
	if err := r.setState(ctx, store.AgentRunning); err != nil {
		r.log.Error("failed to leave error state", "error", err)
		return
	}
	r.log.Info("worker recovered from error state")
}

func (r *Runtime) setState(ctx context.Context, status string) error {
	if err := r.store.SetAgentState(ctx, r.def.Name, status); err != nil {
		return fmt.Errorf("set %s state %s: %w", r.def.Name, status, err)
	}
	r.stateMu.Lock()
	r.state = status
	r.stateMu.Unlock()
	if r.bus != nil {
		if err := natsbus.PublishAgent(r.bus, r.def.Name, status, map[string]any{"instance_id": r.instanceID}); err != nil {
			r.log.Debug("publish agent event failed", "error", err)
		}
	}
	return nil
}

func (r *Runtime) heartbeat(ctx context.Context) {
	if err := r.store.TouchHeartbeat(ctx, r.def.Name, r.Metrics()); err != nil {
		r.log.Warn("heartbeat failed", "error", err)
	}
}

// reload claims unowned pending rows of this agent's exact task types and
// enqueues its pending rows not already queued.
func (r *Runtime) reload(ctx context.Context) {
	tasks, err := r.store.ClaimPendingTasks(ctx, r.def.Name, r.table.Claimable(), 100)
	if err != nil {
		r.log.Error("failed to load pending tasks", "error", err)
		return
	}
	enqueued := 0
	for i := range tasks {
		t := tasks[i]
		ok, err := r.queue.Push(&t)
		if err != nil {
			return
		}
		if ok {
			enqueued++
		}
	}
	if enqueued > 0 {
		r.log.Info("enqueued pending tasks", "count", enqueued)
	}
}

func (r *Runtime) consume(ctx context.Context) {
	for !r.shutdown.Load() {
		t, ok := r.queue.Pop(ctx, r.config().QueueWait)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		r.process(ctx, t)
	}
}

func (r *Runtime) process(ctx context.Context, t *store.Task) {
	log := r.log.With("task_id", t.ID, "task_type", t.TaskType)

	token, err := r.store.StartTask(ctx, t.ID, r.def.Name)
	if errors.Is(err, store.ErrNotClaimable) {
		log.Debug("task no longer claimable, skipping")
		r.settleFromStore(ctx, t.ID)
		return
	}
	if err != nil {
		// Row stays pending, the poll loop re-queues it.
		log.Error("failed to mark task processing", "error", err)
		return
	}
	t.AgentName = r.def.Name
	t.Status = store.TaskProcessing
	t.Attempts++
	r.publishTask(t)

	result, herr := r.invoke(ctx, t)

	// Record the outcome even if shutdown cancelled ctx meanwhile.
	wctx := context.WithoutCancel(ctx)
	status := store.TaskCompleted
	if herr != nil {
		status = store.TaskFailed
		result = capability.Failure(herr)
		r.failed.Add(1)
		n, err := r.store.IncrementAgentErrors(wctx, r.def.Name)
		if err != nil {
			log.Error("failed to count handler error", "error", err)
		}
		log.Error("task failed", "error", herr, "errors_count", n)
		r.noteFailure(wctx, herr)
	} else {
		if result == nil {
			result = map[string]any{}
		}
		if _, ok := result["status"]; !ok {
			result["status"] = "success"
		}
		r.processed.Add(1)
		r.noteSuccess(wctx)
	}
	r.lastTaskAt.Store(r.store.Now().UnixMilli())

	ok, err := r.store.FinishTask(wctx, t.ID, token, result, status)
	switch {
	case err != nil:
		log.Error("failed to record task result", "error", err)
	case !ok:
		r.stale.Add(1)
		log.Warn("discarding stale completion, task was reassigned")
	default:
		log.Debug("task finished", "status", status)
	}

	t.Status = status
	t.Result = result
	t.LeaseToken = ""
	r.publishTask(t)
	r.resolve(t)
}

func (r *Runtime) invoke(ctx context.Context, t *store.Task) (map[string]any, error) {
	h, err := r.table.Lookup(t.TaskType)
	if err != nil {
		return nil, err
	}

	var (
		result  map[string]any
		herr    error
		catcher panics.Catcher
	)
	catcher.Try(func() {
		result, herr = h.Handle(ctx, t)
	})
	if rec := catcher.Recovered(); rec != nil {
		return nil, fmt.Errorf("handler panic: %w", rec.AsError())
	}
	return result, herr
}

// AddTask persists t as pending for this agent and enqueues it. It is the
// only way work enters the consumer loop.
func (r *Runtime) AddTask(ctx context.Context, t *store.Task) (*store.Task, error) {
	if r.shutdown.Load() {
		return nil, ErrStopped
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	t.AgentName = r.def.Name
	t.Status = store.TaskPending
	t.Result = nil
	t.LeaseToken = ""

	if err := r.store.CreateOrUpdateTask(ctx, t); err != nil {
		return nil, fmt.Errorf("add task: %w", err)
	}
	if _, err := r.queue.Push(t); err != nil {
		// Persisted; the next start picks it up.
		return t, ErrStopped
	}
	r.publishTask(t)
	return t, nil
}

// Submit runs t through AddTask and waits for its terminal state. Submitting
// an id that already exists attaches to that task instead of re-running it.
func (r *Runtime) Submit(ctx context.Context, t *store.Task) (*store.Task, error) {
	if t.ID != "" {
		existing, err := r.store.GetTask(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			if existing.Terminal() {
				return existing, nil
			}
			ch := r.wait(t.ID)
			if existing.Status == store.TaskPending && (existing.AgentName == r.def.Name || existing.AgentName == "") {
				_, _ = r.queue.Push(existing)
			}
			return r.await(ctx, t.ID, ch)
		}
	} else {
		t.ID = uuid.New().String()
	}

	ch := r.wait(t.ID)
	if _, err := r.AddTask(ctx, t); err != nil {
		r.unwait(t.ID, ch)
		return nil, err
	}
	return r.await(ctx, t.ID, ch)
}

// SubmitTaskTo sends a task to another agent and returns its result.
func (r *Runtime) SubmitTaskTo(ctx context.Context, agentName, taskType string, data map[string]any) (map[string]any, error) {
	if r.peers == nil {
		return nil, ErrNoPeers
	}
	return r.peers.Submit(ctx, agentName, peer.Request{
		ID:       uuid.New().String(),
		TaskType: taskType,
		Data:     data,
		Sender:   r.def.Name,
	})
}

func (r *Runtime) wait(id string) chan *store.Task {
	ch := make(chan *store.Task, 1)
	r.waitMu.Lock()
	r.waiters[id] = append(r.waiters[id], ch)
	r.waitMu.Unlock()
	return ch
}

func (r *Runtime) unwait(id string, ch chan *store.Task) {
	r.waitMu.Lock()
	defer r.waitMu.Unlock()
	list := r.waiters[id]
	for i, c := range list {
		if c == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(r.waiters, id)
	} else {
		r.waiters[id] = list
	}
}

func (r *Runtime) await(ctx context.Context, id string, ch chan *store.Task) (*store.Task, error) {
	select {
	case t := <-ch:
		if t == nil {
			return nil, ErrStopped
		}
		return t, nil
	case <-ctx.Done():
		r.unwait(id, ch)
		return nil, ctx.Err()
	}
}

func (r *Runtime) resolve(t *store.Task) {
	r.waitMu.Lock()
	list := r.waiters[t.ID]
	delete(r.waiters, t.ID)
	r.waitMu.Unlock()

	for _, ch := range list {
		cp := *t
		ch <- &cp
	}
}

func (r *Runtime) settleFromStore(ctx context.Context, id string) {
	t, err := r.store.GetTask(ctx, id)
	if err != nil || t == nil || !t.Terminal() {
		return
	}
	r.resolve(t)
}

func (r *Runtime) failWaiters() {
	r.waitMu.Lock()
	all := r.waiters
	r.waiters = make(map[string][]chan *store.Task)
	r.waitMu.Unlock()

	for _, list := range all {
		for _, ch := range list {
			ch <- nil
		}
	}
}

func (r *Runtime) publishTask(t *store.Task) {
	if r.bus == nil {
		return
	}
	var data map[string]any
	if t.Status == store.TaskFailed {
		data = map[string]any{"error": t.Result["error"]}
	}
	if err := natsbus.PublishTask(r.bus, r.def.Name, t.ID, t.TaskType, t.Status, data); err != nil {
		r.log.Debug("publish task event failed", "error", err)
	}
}

// Metrics returns the snapshot written with every heartbeat.
func (r *Runtime) Metrics() map[string]any {
	m := map[string]any{
		"instance_id":       r.instanceID,
		"tasks_processed":   r.processed.Load(),
		"tasks_failed":      r.failed.Load(),
		"failure_streak":    r.streak.Load(),
		"stale_completions": r.stale.Load(),
		"queue_length":      r.queue.Len(),
		"uptime_seconds":    int64(r.store.Now().Sub(r.startedAt).Seconds()),
	}
	if ms := r.lastTaskAt.Load(); ms > 0 {
		m["last_task_at"] = time.UnixMilli(ms).UTC().Format(time.RFC3339)
	}
	return m
}

func (r *Runtime) configSnapshot() map[string]any {
	scheds := make([]string, 0, len(r.schedules))
	for _, s := range r.schedules {
		scheds = append(scheds, s.cfg.Name+": "+s.sched.String())
	}
	return map[string]any{
		"host":       r.def.Host,
		"port":       r.def.Port,
		"keywords":   r.def.Keywords,
		"task_types": r.table.Types(),
		"schedules":  scheds,
	}
}
