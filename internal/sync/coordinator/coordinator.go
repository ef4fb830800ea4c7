// Package coordinator composes the offline queue, the entity state tracker,
// the optimistic ledger and the conflict resolver behind the single surface
// the application talks to.
package coordinator

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kimhsiao/chatsync/backend/internal/clock"
	apperrors "github.com/kimhsiao/chatsync/backend/internal/errors"
	"github.com/kimhsiao/chatsync/backend/internal/logging"
	"github.com/kimhsiao/chatsync/backend/internal/models"
	"github.com/kimhsiao/chatsync/backend/internal/network"
	"github.com/kimhsiao/chatsync/backend/internal/storage"
	"github.com/kimhsiao/chatsync/backend/internal/sync/conflict"
	"github.com/kimhsiao/chatsync/backend/internal/sync/optimistic"
	"github.com/kimhsiao/chatsync/backend/internal/sync/queue"
	"github.com/kimhsiao/chatsync/backend/internal/sync/remote"
	"github.com/kimhsiao/chatsync/backend/internal/sync/state"
)

// DefaultPeriodicInterval is how often the queue is drained while online.
const DefaultPeriodicInterval = 30 * time.Second

// Deps are the collaborators of a Coordinator. Only Remote is required.
type Deps struct {
	Remote remote.Writer
	// Network defaults to a monitor that is always online.
	Network network.Signal
	// Store persists the queue; nil keeps it in memory.
	Store storage.Store
	Clock clock.Clock
}

// Option configures a Coordinator.
type Option func(*config)

type config struct {
	interval   time.Duration
	strategies map[models.EntityType]conflict.ResolutionStrategy
	policies   map[models.Priority]queue.RetryPolicy
	storageKey string
	jitter     func() float64
	limiter    *rate.Limiter
	executor   func(func())
	resolver   []conflict.Option
}

// WithPeriodicInterval sets the periodic drain interval.
func WithPeriodicInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithStrategy sets the conflict strategy for an entity type.
func WithStrategy(t models.EntityType, s conflict.ResolutionStrategy) Option {
	return func(c *config) { c.strategies[t] = s }
}

// WithRetryPolicies overrides queue retry policies per priority.
func WithRetryPolicies(p map[models.Priority]queue.RetryPolicy) Option {
	return func(c *config) { c.policies = p }
}

// WithStorageKey sets the key the queue snapshot is stored under.
func WithStorageKey(key string) Option {
	return func(c *config) { c.storageKey = key }
}

// WithJitter sets the retry jitter source.
func WithJitter(r func() float64) Option {
	return func(c *config) { c.jitter = r }
}

// WithWriteLimit paces remote writes to perSecond with the given burst.
// A non-positive rate disables pacing.
func WithWriteLimit(perSecond float64, burst int) Option {
	return func(c *config) {
		if perSecond <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithExecutor sets how background drains are started. The default runs
// them on tracked goroutines; tests pass an inline executor.
func WithExecutor(run func(func())) Option {
	return func(c *config) { c.executor = run }
}

// WithResolverOptions passes options to the conflict resolver.
func WithResolverOptions(opts ...conflict.Option) Option {
	return func(c *config) { c.resolver = append(c.resolver, opts...) }
}

// DefaultStrategies returns the conflict strategy used per entity type.
func DefaultStrategies() map[models.EntityType]conflict.ResolutionStrategy {
	return map[models.EntityType]conflict.ResolutionStrategy{
		models.EntityChat:    conflict.ResolutionStrategyLastWriteWins,
		models.EntityMessage: conflict.ResolutionStrategyLastWriteWins,
		models.EntityUser:    conflict.ResolutionStrategyMerge,
	}
}

// failedOp is an item that left the queue after exhausting its retries.
type failedOp struct {
	item queue.Item
	err  error
}

// deferredOp is a change waiting on a manual conflict decision.
type deferredOp struct {
	op            Operation
	entityID      string
	remoteVersion int64
}

// Coordinator is the offline sync manager. Construct one per session with New.
type Coordinator struct {
	remote   remote.Writer
	network  network.Signal
	clock    clock.Clock
	queue    *queue.Queue
	tracker  *state.Tracker
	ledger   *optimistic.Ledger[models.Record]
	resolver *conflict.Resolver
	events   *emitter
	limiter  *rate.Limiter

	interval   time.Duration
	strategies map[models.EntityType]conflict.ResolutionStrategy
	executor   func(func())

	mu       sync.Mutex
	aliases  map[string]string
	failed   map[string][]failedOp
	deferred map[string]deferredOp
	periodic clock.Timer
	tick     uint64
	writing  int
	rerun    bool
	started  bool
	closed   bool
	unsubs   []func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires a Coordinator. It does not touch the network or the store
// until Start is called.
func New(deps Deps, opts ...Option) *Coordinator {
	cfg := &config{
		interval:   DefaultPeriodicInterval,
		strategies: DefaultStrategies(),
		limiter:    rate.NewLimiter(rate.Inf, 0),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	sig := deps.Network
	if sig == nil {
		sig = network.NewMonitor()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		remote:     deps.Remote,
		network:    sig,
		clock:      clk,
		tracker:    state.NewTracker(clk),
		ledger:     optimistic.NewLedger[models.Record](clk),
		resolver:   conflict.NewResolver(append([]conflict.Option{conflict.WithClock(clk)}, cfg.resolver...)...),
		events:     newEmitter(),
		limiter:    cfg.limiter,
		interval:   cfg.interval,
		strategies: cfg.strategies,
		aliases:    make(map[string]string),
		failed:     make(map[string][]failedOp),
		deferred:   make(map[string]deferredOp),
		ctx:        ctx,
		cancel:     cancel,
	}

	c.executor = cfg.executor
	if c.executor == nil {
		c.executor = func(f func()) {
			c.wg.Add(1)
			go func() {
				defer c.wg.Done()
				f()
			}()
		}
	}

	qopts := []queue.Option{
		queue.WithClock(clk),
		queue.WithReadyCheck(c.isOnline),
	}
	if deps.Store != nil {
		qopts = append(qopts, queue.WithStore(deps.Store))
	}
	if cfg.storageKey != "" {
		qopts = append(qopts, queue.WithStorageKey(cfg.storageKey))
	}
	if cfg.policies != nil {
		qopts = append(qopts, queue.WithPolicies(cfg.policies))
	}
	if cfg.jitter != nil {
		qopts = append(qopts, queue.WithJitter(cfg.jitter))
	}
	c.queue = queue.New(qopts...)

	c.tracker.SetConnection(sig.Status().Online)
	return c
}

// Start restores the persisted queue, follows the network signal and, when
// online, drains the queue and starts periodic sync. It returns the number
// of restored items.
func (c *Coordinator) Start(ctx context.Context) (int, error) {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return 0, nil
	}
	c.started = true
	c.mu.Unlock()

	restored, err := c.queue.Load(ctx)
	if err != nil {
		logging.Warn("Queue snapshot unavailable, continuing in memory", map[string]interface{}{
			"error": err.Error(),
		})
	}
	for _, it := range c.queue.Items() {
		c.tracker.MarkPending(c.resolveID(it.EntityKey()), it.EntityType)
	}

	unsubs := []func(){
		c.queue.OnItemFailed(c.onItemFailed),
		c.network.Subscribe(c.onNetworkChange),
		c.tracker.Subscribe(func(g state.GlobalState) {
			c.events.emit(Event{Type: EventStatusChanged, Time: c.clock.Now(), Global: &g})
		}),
	}
	c.mu.Lock()
	c.unsubs = append(c.unsubs, unsubs...)
	c.mu.Unlock()

	online := c.isOnline()
	c.tracker.SetConnection(online)

	logging.Info("Sync coordinator started", map[string]interface{}{
		"restored_items": restored,
		"online":         online,
	})

	if online {
		c.StartPeriodicSync()
		c.kick()
	}
	return restored, err
}

// Close stops periodic sync and retry timers, unsubscribes from the
// network and waits for background drains. Queued items stay persisted.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	unsubs := c.unsubs
	c.unsubs = nil
	c.mu.Unlock()

	c.StopPeriodicSync()
	for _, u := range unsubs {
		u()
	}
	c.queue.Close()
	c.cancel()
	c.wg.Wait()

	logging.Info("Sync coordinator stopped", nil)
}

// Clear wipes all sync state, e.g. on logout. It refuses while a drain
// pass, a retry attempt or a direct write is running. Optimistic entries
// are dropped without rollback.
func (c *Coordinator) Clear(ctx context.Context) error {
	c.mu.Lock()
	writing := c.writing
	c.mu.Unlock()
	if writing > 0 || !c.queue.ClearIdle(ctx) {
		return apperrors.New(apperrors.ErrSyncBusy, "cannot clear while a sync is in flight")
	}

	c.ledger.Clear()
	c.resolver.Clear()
	c.tracker.Clear()

	c.mu.Lock()
	c.aliases = make(map[string]string)
	c.failed = make(map[string][]failedOp)
	c.deferred = make(map[string]deferredOp)
	c.mu.Unlock()

	logging.Info("Sync state cleared", nil)
	return nil
}

// Subscribe registers fn for every event and returns an unsubscribe function.
func (c *Coordinator) Subscribe(fn func(Event)) func() {
	return c.events.subscribe(fn)
}

// Queue exposes the operation queue for inspection.
func (c *Coordinator) Queue() *queue.Queue { return c.queue }

// Tracker exposes the entity state tracker for inspection.
func (c *Coordinator) Tracker() *state.Tracker { return c.tracker }

// Ledger exposes the optimistic ledger for inspection.
func (c *Coordinator) Ledger() *optimistic.Ledger[models.Record] { return c.ledger }

// Resolver exposes the conflict resolver for inspection.
func (c *Coordinator) Resolver() *conflict.Resolver { return c.resolver }

func (c *Coordinator) isOnline() bool {
	return c.network.Status().Online
}

func (c *Coordinator) onNetworkChange(s network.Status) {
	c.tracker.SetConnection(s.Online)
	if s.Online {
		logging.Info("Network online, draining queue", map[string]interface{}{
			"queued": c.queue.Len(),
		})
		c.events.emit(Event{Type: EventNetworkOnline, Time: c.clock.Now()})
		c.StartPeriodicSync()
		c.kick()
		return
	}
	logging.Info("Network offline, pausing sync", map[string]interface{}{
		"queued": c.queue.Len(),
	})
	c.StopPeriodicSync()
	c.events.emit(Event{Type: EventNetworkOffline, Time: c.clock.Now()})
}

// kick starts a background drain when online.
func (c *Coordinator) kick() {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed || !c.isOnline() {
		return
	}
	c.executor(func() { c.ProcessQueue(c.ctx) })
}

// resolveID maps a temp id to its server id once the create is confirmed.
func (c *Coordinator) resolveID(id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if real, ok := c.aliases[id]; ok {
		return real
	}
	return id
}

func (c *Coordinator) strategyFor(t models.EntityType) conflict.ResolutionStrategy {
	if s, ok := c.strategies[t]; ok && s.Valid() {
		return s
	}
	return conflict.ResolutionStrategyLastWriteWins
}
