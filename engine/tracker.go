package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arturoeanton/nflow-automate/logger"
	"github.com/bytedance/sonic"
)

// TrackerEntry is one persisted run step.
type TrackerEntry struct {
	RunID      string
	WorkflowID string
	PathIndex  int
	NodeID     string
	Connector  string
	Status     string
	Error      string
	StartedAt  time.Time
	Duration   time.Duration
	Outputs    []byte
}

// StepWriter persists a batch of entries atomically.
type StepWriter interface {
	WriteSteps(ctx context.Context, entries []TrackerEntry) error
}

type TrackerStats struct {
	Processed   int64
	Errors      int64
	Dropped     int64
	BatchCount  int64
	LastProcess time.Time
}

type batchProcessor struct {
	tracker   *Tracker
	batch     []TrackerEntry
	batchSize int
	mutex     sync.Mutex
	ticker    *time.Ticker
}

// Tracker records dispatcher steps in batches. It never blocks a run: when
// the channel is full or the circuit breaker is open, entries are dropped
// and counted.
type Tracker struct {
	writer  StepWriter
	config  TrackerConfig
	entries chan TrackerEntry

	enabled           int32
	circuitBreaker    int32 // 0 = closed, 1 = open
	consecutiveErrors int64

	processed  int64
	errors     int64
	dropped    int64
	batchCount int64
	lastNanos  int64

	workers      sync.WaitGroup
	inflight     sync.WaitGroup
	shutdownChan chan struct{}
	shutdownOnce sync.Once

	maxRetries           int
	retryDelay           time.Duration
	maxConsecutiveErrors int64
	breakerCooldown      time.Duration
}

// NewTracker starts the batch workers. A disabled config yields a tracker
// that drops everything.
func NewTracker(writer StepWriter, config TrackerConfig) *Tracker {
	t := &Tracker{
		writer:               writer,
		config:               config,
		shutdownChan:         make(chan struct{}),
		maxRetries:           3,
		retryDelay:           100 * time.Millisecond,
		maxConsecutiveErrors: 50,
		breakerCooldown:      30 * time.Second,
	}
	if !config.Enabled || writer == nil {
		logger.Info("Tracker is disabled in configuration")
		return t
	}
	atomic.StoreInt32(&t.enabled, 1)

	numWorkers := config.Workers
	if numWorkers <= 0 {
		numWorkers = 4
	}
	bufferSize := config.ChannelBuffer
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	batchSize := config.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	flushInterval := config.FlushInterval
	if flushInterval <= 0 {
		flushInterval = 250
	}

	t.entries = make(chan TrackerEntry, bufferSize)
	if config.VerboseLogging {
		logger.Info("starting step tracker", "workers", numWorkers, "batch_size", batchSize)
	}

	for i := 0; i < numWorkers; i++ {
		bp := &batchProcessor{
			tracker:   t,
			batch:     make([]TrackerEntry, 0, batchSize),
			batchSize: batchSize,
			ticker:    time.NewTicker(time.Duration(flushInterval) * time.Millisecond),
		}
		t.workers.Add(1)
		go bp.start(i)
	}
	go t.monitorCircuitBreaker()
	return t
}

// OnStep implements StepObserver.
func (t *Tracker) OnStep(step Step) {
	if atomic.LoadInt32(&t.enabled) == 0 || t.entries == nil {
		return
	}
	entry := TrackerEntry{
		RunID:      step.RunID,
		WorkflowID: step.WorkflowID,
		PathIndex:  step.PathIndex,
		NodeID:     step.NodeID,
		Connector:  string(step.Connector),
		Status:     string(step.Status),
		StartedAt:  step.Started,
		Duration:   step.Duration,
	}
	if step.Err != nil {
		entry.Error = step.Err.Error()
	}
	if len(step.Outputs) > 0 {
		entry.Outputs, _ = sonic.Marshal(step.Outputs)
	}

	select {
	case <-t.shutdownChan:
		atomic.AddInt64(&t.dropped, 1)
	case t.entries <- entry:
	default:
		atomic.AddInt64(&t.dropped, 1)
	}
}

func (bp *batchProcessor) start(workerID int) {
	t := bp.tracker
	defer t.workers.Done()
	defer bp.ticker.Stop()
	if t.config.VerboseLogging {
		logger.Verbose("tracker worker started", "worker", workerID)
	}

	for {
		select {
		case entry := <-t.entries:
			if atomic.LoadInt32(&t.circuitBreaker) == 1 || atomic.LoadInt32(&t.enabled) == 0 {
				atomic.AddInt64(&t.dropped, 1)
				continue
			}
			bp.addToBatch(entry)

		case <-bp.ticker.C:
			bp.flushBatch()

		case <-t.shutdownChan:
		drain:
			for {
				select {
				case entry := <-t.entries:
					bp.addToBatch(entry)
				default:
					break drain
				}
			}
			bp.flushBatch()
			return
		}
	}
}

func (bp *batchProcessor) addToBatch(entry TrackerEntry) {
	bp.mutex.Lock()
	bp.batch = append(bp.batch, entry)
	batchLen := len(bp.batch)
	bp.mutex.Unlock()

	if batchLen >= bp.batchSize {
		bp.flushBatch()
	}
}

func (bp *batchProcessor) flushBatch() {
	bp.mutex.Lock()
	if len(bp.batch) == 0 {
		bp.mutex.Unlock()
		return
	}
	batchToProcess := make([]TrackerEntry, len(bp.batch))
	copy(batchToProcess, bp.batch)
	bp.batch = bp.batch[:0]
	bp.mutex.Unlock()

	t := bp.tracker
	t.inflight.Add(1)
	go func() {
		defer t.inflight.Done()
		t.processBatch(batchToProcess)
	}()
}

func (t *Tracker) processBatch(batch []TrackerEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	for retry := 0; retry < t.maxRetries; retry++ {
		err = t.writer.WriteSteps(ctx, batch)
		if err == nil {
			break
		}
		time.Sleep(t.retryDelay * time.Duration(1<<retry))
	}

	if err != nil {
		atomic.AddInt64(&t.errors, 1)
		atomic.AddInt64(&t.consecutiveErrors, 1)
		if t.config.VerboseLogging {
			logger.Error("failed to persist tracker batch", "size", len(batch), logger.Err(err))
		}
		return
	}
	atomic.StoreInt64(&t.consecutiveErrors, 0)
	atomic.AddInt64(&t.processed, int64(len(batch)))
	atomic.AddInt64(&t.batchCount, 1)
	atomic.StoreInt64(&t.lastNanos, time.Now().UnixNano())
}

func (t *Tracker) monitorCircuitBreaker() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			errs := atomic.LoadInt64(&t.consecutiveErrors)
			if errs < t.maxConsecutiveErrors {
				continue
			}
			atomic.StoreInt32(&t.circuitBreaker, 1)
			logger.Error("tracker circuit breaker open", "consecutive_errors", errs)

			select {
			case <-time.After(t.breakerCooldown):
			case <-t.shutdownChan:
				return
			}
			atomic.StoreInt32(&t.circuitBreaker, 0)
			atomic.StoreInt64(&t.consecutiveErrors, 0)
			logger.Info("tracker circuit breaker closed")
		case <-t.shutdownChan:
			return
		}
	}
}

func (t *Tracker) IsEnabled() bool {
	return atomic.LoadInt32(&t.enabled) == 1
}

func (t *Tracker) Disable() {
	atomic.StoreInt32(&t.enabled, 0)
}

func (t *Tracker) Enable() {
	if t.entries != nil {
		atomic.StoreInt32(&t.enabled, 1)
	}
}

func (t *Tracker) Stats() TrackerStats {
	stats := TrackerStats{
		Processed:  atomic.LoadInt64(&t.processed),
		Errors:     atomic.LoadInt64(&t.errors),
		Dropped:    atomic.LoadInt64(&t.dropped),
		BatchCount: atomic.LoadInt64(&t.batchCount),
	}
	if nanos := atomic.LoadInt64(&t.lastNanos); nanos > 0 {
		stats.LastProcess = time.Unix(0, nanos)
	}
	return stats
}

// Shutdown flushes queued entries and waits for pending writes.
func (t *Tracker) Shutdown() {
	t.shutdownOnce.Do(func() {
		close(t.shutdownChan)
		t.workers.Wait()
		t.inflight.Wait()

		if t.config.VerboseLogging {
			stats := t.Stats()
			logger.Info("tracker stopped", "processed", stats.Processed, "errors", stats.Errors, "dropped", stats.Dropped)
		}
	})
}
