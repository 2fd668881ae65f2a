package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/safe-mcp/gateway/internal/domain/audit"
)

// AuditService decouples verdict recording from the inspection hot
// path. Records go into a buffered queue and a background worker
// batches them into the store.
type AuditService struct {
	store  audit.AuditStore
	queue  chan audit.AuditRecord
	wg     sync.WaitGroup
	logger *slog.Logger

	batchSize     int
	flushInterval time.Duration

	queueCapacity int
	// sendTimeout bounds how long Record may block when the queue is
	// full. Zero means drop without waiting.
	sendTimeout time.Duration
	dropCount   atomic.Int64

	// warningThreshold is a queue depth percentage; crossing it logs a
	// rate-limited warning.
	warningThreshold int
	lastWarning      atomic.Int64

	// fastFlushThreshold is the depth percentage above which the
	// worker flushes eagerly and quarters its ticker interval.
	fastFlushThreshold int
}

// AuditOption configures AuditService.
type AuditOption func(*AuditService)

// WithBatchSize sets how many records accumulate before a write.
func WithBatchSize(size int) AuditOption {
	return func(s *AuditService) {
		s.batchSize = size
	}
}

// WithFlushInterval sets the periodic flush cadence.
func WithFlushInterval(interval time.Duration) AuditOption {
	return func(s *AuditService) {
		s.flushInterval = interval
	}
}

// WithChannelSize sets the queue capacity.
func WithChannelSize(size int) AuditOption {
	return func(s *AuditService) {
		s.queue = make(chan audit.AuditRecord, size)
		s.queueCapacity = size
	}
}

// WithSendTimeout sets how long Record blocks on a full queue before
// dropping. Zero drops immediately.
func WithSendTimeout(timeout time.Duration) AuditOption {
	return func(s *AuditService) {
		s.sendTimeout = timeout
	}
}

// WithWarningThreshold sets the queue depth percentage that triggers
// a capacity warning.
func WithWarningThreshold(percent int) AuditOption {
	return func(s *AuditService) {
		s.warningThreshold = clampPercent(percent)
	}
}

// WithAdaptiveFlushThreshold sets the queue depth percentage above
// which the worker flushes early. Zero disables the behavior.
func WithAdaptiveFlushThreshold(percent int) AuditOption {
	return func(s *AuditService) {
		s.fastFlushThreshold = clampPercent(percent)
	}
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// NewAuditService creates an AuditService writing to store.
func NewAuditService(store audit.AuditStore, logger *slog.Logger, opts ...AuditOption) *AuditService {
	const defaultCapacity = 1000
	s := &AuditService{
		store:              store,
		queue:              make(chan audit.AuditRecord, defaultCapacity),
		logger:             logger,
		batchSize:          100,
		flushInterval:      time.Second,
		queueCapacity:      defaultCapacity,
		sendTimeout:        100 * time.Millisecond,
		warningThreshold:   80,
		fastFlushThreshold: 80,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start launches the background flush worker.
func (s *AuditService) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.worker(ctx)
}

// Record enqueues a record for the worker. A full queue applies
// backpressure for at most sendTimeout, after which the record is
// dropped and counted rather than stalling inspection.
func (s *AuditService) Record(record audit.AuditRecord) {
	if s.warningThreshold > 0 {
		depth := len(s.queue)
		if depth >= s.queueCapacity*s.warningThreshold/100 {
			s.warnQueueDepth(depth)
		}
	}

	select {
	case s.queue <- record:
		return
	default:
	}

	if s.sendTimeout <= 0 {
		s.noteDrop(record)
		return
	}

	select {
	case s.queue <- record:
	case <-time.After(s.sendTimeout):
		s.noteDrop(record)
	}
}

func (s *AuditService) noteDrop(record audit.AuditRecord) {
	drops := s.dropCount.Add(1)
	s.logger.Warn("audit record dropped",
		"tool", record.ToolName,
		"session", record.SessionID,
		"total_drops", drops,
	)
}

// warnQueueDepth logs at most once per second, claiming the slot with
// a CAS so concurrent callers don't stack warnings.
func (s *AuditService) warnQueueDepth(depth int) {
	now := time.Now().UnixNano()
	last := s.lastWarning.Load()
	if now-last < int64(time.Second) {
		return
	}
	if s.lastWarning.CompareAndSwap(last, now) {
		s.logger.Warn("audit queue approaching capacity",
			"depth", depth,
			"capacity", s.queueCapacity,
			"percent", depth*100/s.queueCapacity,
		)
	}
}

// DroppedRecords returns how many records were shed under pressure.
func (s *AuditService) DroppedRecords() int64 {
	return s.dropCount.Load()
}

// ChannelDepth returns the current queue depth.
func (s *AuditService) ChannelDepth() int {
	return len(s.queue)
}

// ChannelCapacity returns the queue capacity.
func (s *AuditService) ChannelCapacity() int {
	return s.queueCapacity
}

// Stop closes the queue and waits for the worker to flush what
// remains.
func (s *AuditService) Stop() {
	close(s.queue)
	s.wg.Wait()
}

// underPressure reports whether queue depth crossed the fast-flush
// threshold.
func (s *AuditService) underPressure() bool {
	if s.fastFlushThreshold <= 0 {
		return false
	}
	return len(s.queue)*100/s.queueCapacity >= s.fastFlushThreshold
}

func (s *AuditService) worker(ctx context.Context) {
	defer s.wg.Done()

	batch := make([]audit.AuditRecord, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	fastMode := false

	for {
		select {
		case record, ok := <-s.queue:
			if !ok {
				s.finalFlush(batch)
				return
			}
			batch = append(batch, record)

			if len(batch) >= s.batchSize || s.underPressure() {
				s.flush(ctx, batch)
				batch = batch[:0]
			}

			// Quarter the ticker while the queue is backed up, restore
			// it once depth recovers.
			if pressured := s.underPressure(); pressured != fastMode {
				fastMode = pressured
				interval := s.flushInterval
				if fastMode {
					interval /= 4
				}
				ticker.Reset(interval)
				s.logger.Debug("audit flush cadence changed",
					"fast_mode", fastMode,
					"interval", interval,
				)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			// Drain whatever Record managed to enqueue, then flush on
			// a fresh deadline since ctx is already dead.
			for record := range s.queue {
				batch = append(batch, record)
			}
			s.finalFlush(batch)
			return
		}
	}
}

// finalFlush writes the remaining batch with a bounded deadline.
func (s *AuditService) finalFlush(batch []audit.AuditRecord) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.flush(ctx, batch)
}

// flush writes a batch to the store. Failures are logged and
// swallowed; auditing must never fail a proxied call.
func (s *AuditService) flush(ctx context.Context, batch []audit.AuditRecord) {
	if err := s.store.Append(ctx, batch...); err != nil {
		s.logger.Error("failed to write audit batch",
			"error", err,
			"count", len(batch),
		)
	}
}
