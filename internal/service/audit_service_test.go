package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/safe-mcp/gateway/internal/domain/audit"
)

// slowAuditStore stalls every append to build backpressure.
type slowAuditStore struct {
	delay time.Duration
}

func (m *slowAuditStore) Append(ctx context.Context, records ...audit.AuditRecord) error {
	time.Sleep(m.delay)
	return nil
}

func (m *slowAuditStore) Flush(ctx context.Context) error { return nil }
func (m *slowAuditStore) Close() error                    { return nil }

// countingAuditStore counts append batches.
type countingAuditStore struct {
	mu      sync.Mutex
	batches int
	records int
}

func (m *countingAuditStore) Append(ctx context.Context, records ...audit.AuditRecord) error {
	m.mu.Lock()
	m.batches++
	m.records += len(records)
	m.mu.Unlock()
	return nil
}

func (m *countingAuditStore) Flush(ctx context.Context) error { return nil }
func (m *countingAuditStore) Close() error                    { return nil }

func (m *countingAuditStore) counts() (batches, records int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batches, m.records
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAuditServiceDropsWhenQueueStaysFull(t *testing.T) {
	defer goleak.VerifyNone(t)

	svc := NewAuditService(&slowAuditStore{delay: 50 * time.Millisecond}, discardLogger(),
		WithChannelSize(2),
		WithSendTimeout(10*time.Millisecond),
		WithBatchSize(1),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	for i := 0; i < 10; i++ {
		svc.Record(audit.AuditRecord{ToolName: fmt.Sprintf("tool_%d", i), Timestamp: time.Now()})
	}
	time.Sleep(150 * time.Millisecond)

	if svc.DroppedRecords() == 0 {
		t.Error("expected drops with a 2-slot queue and 10 records")
	}
	if svc.ChannelCapacity() != 2 {
		t.Errorf("capacity = %d, want 2", svc.ChannelCapacity())
	}

	cancel()
	svc.Stop()
}

func TestAuditServiceWarnsOnQueueDepth(t *testing.T) {
	defer goleak.VerifyNone(t)

	var logBuf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logBuf, nil))

	svc := NewAuditService(&slowAuditStore{delay: 100 * time.Millisecond}, logger,
		WithChannelSize(10),
		WithWarningThreshold(80),
		WithSendTimeout(0),
	)

	// No worker running; fill to 90% by hand.
	for i := 0; i < 9; i++ {
		select {
		case svc.queue <- audit.AuditRecord{ToolName: fmt.Sprintf("tool_%d", i)}:
		default:
			t.Fatalf("queue full at %d", i)
		}
	}

	svc.Record(audit.AuditRecord{ToolName: "trigger"})

	if !strings.Contains(logBuf.String(), "approaching capacity") {
		t.Errorf("no capacity warning in log: %s", logBuf.String())
	}

	close(svc.queue)
	for range svc.queue {
	}
}

func TestAuditServiceCountsImmediateDrops(t *testing.T) {
	defer goleak.VerifyNone(t)

	svc := NewAuditService(&slowAuditStore{delay: time.Second}, discardLogger(),
		WithChannelSize(1),
		WithSendTimeout(0),
		WithBatchSize(1),
	)

	if svc.DroppedRecords() != 0 {
		t.Errorf("initial drops = %d", svc.DroppedRecords())
	}

	svc.queue <- audit.AuditRecord{ToolName: "fill"}

	for i := 0; i < 3; i++ {
		svc.Record(audit.AuditRecord{ToolName: fmt.Sprintf("drop_%d", i)})
	}
	if svc.DroppedRecords() != 3 {
		t.Errorf("drops = %d, want 3", svc.DroppedRecords())
	}

	close(svc.queue)
	for range svc.queue {
	}
}

func TestAuditServiceDropCountIsRaceSafe(t *testing.T) {
	defer goleak.VerifyNone(t)

	svc := NewAuditService(&slowAuditStore{delay: time.Second}, discardLogger(),
		WithChannelSize(1),
		WithSendTimeout(0),
		WithBatchSize(1),
	)
	svc.queue <- audit.AuditRecord{ToolName: "fill"}

	const goroutines = 10
	const perGoroutine = 100

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				svc.Record(audit.AuditRecord{ToolName: fmt.Sprintf("drop_%d_%d", id, j)})
			}
		}(i)
	}
	wg.Wait()

	if got := svc.DroppedRecords(); got != goroutines*perGoroutine {
		t.Errorf("drops = %d, want %d", got, goroutines*perGoroutine)
	}

	close(svc.queue)
	for range svc.queue {
	}
}

func TestAuditServiceKeepsEverythingWithHeadroom(t *testing.T) {
	defer goleak.VerifyNone(t)

	svc := NewAuditService(&slowAuditStore{delay: 10 * time.Millisecond}, discardLogger(),
		WithChannelSize(100),
		WithSendTimeout(100*time.Millisecond),
		WithBatchSize(10),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	for i := 0; i < 50; i++ {
		svc.Record(audit.AuditRecord{ToolName: fmt.Sprintf("tool_%d", i), Timestamp: time.Now()})
	}
	time.Sleep(200 * time.Millisecond)

	if drops := svc.DroppedRecords(); drops != 0 {
		t.Errorf("drops = %d, want 0 with a 100-slot queue", drops)
	}

	cancel()
	svc.Stop()
}

func TestAuditServiceFlushesEarlyUnderPressure(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &countingAuditStore{}
	svc := NewAuditService(store, discardLogger(),
		WithChannelSize(10),
		WithBatchSize(5),
		WithFlushInterval(500*time.Millisecond),
		WithAdaptiveFlushThreshold(50),
		WithSendTimeout(100*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	for i := 0; i < 8; i++ {
		svc.Record(audit.AuditRecord{ToolName: fmt.Sprintf("tool_%d", i), Timestamp: time.Now()})
	}

	// Well before the 500ms ticker, the depth trigger should have
	// forced a write.
	time.Sleep(200 * time.Millisecond)

	if batches, _ := store.counts(); batches == 0 {
		t.Error("no flush happened under pressure before the ticker fired")
	}

	cancel()
	svc.Stop()
}

func TestAuditServiceWithAdaptiveFlushDisabled(t *testing.T) {
	defer goleak.VerifyNone(t)

	svc := NewAuditService(&slowAuditStore{delay: 10 * time.Millisecond}, discardLogger(),
		WithChannelSize(10),
		WithBatchSize(5),
		WithFlushInterval(100*time.Millisecond),
		WithAdaptiveFlushThreshold(0),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	for i := 0; i < 8; i++ {
		svc.Record(audit.AuditRecord{ToolName: fmt.Sprintf("tool_%d", i), Timestamp: time.Now()})
	}
	time.Sleep(150 * time.Millisecond)

	cancel()
	svc.Stop()
}

func TestAuditServiceStopFlushesRemainder(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &countingAuditStore{}
	svc := NewAuditService(store, discardLogger(),
		WithChannelSize(100),
		WithBatchSize(50),
		WithFlushInterval(time.Hour),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	for i := 0; i < 7; i++ {
		svc.Record(audit.AuditRecord{ToolName: fmt.Sprintf("tool_%d", i)})
	}
	svc.Stop()

	if _, records := store.counts(); records != 7 {
		t.Errorf("flushed %d records on Stop, want 7", records)
	}
}

// Sustained load must not accumulate in the queue or leak goroutines.
func TestAuditServiceSustainedLoad(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping sustained-load test in short mode")
	}
	defer goleak.VerifyNone(t)

	store := &countingAuditStore{}
	svc := NewAuditService(store, discardLogger(),
		WithChannelSize(100),
		WithBatchSize(10),
		WithFlushInterval(100*time.Millisecond),
		WithSendTimeout(50*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	start := time.Now()
	sent := 0
	for time.Since(start) < 3*time.Second {
		svc.Record(audit.AuditRecord{ToolName: fmt.Sprintf("tool_%d", sent), Timestamp: time.Now()})
		sent++
		time.Sleep(time.Millisecond)
	}
	time.Sleep(200 * time.Millisecond)

	if depth := svc.ChannelDepth(); depth > 20 {
		t.Errorf("queue depth %d after sustained load, records are not draining", depth)
	}
	if batches, _ := store.counts(); batches == 0 {
		t.Error("no batches written during sustained load")
	}

	cancel()
	svc.Stop()
}
