package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phrazzld/render-api/internal/queue"
)

// fakeBroker implements queue.Broker with just enough behavior for the
// sweeper: a processing snapshot and recorded lease moves.
type fakeBroker struct {
	mu         sync.Mutex
	processing []*queue.Lease
	pending    []*queue.Task
	deadRaw    [][]byte
	moveErr    map[string]error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{moveErr: make(map[string]error)}
}

func (b *fakeBroker) Push(_ context.Context, task *queue.Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, task)
	return nil
}

func (b *fakeBroker) Claim(context.Context, time.Duration) (*queue.Lease, error) {
	return nil, nil
}

func (b *fakeBroker) Remove(context.Context, *queue.Lease) error {
	return nil
}

func (b *fakeBroker) MoveLease(_ context.Context, lease *queue.Lease, _, to queue.List, updated *queue.Task) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if lease.Task != nil {
		if err := b.moveErr[lease.Task.ID]; err != nil {
			return err
		}
	}

	// Match by pointer identity so undecodable nil-Task leases, which carry
	// only raw bytes, can still be located.
	for i, candidate := range b.processing {
		if candidate == lease {
			b.processing = append(b.processing[:i], b.processing[i+1:]...)
			switch to {
			case queue.ListPending:
				b.pending = append(b.pending, updated)
			case queue.ListDeadLetter:
				if updated == nil {
					b.deadRaw = append(b.deadRaw, lease.Raw)
				}
			}
			return nil
		}
	}
	return queue.ErrTaskNotFound
}

func (b *fakeBroker) ListTasks(_ context.Context, list queue.List) ([]*queue.Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if list == queue.ListPending {
		return append([]*queue.Task(nil), b.pending...), nil
	}
	return nil, nil
}

func (b *fakeBroker) ListProcessing(context.Context) ([]*queue.Lease, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*queue.Lease(nil), b.processing...), nil
}

func (b *fakeBroker) FindDeadLetter(context.Context, string) (*queue.Lease, error) {
	return nil, queue.ErrTaskNotFound
}

func (b *fakeBroker) IsAvailable(context.Context) bool {
	return true
}

func (b *fakeBroker) addProcessing(id string, claimedAt time.Time, attempts int) {
	task := &queue.Task{
		ID:           id,
		Payload:      json.RawMessage(`{}`),
		AttemptCount: attempts,
		MaxAttempts:  3,
		ClaimedAt:    claimedAt,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.processing = append(b.processing, &queue.Lease{Task: task, ClaimedAt: claimedAt})
}

func TestSweeper_RecoversStaleClaims(t *testing.T) {
	broker := newFakeBroker()
	now := time.Now().UTC()

	broker.addProcessing("stale", now.Add(-20*time.Minute), 2)
	broker.addProcessing("fresh", now.Add(-time.Minute), 0)

	sweeper := NewSweeper(broker, SweeperConfig{
		StalenessThreshold: 10 * time.Minute,
		Interval:           time.Hour,
	}, setupTestLogger())

	recovered, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	pending, err := broker.ListTasks(context.Background(), queue.ListPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "stale", pending[0].ID)
	assert.Equal(t, 2, pending[0].AttemptCount, "recovery must not consume an attempt")
	assert.True(t, pending[0].ClaimedAt.IsZero())

	leases, err := broker.ListProcessing(context.Background())
	require.NoError(t, err)
	require.Len(t, leases, 1)
	assert.Equal(t, "fresh", leases[0].Task.ID)
}

func TestSweeper_RecoversLostClaimRecords(t *testing.T) {
	broker := newFakeBroker()

	// A zero ClaimedAt means the claim bookkeeping was lost; the task would
	// otherwise sit in processing forever.
	broker.addProcessing("orphan", time.Time{}, 1)

	sweeper := NewSweeper(broker, DefaultSweeperConfig(), setupTestLogger())

	recovered, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)
}

func TestSweeper_SkipsTasksFinishedDuringScan(t *testing.T) {
	broker := newFakeBroker()
	now := time.Now().UTC()

	broker.addProcessing("stale", now.Add(-20*time.Minute), 0)
	broker.moveErr["stale"] = queue.ErrTaskNotFound

	sweeper := NewSweeper(broker, DefaultSweeperConfig(), setupTestLogger())

	recovered, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, recovered)
}

func TestSweeper_QuarantinesUndecodableElements(t *testing.T) {
	broker := newFakeBroker()
	now := time.Now().UTC()

	// An element whose bytes no longer decode surfaces as a nil-Task lease.
	// The sweeper must move it to dead_letter unchanged rather than leave it
	// stranded in processing.
	corrupt := []byte("{corrupt")
	broker.processing = append(broker.processing, &queue.Lease{Raw: corrupt})
	broker.addProcessing("stale", now.Add(-20*time.Minute), 1)

	sweeper := NewSweeper(broker, SweeperConfig{
		StalenessThreshold: 10 * time.Minute,
		Interval:           time.Hour,
	}, setupTestLogger())

	recovered, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, recovered, "quarantine does not count as recovery")

	require.Len(t, broker.deadRaw, 1)
	assert.Equal(t, corrupt, broker.deadRaw[0], "quarantined bytes must be preserved verbatim")

	leases, err := broker.ListProcessing(context.Background())
	require.NoError(t, err)
	assert.Empty(t, leases)
}

func TestSweeper_NothingToRecover(t *testing.T) {
	broker := newFakeBroker()
	broker.addProcessing("fresh", time.Now().UTC(), 0)

	sweeper := NewSweeper(broker, DefaultSweeperConfig(), setupTestLogger())

	recovered, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, recovered)
}

func TestSweeper_StartStop(t *testing.T) {
	broker := newFakeBroker()
	sweeper := NewSweeper(broker, SweeperConfig{
		StalenessThreshold: time.Minute,
		Interval:           10 * time.Millisecond,
	}, setupTestLogger())

	sweeper.Start()
	time.Sleep(50 * time.Millisecond)
	sweeper.Stop()
}
