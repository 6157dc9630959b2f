package jobsystem

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"jobsys/internal/eventbus"
)

func newTestSystem(t *testing.T, opts ...Option) *System {
	t.Helper()
	s := New(Config{StrictConsistency: true, LedgerReserve: -1}, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSubmitAssignsSequentialIDsAndQueues(t *testing.T) {
	t.Parallel()
	s := newTestSystem(t)

	for want := JobID(0); want < 3; want++ {
		id, err := s.Submit(&Func{Kind: 7})
		require.NoError(t, err)
		assert.Equal(t, want, id)
		assert.Equal(t, StatusQueued, s.Status(id))
		assert.False(t, s.IsComplete(id))
	}
	assert.Equal(t, 3, s.pending.len())

	h, ok := s.History(1)
	require.True(t, ok)
	assert.Equal(t, HistoryEntry{Type: 7, Status: StatusQueued}, h)
}

func TestSubmitRejectsBadJobs(t *testing.T) {
	t.Parallel()
	s := newTestSystem(t)

	_, err := s.Submit(nil)
	assert.ErrorIs(t, err, ErrNilJob)

	_, err = s.Submit(emptyMaskJob{})
	assert.ErrorIs(t, err, ErrNoChannels)
	assert.Equal(t, 0, s.ledger.size())
}

type emptyMaskJob struct{}

func (emptyMaskJob) Type() int                     { return 0 }
func (emptyMaskJob) Channels() Channels            { return 0 }
func (emptyMaskJob) Execute(context.Context) error { return nil }
func (emptyMaskJob) OnCompletion(error)            {}

func TestClaimRequiresOverlapAndKeepsOrder(t *testing.T) {
	t.Parallel()
	s := newTestSystem(t)

	a, _ := s.Submit(&Func{Lanes: 0b10})
	b, _ := s.Submit(&Func{Lanes: 0b01})
	c, _ := s.Submit(&Func{Lanes: 0b11})

	assert.Nil(t, s.claim(0b100, "w"))

	rec := s.claim(0b01, "w")
	require.NotNil(t, rec)
	assert.Equal(t, b, rec.id, "first job overlapping the mask wins")
	assert.Equal(t, StatusRunning, s.Status(b))
	assert.True(t, s.running.contains(b))
	assert.False(t, s.pending.contains(b))

	rec = s.claim(0b01, "w")
	require.NotNil(t, rec)
	assert.Equal(t, c, rec.id)

	assert.Nil(t, s.claim(0b01, "w"))
	assert.Equal(t, StatusQueued, s.Status(a))
}

func TestRoundTripRetiresExactlyOnce(t *testing.T) {
	t.Parallel()
	s := newTestSystem(t)
	require.NoError(t, s.CreateWorker("w0", AllChannels))

	var ran, done atomic.Int32
	id, err := s.Submit(&Func{
		Kind: 1,
		Run:  func(context.Context) error { ran.Add(1); return nil },
		Done: func(err error) { assert.NoError(t, err); done.Add(1) },
	})
	require.NoError(t, err)

	require.NoError(t, s.WaitForJob(waitCtx(t), id))
	assert.Equal(t, int32(1), ran.Load())
	assert.Equal(t, int32(1), done.Load())
	assert.Equal(t, StatusRetired, s.Status(id))
	assert.Equal(t, StatusRetired, s.Status(id))
	assert.False(t, s.pending.contains(id))
	assert.False(t, s.running.contains(id))
	assert.False(t, s.completed.contains(id))

	err = s.WaitForJob(waitCtx(t), id)
	assert.ErrorIs(t, err, ErrJobRetired)
	assert.Equal(t, 0, s.DrainCompleted())
	assert.Equal(t, int32(1), done.Load())
}

func TestDrainCompletedIsIdempotent(t *testing.T) {
	t.Parallel()
	s := newTestSystem(t)
	require.NoError(t, s.CreateWorker("w0", AllChannels))
	require.NoError(t, s.CreateWorker("w1", AllChannels))

	const n = 20
	var done atomic.Int32
	ids := make([]JobID, 0, n)
	for i := 0; i < n; i++ {
		id, err := s.Submit(&Func{Done: func(error) { done.Add(1) }})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.Eventually(t, func() bool {
		for _, id := range ids {
			if !s.IsComplete(id) {
				return false
			}
		}
		return true
	}, 5*time.Second, time.Millisecond)

	assert.Equal(t, n, s.DrainCompleted())
	assert.Equal(t, 0, s.DrainCompleted())
	assert.Equal(t, int32(n), done.Load())
	for _, id := range ids {
		assert.Equal(t, StatusRetired, s.Status(id))
	}
	assert.Equal(t, Counters{Submitted: n, Claimed: n, Completed: n, Retired: n}, s.Counters())
}

func TestConcurrentSubmittersGetDenseIDs(t *testing.T) {
	t.Parallel()
	s := newTestSystem(t)

	const submitters, each = 8, 100
	var mu sync.Mutex
	var ids []JobID
	var g errgroup.Group
	for i := 0; i < submitters; i++ {
		g.Go(func() error {
			local := make([]JobID, 0, each)
			for j := 0; j < each; j++ {
				id, err := s.Submit(&Func{})
				if err != nil {
					return err
				}
				local = append(local, id)
			}
			mu.Lock()
			ids = append(ids, local...)
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	require.Len(t, ids, submitters*each)
	for i, id := range ids {
		require.Equal(t, JobID(i), id)
	}
	assert.Equal(t, submitters*each, s.ledger.size())
}

func TestChannelRoutingAcrossWorkers(t *testing.T) {
	t.Parallel()
	s := newTestSystem(t)
	require.NoError(t, s.CreateWorker("A", 0b01))
	require.NoError(t, s.CreateWorker("B", 0b10))

	var mu sync.Mutex
	ranOn := map[JobID]string{}
	record := func(ctx context.Context) error {
		id, _ := JobIDFromContext(ctx)
		w, _ := WorkerFromContext(ctx)
		mu.Lock()
		ranOn[id] = w
		mu.Unlock()
		return nil
	}

	var xs, ys []JobID
	for i := 0; i < 10; i++ {
		x, err := s.Submit(&Func{Lanes: 0b01, Run: record})
		require.NoError(t, err)
		y, err := s.Submit(&Func{Lanes: 0b11, Run: record})
		require.NoError(t, err)
		xs, ys = append(xs, x), append(ys, y)
	}
	for _, id := range append(append([]JobID{}, xs...), ys...) {
		require.NoError(t, s.WaitForJob(waitCtx(t), id))
	}

	mu.Lock()
	defer mu.Unlock()
	for _, x := range xs {
		assert.Equal(t, "A", ranOn[x], "job %d", x)
	}
	for _, y := range ys {
		assert.Contains(t, []string{"A", "B"}, ranOn[y])
	}
}

func TestDisjointMaskNeverClaimsUntilChanged(t *testing.T) {
	t.Parallel()
	s := newTestSystem(t)
	require.NoError(t, s.CreateWorker("w", 0b01))

	id, err := s.Submit(&Func{Lanes: 0b10})
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StatusQueued, s.Status(id))

	require.NoError(t, s.SetWorkerChannels("w", 0b110))
	require.NoError(t, s.WaitForJob(waitCtx(t), id))
	assert.Equal(t, Channels(0b110), s.Workers()[0].Channels)
}

func TestDestroyWorkerWaitsForRunningJob(t *testing.T) {
	t.Parallel()
	s := newTestSystem(t)
	require.NoError(t, s.CreateWorker("w", AllChannels))

	release := make(chan struct{})
	id, err := s.Submit(&Func{Run: func(context.Context) error { <-release; return nil }})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Status(id) == StatusRunning }, 5*time.Second, time.Millisecond)

	destroyed := make(chan error, 1)
	go func() { destroyed <- s.DestroyWorker("w") }()

	select {
	case <-destroyed:
		t.Fatal("DestroyWorker returned while its job was still executing")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-destroyed:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("DestroyWorker did not return")
	}
	assert.Equal(t, StatusCompleted, s.Status(id))
	assert.Empty(t, s.Workers())

	// No workers left: new work stays queued.
	next, err := s.Submit(&Func{})
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, StatusQueued, s.Status(next))
}

func TestWorkerRegistryErrors(t *testing.T) {
	t.Parallel()
	s := newTestSystem(t)

	require.NoError(t, s.CreateWorker(" io ", 0b1))
	assert.ErrorIs(t, s.CreateWorker("io", 0b1), ErrDuplicateWorker)
	assert.ErrorIs(t, s.CreateWorker("  ", 0b1), ErrInvalidWorkerName)
	assert.ErrorIs(t, s.DestroyWorker("nope"), ErrWorkerNotFound)
	assert.ErrorIs(t, s.SetWorkerChannels("nope", 0b1), ErrWorkerNotFound)

	require.NoError(t, s.DestroyWorker("io"))
	assert.ErrorIs(t, s.DestroyWorker("io"), ErrWorkerNotFound)
	require.NoError(t, s.CreateWorker("io", 0b1), "name is reusable after destroy")
}

func TestWaitForJobErrors(t *testing.T) {
	t.Parallel()
	s := newTestSystem(t)

	assert.Equal(t, StatusNeverSeen, s.Status(99999))
	assert.Equal(t, StatusNeverSeen, s.Status(-1))
	assert.ErrorIs(t, s.WaitForJob(waitCtx(t), 99999), ErrUnknownJob)

	id, err := s.Submit(&Func{})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.WaitForJob(ctx, id), context.DeadlineExceeded)
	assert.Equal(t, StatusQueued, s.Status(id), "a timed out wait leaves the job alone")
}

func TestWaitForJobFromInsideAJobFails(t *testing.T) {
	t.Parallel()
	s := newTestSystem(t)
	require.NoError(t, s.CreateWorker("w", AllChannels))

	other, err := s.Submit(&Func{Lanes: 0b1000})
	require.NoError(t, err)

	var inner error
	id, err := s.Submit(&Func{Lanes: 0b1, Run: func(ctx context.Context) error {
		inner = s.WaitForJob(ctx, other)
		return nil
	}})
	require.NoError(t, err)
	require.NoError(t, s.WaitForJob(waitCtx(t), id))
	assert.ErrorIs(t, inner, ErrWaitInWorker)
}

func TestExecuteErrorsAndPanicsReachCompletion(t *testing.T) {
	t.Parallel()
	s := newTestSystem(t)
	require.NoError(t, s.CreateWorker("w", AllChannels))

	boom := errors.New("boom")
	var gotErr, gotPanic error
	a, _ := s.Submit(&Func{Run: func(context.Context) error { return boom }, Done: func(err error) { gotErr = err }})
	b, _ := s.Submit(&Func{Run: func(context.Context) error { panic("bad job") }, Done: func(err error) { gotPanic = err }})

	require.NoError(t, s.WaitForJob(waitCtx(t), a))
	require.NoError(t, s.WaitForJob(waitCtx(t), b))
	assert.ErrorIs(t, gotErr, boom)
	assert.ErrorIs(t, gotPanic, ErrJobPanicked)

	// The worker survived the panic.
	c, _ := s.Submit(&Func{})
	require.NoError(t, s.WaitForJob(waitCtx(t), c))
}

func TestConsistencyFaults(t *testing.T) {
	t.Parallel()

	strict := newTestSystem(t)
	assert.Panics(t, func() { strict.reportCompletion(&record{id: 3}, nil) })

	lax := New(Config{LedgerReserve: -1})
	t.Cleanup(func() { _ = lax.Close(context.Background()) })
	assert.NotPanics(t, func() { lax.reportCompletion(&record{id: 3}, nil) })
	assert.Equal(t, uint64(1), lax.Counters().Faults)
	assert.Equal(t, uint64(0), lax.Counters().Completed)
}

func TestLedgerMismatchOnClaimKeepsPendingOrder(t *testing.T) {
	t.Parallel()
	s := New(Config{LedgerReserve: -1})
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	for _, lanes := range []Channels{0b01, 0b10, 0b01} {
		_, err := s.Submit(&Func{Lanes: lanes})
		require.NoError(t, err)
	}
	s.ledger.mu.Lock()
	s.ledger.entries[1].Status = StatusRunning
	s.ledger.mu.Unlock()

	assert.Nil(t, s.claim(0b10, "w"))
	assert.Equal(t, uint64(1), s.Counters().Faults)

	s.pending.mu.Lock()
	var ids []JobID
	for _, r := range s.pending.items {
		ids = append(ids, r.id)
	}
	s.pending.mu.Unlock()
	assert.Equal(t, []JobID{0, 1, 2}, ids)
}

func TestLifecycleEventsArePublished(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.SubscribePrefix(16, "job.")
	defer unsub()

	s := newTestSystem(t, WithBus(bus))
	require.NoError(t, s.CreateWorker("w", AllChannels))
	id, err := s.Submit(&Func{Kind: 4, Lanes: 0b1})
	require.NoError(t, err)
	require.NoError(t, s.WaitForJob(waitCtx(t), id))

	want := []string{EventJobQueued, EventJobClaimed, EventJobCompleted, EventJobRetired}
	for _, typ := range want {
		select {
		case ev := <-ch:
			require.Equal(t, typ, ev.Type)
			je, ok := ev.Data.(JobEvent)
			require.True(t, ok)
			assert.Equal(t, id, je.ID)
			assert.Equal(t, 4, je.Type)
		case <-time.After(2 * time.Second):
			t.Fatalf("missing %s event", typ)
		}
	}
}

func TestCloseStopsWorkersAndRejectsWork(t *testing.T) {
	t.Parallel()
	s := New(Config{LedgerReserve: -1}, WithInstanceID("test-1"))
	require.NoError(t, s.CreateWorker("w0", AllChannels))
	require.NoError(t, s.CreateWorker("w1", 0b1))

	var called atomic.Int32
	_, err := s.Submit(&Func{Lanes: 0b100000, Done: func(error) { called.Add(1) }})
	require.NoError(t, err)

	snap := s.Snapshot()
	assert.Equal(t, "test-1", snap.Instance)
	assert.Len(t, snap.Workers, 2)
	assert.Equal(t, 1, snap.LedgerSize)

	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()))

	_, err = s.Submit(&Func{})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.CreateWorker("w2", AllChannels), ErrClosed)
	assert.Equal(t, StatusNeverSeen, s.Status(0))
	assert.Equal(t, int32(0), called.Load(), "dropped jobs get no callback")
	assert.True(t, s.Snapshot().Closed)
	assert.Equal(t, int64(0), s.Snapshot().Supervisor.Counters.Active)
}

func TestCloseCanBeRetriedAfterTimeout(t *testing.T) {
	t.Parallel()
	s := New(Config{LedgerReserve: -1})
	require.NoError(t, s.CreateWorker("w", AllChannels))

	release := make(chan struct{})
	id, err := s.Submit(&Func{Run: func(context.Context) error { <-release; return nil }})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Status(id) == StatusRunning }, 5*time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Close(ctx), context.DeadlineExceeded)
	_, err = s.Submit(&Func{})
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, StatusRunning, s.Status(id), "state survives a timed out close")

	close(release)
	require.NoError(t, s.Close(waitCtx(t)))
	assert.Equal(t, StatusNeverSeen, s.Status(id), "ledger released")
	assert.Equal(t, int64(0), s.Snapshot().Supervisor.Counters.Active)
	require.NoError(t, s.Close(context.Background()))
}

func TestChannelsString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "all", AllChannels.String())
	assert.Equal(t, "0x3", Channels(0b11).String())
	assert.True(t, Channels(0b11).Overlaps(0b10))
	assert.False(t, Channels(0b01).Overlaps(0b10))
	assert.Equal(t, "retired", StatusRetired.String())
	assert.Equal(t, "stopping", WorkerStopping.String())
}
