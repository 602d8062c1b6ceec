package phase

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/electionguard/tally-orchestrator/internal/credcache"
	"github.com/electionguard/tally-orchestrator/internal/lock"
	"github.com/electionguard/tally-orchestrator/internal/progress"
	"github.com/electionguard/tally-orchestrator/internal/scheduler"
	"github.com/electionguard/tally-orchestrator/internal/store"
)

func newTestDeps(t *testing.T) (lock.Locker, progress.Counters, credcache.Cache) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return lock.NewRedisLocker(rdb), progress.NewRedisCounters(rdb), credcache.NewRedisCache(rdb, "cred")
}

// fakeScheduler records every RegisterTask call.
type fakeScheduler struct {
	mu    sync.Mutex
	calls []registerCall
	seq   int
}

type registerCall struct {
	taskType    scheduler.TaskType
	electionID  string
	guardianIDs []string
	chunks      []scheduler.ChunkInput
}

func (f *fakeScheduler) RegisterTask(taskType scheduler.TaskType, electionID string, guardianIDs []string, chunks []scheduler.ChunkInput) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.calls = append(f.calls, registerCall{taskType, electionID, append([]string(nil), guardianIDs...), chunks})
	return "task-" + string(taskType), nil
}

func (f *fakeScheduler) callsOf(taskType scheduler.TaskType) []registerCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []registerCall
	for _, c := range f.calls {
		if c.taskType == taskType {
			out = append(out, c)
		}
	}
	return out
}

// passthroughDecryptor returns its inputs unchanged — credsec isn't wired
// into these tests, which exercise phase's own orchestration logic only.
type passthroughDecryptor struct{}

func (passthroughDecryptor) Decrypt(_ context.Context, privBlob, polyBlob []byte) ([]byte, []byte, error) {
	return privBlob, polyBlob, nil
}

func newController(t *testing.T, st store.Store, sched SchedulerPort, cfg Config) *Controller {
	t.Helper()
	lk, prog, cc := newTestDeps(t)
	return New(st, lk, prog, cc, sched, passthroughDecryptor{}, nil, cfg)
}

func seedEndedElection(t *testing.T, st *store.MemoryStore, electionID string, guardianCount, quorum int, ballots int) []store.Guardian {
	t.Helper()
	guardians := make([]store.Guardian, guardianCount)
	for i := range guardians {
		guardians[i] = store.Guardian{ID: guardianIDOf(i), ElectionID: electionID, SequenceOrder: i + 1}
	}
	bs := make([]store.Ballot, ballots)
	for i := range bs {
		bs[i] = store.Ballot{ID: ballotIDOf(i), ElectionID: electionID, Status: store.BallotCast, Ciphertext: []byte("c")}
	}
	st.Seed(store.Election{ID: electionID, EndingTime: time.Now().Add(-time.Hour).Unix(), GuardianCount: guardianCount, Quorum: quorum}, guardians, bs)
	return guardians
}

func guardianIDOf(i int) string { return string(rune('A' + i)) }
func ballotIDOf(i int) string   { return "B" + string(rune('0'+i)) }

func TestStartTally_RegistersTallyTask(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedEndedElection(t, st, "E1", 1, 1, 4)

	sched := &fakeScheduler{}
	c := newController(t, st, sched, Config{ChunkSize: 2, LockTTL: time.Hour})

	taskID, err := c.StartTally(ctx, "E1")
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	calls := sched.callsOf(scheduler.TaskTally)
	require.Len(t, calls, 1)
	require.Len(t, calls[0].chunks, 2) // 4 ballots / chunk size 2

	chunks, err := st.ListChunks(ctx, "E1")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
}

func TestStartTally_RejectsUnendedElection(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	st.Seed(store.Election{ID: "E1", EndingTime: time.Now().Add(time.Hour).Unix(), GuardianCount: 1, Quorum: 1}, nil, nil)

	sched := &fakeScheduler{}
	c := newController(t, st, sched, Config{ChunkSize: 2, LockTTL: time.Hour})

	_, err := c.StartTally(ctx, "E1")
	require.Error(t, err)
}

func TestStartTally_SecondCallFailsWhileLockHeld(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedEndedElection(t, st, "E1", 1, 1, 2)

	sched := &fakeScheduler{}
	c := newController(t, st, sched, Config{ChunkSize: 2, LockTTL: time.Hour})

	_, err := c.StartTally(ctx, "E1")
	require.NoError(t, err)

	_, err = c.StartTally(ctx, "E1")
	require.Error(t, err, "a second start_tally for the same election must fail while the lock is held")
}

func TestSubmitGuardianKeys_RequiresExistingChunks(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedEndedElection(t, st, "E1", 1, 1, 2)

	sched := &fakeScheduler{}
	c := newController(t, st, sched, Config{ChunkSize: 2, LockTTL: time.Hour, CredentialTTL: time.Hour})

	_, err := c.SubmitGuardianKeys(ctx, "E1", "A", []byte("priv"), []byte("poly"))
	require.Error(t, err, "submitting keys before start_tally has created chunks must fail")
}

func TestSubmitGuardianKeys_RegistersPartialTask(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedEndedElection(t, st, "E1", 1, 1, 2)

	sched := &fakeScheduler{}
	c := newController(t, st, sched, Config{ChunkSize: 2, LockTTL: time.Hour, CredentialTTL: time.Hour})
	_, err := c.StartTally(ctx, "E1")
	require.NoError(t, err)

	taskID, err := c.SubmitGuardianKeys(ctx, "E1", "A", []byte("priv"), []byte("poly"))
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	calls := sched.callsOf(scheduler.TaskPartial)
	require.Len(t, calls, 1)
	require.Equal(t, []string{"A"}, calls[0].guardianIDs)
}

func TestOnPartialChunkCompleted_SingleGuardianPromotesDirectly(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedEndedElection(t, st, "E1", 1, 1, 2)

	sched := &fakeScheduler{}
	c := newController(t, st, sched, Config{ChunkSize: 2, LockTTL: time.Hour, CredentialTTL: time.Hour, CounterTTL: time.Hour})
	_, err := c.StartTally(ctx, "E1")
	require.NoError(t, err)
	_, err = c.SubmitGuardianKeys(ctx, "E1", "A", []byte("priv"), []byte("poly"))
	require.NoError(t, err)

	chunks, err := st.ListChunks(ctx, "E1")
	require.NoError(t, err)
	require.Len(t, chunks, 1) // 2 ballots / chunk size 2 -> 1 chunk

	require.NoError(t, c.OnPartialChunkCompleted(ctx, "E1", "A"))

	g, err := st.GetGuardian(ctx, "E1", "A")
	require.NoError(t, err)
	require.True(t, g.DecryptedFlag, "the sole guardian must be marked decrypted without any compensated task")
	require.Empty(t, sched.callsOf(scheduler.TaskCompensated))
}

func TestOnPartialChunkCompleted_MultiGuardianRegistersCompensatedTask(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedEndedElection(t, st, "E1", 3, 2, 2)

	sched := &fakeScheduler{}
	c := newController(t, st, sched, Config{ChunkSize: 2, LockTTL: time.Hour, CredentialTTL: time.Hour, CounterTTL: time.Hour})
	_, err := c.StartTally(ctx, "E1")
	require.NoError(t, err)
	_, err = c.SubmitGuardianKeys(ctx, "E1", "A", []byte("priv"), []byte("poly"))
	require.NoError(t, err)

	require.NoError(t, c.OnPartialChunkCompleted(ctx, "E1", "A"))

	calls := sched.callsOf(scheduler.TaskCompensated)
	require.Len(t, calls, 1)
	require.Len(t, calls[0].chunks, 1*2, "one chunk times (n-1)=2 other guardians")

	g, err := st.GetGuardian(ctx, "E1", "A")
	require.NoError(t, err)
	require.False(t, g.DecryptedFlag, "guardian is not yet decrypted until the compensated task also completes")
}

func TestOnPartialChunkCompleted_PromotionExactlyOnce(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedEndedElection(t, st, "E1", 2, 1, 2)

	sched := &fakeScheduler{}
	c := newController(t, st, sched, Config{ChunkSize: 2, LockTTL: time.Hour, CredentialTTL: time.Hour, CounterTTL: time.Hour})
	_, err := c.StartTally(ctx, "E1")
	require.NoError(t, err)
	_, err = c.SubmitGuardianKeys(ctx, "E1", "A", []byte("priv"), []byte("poly"))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.OnPartialChunkCompleted(ctx, "E1", "A")
		}()
	}
	wg.Wait()

	// promotion itself is idempotent (SetGuardianDecrypted just sets a
	// bool), so the property under test is that exactly one caller won the
	// flag — verified indirectly via the counter landing exactly once on
	// the promotion value without registering multiple compensated tasks.
	require.Len(t, sched.callsOf(scheduler.TaskCompensated), 1)
}

func TestOnCompensatedChunkCompleted_PromotesAfterAllPairsComplete(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedEndedElection(t, st, "E1", 2, 1, 2)

	sched := &fakeScheduler{}
	c := newController(t, st, sched, Config{ChunkSize: 2, LockTTL: time.Hour, CredentialTTL: time.Hour, CounterTTL: time.Hour})
	_, err := c.StartTally(ctx, "E1")
	require.NoError(t, err)
	_, err = c.SubmitGuardianKeys(ctx, "E1", "A", []byte("priv"), []byte("poly"))
	require.NoError(t, err)
	require.NoError(t, c.OnPartialChunkCompleted(ctx, "E1", "A")) // registers compensated task, 1 chunk x 1 other guardian

	require.NoError(t, c.OnCompensatedChunkCompleted(ctx, "E1", "A"))

	g, err := st.GetGuardian(ctx, "E1", "A")
	require.NoError(t, err)
	require.True(t, g.DecryptedFlag)
}

func TestCombineResults_RejectsBelowQuorum(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedEndedElection(t, st, "E1", 2, 2, 2)

	sched := &fakeScheduler{}
	c := newController(t, st, sched, Config{ChunkSize: 2, LockTTL: time.Hour})
	_, err := c.StartTally(ctx, "E1")
	require.NoError(t, err)

	_, err = c.CombineResults(ctx, "E1")
	require.Error(t, err)
}

func TestCombineResults_RegistersCombineTaskAtQuorum(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedEndedElection(t, st, "E1", 2, 1, 2)

	sched := &fakeScheduler{}
	c := newController(t, st, sched, Config{ChunkSize: 2, LockTTL: time.Hour})
	_, err := c.StartTally(ctx, "E1")
	require.NoError(t, err)
	require.NoError(t, st.SetGuardianDecrypted(ctx, "E1", "A", true))

	taskID, err := c.CombineResults(ctx, "E1")
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	calls := sched.callsOf(scheduler.TaskCombine)
	require.Len(t, calls, 1)
	require.Len(t, calls[0].chunks, 1)
}
