// Package phase implements C9, the phase controller: the three external
// entry points (start_tally, submit_guardian_keys, combine_results) and
// the race-free phase-1 -> phase-2 -> guardian-decrypted promotion chain,
// per spec §4.9.
package phase

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/electionguard/tally-orchestrator/internal/chunker"
	"github.com/electionguard/tally-orchestrator/internal/credcache"
	"github.com/electionguard/tally-orchestrator/internal/lock"
	"github.com/electionguard/tally-orchestrator/internal/orcherr"
	"github.com/electionguard/tally-orchestrator/internal/progress"
	"github.com/electionguard/tally-orchestrator/internal/scheduler"
	"github.com/electionguard/tally-orchestrator/internal/store"
	"github.com/electionguard/tally-orchestrator/internal/worker"
)

// SchedulerPort is the narrow slice of the scheduler the controller needs:
// it only ever registers new task instances, never publishes or mutates
// chunk state directly.
type SchedulerPort interface {
	RegisterTask(taskType scheduler.TaskType, electionID string, guardianIDs []string, chunks []scheduler.ChunkInput) (string, error)
}

// Decryptor turns a guardian's encrypted credential blobs into the plain
// {private_key, polynomial} pair the engine needs. Implemented by
// internal/credsec; kept as a narrow interface here so phase has no
// dependency on the encryption-at-rest scheme it's paired with.
type Decryptor interface {
	Decrypt(ctx context.Context, encryptedPrivateKeyBlob, encryptedPolynomialBlob []byte) (privateKey, polynomial []byte, err error)
}

// Config mirrors the relevant slice of config.Config without importing it.
type Config struct {
	ChunkSize     int
	LockTTL       time.Duration
	CredentialTTL time.Duration
	CounterTTL    time.Duration
}

func DefaultConfig() Config {
	return Config{
		ChunkSize:     2,
		LockTTL:       2 * time.Hour,
		CredentialTTL: 6 * time.Hour,
		CounterTTL:    24 * time.Hour,
	}
}

// Controller wires C1-C4 and C7 into the three admin entry points and
// the two promotion races spec §4.9 describes.
type Controller struct {
	Store     store.Store
	Lock      lock.Locker
	Progress  progress.Counters
	Credcache credcache.Cache
	Sched     SchedulerPort
	Decryptor Decryptor
	Log       *logrus.Logger
	Cfg       Config
}

func New(st store.Store, lk lock.Locker, prog progress.Counters, cc credcache.Cache, sched SchedulerPort, dec Decryptor, log *logrus.Logger, cfg Config) *Controller {
	if log == nil {
		log = logrus.New()
	}
	return &Controller{Store: st, Lock: lk, Progress: prog, Credcache: cc, Sched: sched, Decryptor: dec, Log: log, Cfg: cfg}
}

// StartTally computes chunks for electionID's cast ballots, creates their
// Chunk rows, and registers the TALLY_CREATION task instance (spec §4.9).
func (c *Controller) StartTally(ctx context.Context, electionID string) (string, error) {
	key := lock.TallyKey(electionID)
	ok, err := c.Lock.TryAcquire(ctx, key, lock.Metadata{Operation: "start_tally", StartTime: time.Now()}, c.Cfg.LockTTL)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", orcherr.Validationf("start_tally", "a tally is already running or was recently started for election %s", electionID)
	}

	election, err := c.Store.GetElection(ctx, electionID)
	if err != nil {
		c.Lock.Release(ctx, key)
		return "", orcherr.Validationf("start_tally", "election %s: %v", electionID, err)
	}
	if election.EndingTime > time.Now().Unix() {
		c.Lock.Release(ctx, key)
		return "", orcherr.Validationf("start_tally", "election %s has not ended yet", electionID)
	}

	ballots, err := c.Store.ListCastBallots(ctx, electionID)
	if err != nil {
		c.Lock.Release(ctx, key)
		return "", orcherr.State("start_tally", err)
	}
	ballotIDs := make([]string, len(ballots))
	for i, b := range ballots {
		ballotIDs[i] = b.ID
	}

	chunks, err := chunker.Split(ballotIDs, c.Cfg.ChunkSize)
	if err != nil {
		c.Lock.Release(ctx, key)
		return "", orcherr.Validationf("start_tally", "chunking ballots: %v", err)
	}
	if len(chunks) == 0 {
		c.Lock.Release(ctx, key)
		return "", orcherr.Validationf("start_tally", "election %s has no cast ballots", electionID)
	}

	rows, err := c.Store.CreateChunks(ctx, electionID, len(chunks))
	if err != nil {
		c.Lock.Release(ctx, key)
		return "", orcherr.Validationf("start_tally", "election %s: %v", electionID, err)
	}

	inputs := make([]scheduler.ChunkInput, len(chunks))
	for i, ch := range chunks {
		payload, err := worker.EncodeTallyPayload(worker.TallyPayload{
			ElectionID: electionID,
			ChunkID:    rows[i].ID,
			Sequence:   ch.Sequence,
			BallotIDs:  ch.BallotIDs,
		})
		if err != nil {
			c.Lock.Release(ctx, key)
			return "", orcherr.Validationf("start_tally", "encode payload: %v", err)
		}
		inputs[i] = scheduler.ChunkInput{Payload: payload}
	}

	taskID, err := c.Sched.RegisterTask(scheduler.TaskTally, electionID, nil, inputs)
	if err != nil {
		c.Lock.Release(ctx, key)
		return "", err
	}

	// The lock stays held until its TTL elapses: a second start_tally call
	// for the same election must fail while this one's chunks are still
	// being processed. Nothing in this process releases it early on the
	// success path.
	return taskID, nil
}

// SubmitGuardianKeys decrypts guardian's credentials, caches them, and
// registers that guardian's PARTIAL_DECRYPTION task instance (spec §4.9).
func (c *Controller) SubmitGuardianKeys(ctx context.Context, electionID, guardianID string, encryptedPrivateKeyBlob, encryptedPolynomialBlob []byte) (string, error) {
	key := lock.DecryptionKey(electionID, guardianID)
	ok, err := c.Lock.TryAcquire(ctx, key, lock.Metadata{Operation: "submit_guardian_keys", StartTime: time.Now()}, c.Cfg.LockTTL)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", orcherr.Validationf("submit_guardian_keys", "guardian %s already submitted keys for election %s", guardianID, electionID)
	}

	if _, err := c.Store.GetGuardian(ctx, electionID, guardianID); err != nil {
		c.Lock.Release(ctx, key)
		return "", orcherr.Validationf("submit_guardian_keys", "guardian %s is not a guardian of election %s", guardianID, electionID)
	}

	chunks, err := c.Store.ListChunks(ctx, electionID)
	if err != nil || len(chunks) == 0 {
		c.Lock.Release(ctx, key)
		return "", orcherr.Validationf("submit_guardian_keys", "election %s has no chunks; run start_tally first", electionID)
	}

	privateKey, polynomial, err := c.Decryptor.Decrypt(ctx, encryptedPrivateKeyBlob, encryptedPolynomialBlob)
	if err != nil {
		c.Lock.Release(ctx, key)
		return "", orcherr.Validationf("submit_guardian_keys", "decrypt guardian credentials: %v", err)
	}

	if err := c.Credcache.Put(ctx, electionID, guardianID, privateKey, polynomial, c.Cfg.CredentialTTL); err != nil {
		c.Lock.Release(ctx, key)
		return "", err
	}

	inputs := make([]scheduler.ChunkInput, len(chunks))
	for i, ch := range chunks {
		payload, err := worker.EncodePartialPayload(worker.PartialPayload{
			ElectionID: electionID,
			ChunkID:    ch.ID,
			GuardianID: guardianID,
		})
		if err != nil {
			c.Lock.Release(ctx, key)
			return "", orcherr.Validationf("submit_guardian_keys", "encode payload: %v", err)
		}
		inputs[i] = scheduler.ChunkInput{Payload: payload}
	}

	return c.Sched.RegisterTask(scheduler.TaskPartial, electionID, []string{guardianID}, inputs)
}

// OnPartialChunkCompleted implements the phase-1 -> phase-2 race (spec
// §4.9): every partial-decryption worker calls this after a successful
// completion; only the call that observes the guardian's final chunk and
// wins the promotion flag performs the one-time promotion.
func (c *Controller) OnPartialChunkCompleted(ctx context.Context, electionID, guardianID string) error {
	total, err := c.totalChunks(ctx, electionID)
	if err != nil {
		return err
	}

	n, err := c.Progress.Incr(ctx, progress.PartialCounterKey(electionID, guardianID), c.Cfg.CounterTTL)
	if err != nil {
		return err
	}
	if int(n) != total {
		return nil
	}

	won, err := c.Progress.SetFlagIfAbsent(ctx, progress.CompensatedQueuedTriggerKey(electionID, guardianID), c.Cfg.CounterTTL)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	election, err := c.Store.GetElection(ctx, electionID)
	if err != nil {
		return orcherr.State("on_partial_chunk_completed", err)
	}

	if election.GuardianCount == 1 {
		if err := c.Credcache.Clear(ctx, electionID, guardianID); err != nil {
			c.Log.WithError(err).WithField("guardian_id", guardianID).Warn("phase: credential clear failed after n=1 promotion")
		}
		return c.Store.SetGuardianDecrypted(ctx, electionID, guardianID, true)
	}

	// credentials must still be resident for the compensated task about to
	// be registered; an absent entry here is a hard failure (cache expired
	// between phase-1 completion and this promotion), per spec §4.9.
	if present, err := c.Credcache.Has(ctx, electionID, guardianID); err != nil {
		return err
	} else if !present {
		return orcherr.Statef("on_partial_chunk_completed", "credentials expired for guardian %s", guardianID)
	}

	guardians, err := c.Store.ListGuardians(ctx, electionID)
	if err != nil {
		return orcherr.State("on_partial_chunk_completed", err)
	}
	chunks, err := c.Store.ListChunks(ctx, electionID)
	if err != nil {
		return orcherr.State("on_partial_chunk_completed", err)
	}

	var inputs []scheduler.ChunkInput
	for _, ch := range chunks {
		for _, g := range guardians {
			if g.ID == guardianID {
				continue
			}
			payload, err := worker.EncodeCompensatedPayload(worker.CompensatedPayload{
				ElectionID:             electionID,
				ChunkID:                ch.ID,
				CompensatingGuardianID: guardianID,
				MissingGuardianID:      g.ID,
			})
			if err != nil {
				return orcherr.Validationf("on_partial_chunk_completed", "encode payload: %v", err)
			}
			inputs = append(inputs, scheduler.ChunkInput{Payload: payload})
		}
	}

	_, err = c.Sched.RegisterTask(scheduler.TaskCompensated, electionID, []string{guardianID}, inputs)
	return err
}

// OnCompensatedChunkCompleted implements the phase-2 -> guardian-decrypted
// race (spec §4.9).
func (c *Controller) OnCompensatedChunkCompleted(ctx context.Context, electionID, compensatingGuardianID string) error {
	chunks, err := c.totalChunks(ctx, electionID)
	if err != nil {
		return err
	}
	guardians, err := c.Store.ListGuardians(ctx, electionID)
	if err != nil {
		return orcherr.State("on_compensated_chunk_completed", err)
	}
	target := chunks * (len(guardians) - 1)
	if target <= 0 {
		return nil
	}

	n, err := c.Progress.Incr(ctx, progress.CompensatedCounterKey(electionID, compensatingGuardianID), c.Cfg.CounterTTL)
	if err != nil {
		return err
	}
	if int(n) != target {
		return nil
	}

	won, err := c.Progress.SetFlagIfAbsent(ctx, progress.GuardianMarkedTriggerKey(electionID, compensatingGuardianID), c.Cfg.CounterTTL)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	if err := c.Credcache.Clear(ctx, electionID, compensatingGuardianID); err != nil {
		c.Log.WithError(err).WithField("guardian_id", compensatingGuardianID).Warn("phase: credential clear failed after compensated promotion")
	}
	return c.Store.SetGuardianDecrypted(ctx, electionID, compensatingGuardianID, true)
}

// CombineResults verifies quorum and registers the COMBINE_DECRYPTION task
// instance with one chunk payload per existing Chunk row (spec §4.9).
func (c *Controller) CombineResults(ctx context.Context, electionID string) (string, error) {
	key := lock.CombineKey(electionID)
	ok, err := c.Lock.TryAcquire(ctx, key, lock.Metadata{Operation: "combine_results", StartTime: time.Now()}, c.Cfg.LockTTL)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", orcherr.Validationf("combine_results", "combine already running for election %s", electionID)
	}

	election, err := c.Store.GetElection(ctx, electionID)
	if err != nil {
		c.Lock.Release(ctx, key)
		return "", orcherr.Validationf("combine_results", "election %s: %v", electionID, err)
	}
	guardians, err := c.Store.ListGuardians(ctx, electionID)
	if err != nil {
		c.Lock.Release(ctx, key)
		return "", orcherr.State("combine_results", err)
	}

	decrypted := 0
	for _, g := range guardians {
		if g.DecryptedFlag {
			decrypted++
		}
	}
	if decrypted < election.Quorum {
		c.Lock.Release(ctx, key)
		return "", orcherr.Validationf("combine_results", "only %d/%d guardians decrypted, need quorum %d", decrypted, len(guardians), election.Quorum)
	}

	chunks, err := c.Store.ListChunks(ctx, electionID)
	if err != nil || len(chunks) == 0 {
		c.Lock.Release(ctx, key)
		return "", orcherr.Validationf("combine_results", "election %s has no chunks", electionID)
	}

	inputs := make([]scheduler.ChunkInput, len(chunks))
	for i, ch := range chunks {
		payload, err := worker.EncodeCombinePayload(worker.CombinePayload{ElectionID: electionID, ChunkID: ch.ID})
		if err != nil {
			c.Lock.Release(ctx, key)
			return "", orcherr.Validationf("combine_results", "encode payload: %v", err)
		}
		inputs[i] = scheduler.ChunkInput{Payload: payload}
	}

	return c.Sched.RegisterTask(scheduler.TaskCombine, electionID, nil, inputs)
}

func (c *Controller) totalChunks(ctx context.Context, electionID string) (int, error) {
	chunks, err := c.Store.ListChunks(ctx, electionID)
	if err != nil {
		return 0, orcherr.State("total_chunks", err)
	}
	if len(chunks) == 0 {
		return 0, orcherr.Statef("total_chunks", "election %s has no chunks", electionID)
	}
	return len(chunks), nil
}
