// Package worker implements C8: one worker family per task type, pulling
// chunks off the matching queue, loading only the row-scoped state that
// chunk needs, invoking the cryptographic engine, persisting idempotently,
// and reporting the outcome back to the scheduler (spec §4.8).
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/electionguard/tally-orchestrator/internal/archive"
	"github.com/electionguard/tally-orchestrator/internal/credcache"
	"github.com/electionguard/tally-orchestrator/internal/engine"
	"github.com/electionguard/tally-orchestrator/internal/orcherr"
	"github.com/electionguard/tally-orchestrator/internal/queue"
	"github.com/electionguard/tally-orchestrator/internal/scheduler"
	"github.com/electionguard/tally-orchestrator/internal/store"
)

// SchedulerPort is the narrow callback surface workers use, breaking the
// cyclic reference the original had between workers and the scheduler
// (spec §9): a worker may only report chunk state, never reach into the
// scheduler's registry.
type SchedulerPort interface {
	UpdateChunkState(chunkID string, newState scheduler.ChunkState, errMsg string) error
}

// Processor handles one dequeued message for one task type.
type Processor interface {
	Process(ctx context.Context, msg *queue.Message) error
}

// DedupGuard is the local in-process dedup set (spec §4.8 step 1): a
// message already being handled by this process is skipped rather than
// double-processed, guarding against a consumer racing its own redelivery.
type DedupGuard struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewDedupGuard() *DedupGuard {
	return &DedupGuard{held: make(map[string]struct{})}
}

// TryAcquire reports whether key was not already held, and if so, holds it.
func (d *DedupGuard) TryAcquire(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.held[key]; ok {
		return false
	}
	d.held[key] = struct{}{}
	return true
}

func (d *DedupGuard) Release(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.held, key)
}

// Family runs Concurrency goroutines pulling from one task-type queue.
//
// Retry lives entirely in the scheduler (FAILED chunks reset to PENDING
// and are republished, §4.7): a Family always Acks a message once its
// Processor returns, success or failure, so the queue's own redelivery
// path is reserved for a crashed consumer's abandoned in-flight message,
// not for application-level retry. Unifying the two would let a
// queue-redelivered message race a scheduler-issued retry for the same
// chunk, which validateTransition would then reject.
type Family struct {
	TaskType    string
	Concurrency int
	Queue       queue.Queue
	Processor   Processor
	Log         *logrus.Logger

	ConsumeTimeout time.Duration
}

// Run blocks until ctx is cancelled, running f.Concurrency consumer loops.
func (f *Family) Run(ctx context.Context) {
	timeout := f.ConsumeTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	var wg sync.WaitGroup
	for i := 0; i < f.Concurrency; i++ {
		wg.Add(1)
		consumerID := fmt.Sprintf("%s-worker-%d", f.TaskType, i)
		go func() {
			defer wg.Done()
			f.consumeLoop(ctx, consumerID, timeout)
		}()
	}
	wg.Wait()
}

func (f *Family) consumeLoop(ctx context.Context, consumerID string, timeout time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := f.Queue.Consume(ctx, f.TaskType, consumerID, timeout)
		if errors.Is(err, queue.ErrEmpty) {
			continue
		}
		if err != nil {
			f.Log.WithError(err).WithField("task_type", f.TaskType).Warn("worker: consume failed")
			continue
		}

		if err := f.Processor.Process(ctx, msg); err != nil {
			f.Log.WithError(err).WithFields(logrus.Fields{"task_type": f.TaskType, "chunk_id": msg.ID}).
				Warn("worker: chunk processing failed, state already reported")
		}

		if err := f.Queue.Ack(ctx, consumerID, msg); err != nil {
			f.Log.WithError(err).WithField("chunk_id", msg.ID).Warn("worker: ack failed")
		}
	}
}

// report runs fn under the dedup guard for dedupKey, bracketed by the
// PROCESSING/COMPLETED-or-FAILED reports the scheduler expects (spec
// §4.8 steps 1,2,6,7). A held dedup key means this message is already
// in flight in this process; the caller skips it silently.
func report(ctx context.Context, sched SchedulerPort, dedup *DedupGuard, dedupKey, chunkID string, fn func(ctx context.Context) error) error {
	if !dedup.TryAcquire(dedupKey) {
		return nil
	}
	defer dedup.Release(dedupKey)

	if err := sched.UpdateChunkState(chunkID, scheduler.StateProcessing, ""); err != nil {
		return err
	}

	if err := fn(ctx); err != nil {
		_ = sched.UpdateChunkState(chunkID, scheduler.StateFailed, err.Error())
		return err
	}

	return sched.UpdateChunkState(chunkID, scheduler.StateCompleted, "")
}

func rawMessages(blobs [][]byte) []json.RawMessage {
	out := make([]json.RawMessage, len(blobs))
	for i, b := range blobs {
		out[i] = b
	}
	return out
}

// TallyProcessor implements the tally worker (spec §4.8 "Tally worker").
type TallyProcessor struct {
	Store   store.Store
	Engine  engine.Client
	Sched   SchedulerPort
	Dedup   *DedupGuard
}

func (p *TallyProcessor) Process(ctx context.Context, msg *queue.Message) error {
	var payload TallyPayload
	if err := decode(msg.Payload, &payload); err != nil {
		return orcherr.Validationf("tally_worker", "decode payload: %v", err)
	}

	dedupKey := fmt.Sprintf("TALLY|%s|%d", payload.ElectionID, payload.Sequence)
	return report(ctx, p.Sched, p.Dedup, dedupKey, payload.ChunkID, func(ctx context.Context) error {
		election, err := p.Store.GetElection(ctx, payload.ElectionID)
		if err != nil {
			return orcherr.State("tally_worker", err)
		}
		ballots, err := p.Store.GetBallots(ctx, payload.ElectionID, payload.BallotIDs)
		if err != nil {
			return orcherr.State("tally_worker", err)
		}

		ciphertexts := make([][]byte, len(ballots))
		for i, b := range ballots {
			ciphertexts[i] = b.Ciphertext
		}

		resp, err := p.Engine.Tally(ctx, engine.TallyRequest{
			JointPK:     election.JointPublicKey,
			BaseHash:    election.BaseHash,
			Ciphertexts: rawMessages(ciphertexts),
			N:           election.GuardianCount,
			K:           election.Quorum,
		})
		if err != nil {
			return err
		}

		if err := p.Store.SetEncryptedTally(ctx, payload.ChunkID, resp.CiphertextTally); err != nil {
			return orcherr.Storage("tally_worker", err)
		}

		subs := make([]store.SubmittedBallot, len(resp.SubmittedBallots))
		for i, sb := range resp.SubmittedBallots {
			subs[i] = store.SubmittedBallot{
				ID:               fmt.Sprintf("%s-sb-%d", payload.ChunkID, i),
				ElectionCenterID: payload.ChunkID,
				Ciphertext:       sb,
			}
		}
		if err := p.Store.PutSubmittedBallots(ctx, payload.ChunkID, subs); err != nil {
			return orcherr.Storage("tally_worker", err)
		}
		return nil
	})
}

// PartialPromoter is the phase controller's callback surface for the
// phase-1 -> phase-2 "last-chunk" race (spec §4.9): the worker that
// completes a chunk calls it, and the implementation alone decides
// whether this was the chunk that closes out the guardian's partial task.
type PartialPromoter interface {
	OnPartialChunkCompleted(ctx context.Context, electionID, guardianID string) error
}

// CompensatedPromoter is the analogous callback for the phase-2 ->
// guardian-decrypted race.
type CompensatedPromoter interface {
	OnCompensatedChunkCompleted(ctx context.Context, electionID, compensatingGuardianID string) error
}

// PartialProcessor implements the partial-decryption worker.
type PartialProcessor struct {
	Store     store.Store
	Engine    engine.Client
	Credcache credcache.Cache
	Sched     SchedulerPort
	Dedup     *DedupGuard
	Promoter  PartialPromoter
}

func (p *PartialProcessor) Process(ctx context.Context, msg *queue.Message) error {
	var payload PartialPayload
	if err := decode(msg.Payload, &payload); err != nil {
		return orcherr.Validationf("partial_worker", "decode payload: %v", err)
	}

	dedupKey := fmt.Sprintf("PARTIAL|%s|%s|%s", payload.ElectionID, payload.GuardianID, payload.ChunkID)
	return report(ctx, p.Sched, p.Dedup, dedupKey, payload.ChunkID, func(ctx context.Context) error {
		chunk, err := p.Store.GetChunk(ctx, payload.ChunkID)
		if err != nil {
			return orcherr.State("partial_worker", err)
		}
		if chunk.EncryptedTally == nil {
			return orcherr.Statef("partial_worker", "chunk %s has no encrypted tally yet", payload.ChunkID)
		}

		election, err := p.Store.GetElection(ctx, payload.ElectionID)
		if err != nil {
			return orcherr.State("partial_worker", err)
		}
		guardian, err := p.Store.GetGuardian(ctx, payload.ElectionID, payload.GuardianID)
		if err != nil {
			return orcherr.State("partial_worker", err)
		}

		privKey, err := p.Credcache.GetPrivateKey(ctx, payload.ElectionID, payload.GuardianID)
		if err != nil {
			return orcherr.Statef("partial_worker", "credentials absent for guardian %s: %v", payload.GuardianID, err)
		}
		poly, err := p.Credcache.GetPolynomial(ctx, payload.ElectionID, payload.GuardianID)
		if err != nil {
			return orcherr.Statef("partial_worker", "credentials absent for guardian %s: %v", payload.GuardianID, err)
		}

		submitted, err := p.Store.ListSubmittedBallots(ctx, payload.ChunkID)
		if err != nil {
			return orcherr.Storage("partial_worker", err)
		}
		ballots := make([][]byte, len(submitted))
		for i, sb := range submitted {
			ballots[i] = sb.Ciphertext
		}

		resp, err := p.Engine.PartialDecrypt(ctx, engine.PartialDecryptRequest{
			PrivateKey: privKey,
			PublicKey:  guardian.PublicKey,
			Polynomial: poly,
			Tally:      chunk.EncryptedTally,
			Ballots:    rawMessages(ballots),
			JointPK:    election.JointPublicKey,
			BaseHash:   election.BaseHash,
			N:          election.GuardianCount,
			K:          election.Quorum,
		})
		if err != nil {
			return err
		}

		if err := p.Store.PutDecryption(ctx, store.Decryption{
			ElectionCenterID: payload.ChunkID,
			GuardianID:       payload.GuardianID,
			TallyShare:       resp.TallyShare,
			BallotSharesBlob: resp.BallotShares,
		}); err != nil {
			return orcherr.Storage("partial_worker", err)
		}

		if p.Promoter != nil {
			if err := p.Promoter.OnPartialChunkCompleted(ctx, payload.ElectionID, payload.GuardianID); err != nil {
				return orcherr.Coordination("partial_worker", err)
			}
		}
		return nil
	})
}

// CompensatedProcessor implements the compensated-decryption worker.
type CompensatedProcessor struct {
	Store     store.Store
	Engine    engine.Client
	Credcache credcache.Cache
	Sched     SchedulerPort
	Dedup     *DedupGuard
	Promoter  CompensatedPromoter
}

func (p *CompensatedProcessor) Process(ctx context.Context, msg *queue.Message) error {
	var payload CompensatedPayload
	if err := decode(msg.Payload, &payload); err != nil {
		return orcherr.Validationf("compensated_worker", "decode payload: %v", err)
	}

	dedupKey := fmt.Sprintf("COMPENSATED|%s|%s|%s|%s", payload.ElectionID, payload.CompensatingGuardianID, payload.MissingGuardianID, payload.ChunkID)
	return report(ctx, p.Sched, p.Dedup, dedupKey, payload.ChunkID, func(ctx context.Context) error {
		chunk, err := p.Store.GetChunk(ctx, payload.ChunkID)
		if err != nil {
			return orcherr.State("compensated_worker", err)
		}
		if chunk.EncryptedTally == nil {
			return orcherr.Statef("compensated_worker", "chunk %s has no encrypted tally yet", payload.ChunkID)
		}

		election, err := p.Store.GetElection(ctx, payload.ElectionID)
		if err != nil {
			return orcherr.State("compensated_worker", err)
		}
		available, err := p.Store.GetGuardian(ctx, payload.ElectionID, payload.CompensatingGuardianID)
		if err != nil {
			return orcherr.State("compensated_worker", err)
		}
		missing, err := p.Store.GetGuardian(ctx, payload.ElectionID, payload.MissingGuardianID)
		if err != nil {
			return orcherr.State("compensated_worker", err)
		}

		privKey, err := p.Credcache.GetPrivateKey(ctx, payload.ElectionID, payload.CompensatingGuardianID)
		if err != nil {
			return orcherr.Statef("compensated_worker", "credentials absent for guardian %s: %v", payload.CompensatingGuardianID, err)
		}
		poly, err := p.Credcache.GetPolynomial(ctx, payload.ElectionID, payload.CompensatingGuardianID)
		if err != nil {
			return orcherr.Statef("compensated_worker", "credentials absent for guardian %s: %v", payload.CompensatingGuardianID, err)
		}

		// missing guardian's data document: key_backup_blob when the
		// compensating guardian holds a backup share, else the minimal
		// {id, sequence_order} document (spec §4.8).
		missingData := missing.KeyBackupBlob
		if missingData == nil {
			missingData, err = json.Marshal(map[string]any{
				"id":             missing.ID,
				"sequence_order": missing.SequenceOrder,
			})
			if err != nil {
				return orcherr.Validationf("compensated_worker", "build missing guardian document: %v", err)
			}
		}

		submitted, err := p.Store.ListSubmittedBallots(ctx, payload.ChunkID)
		if err != nil {
			return orcherr.Storage("compensated_worker", err)
		}
		ballots := make([][]byte, len(submitted))
		for i, sb := range submitted {
			ballots[i] = sb.Ciphertext
		}

		resp, err := p.Engine.CompensatedDecrypt(ctx, engine.CompensatedDecryptRequest{
			Available: engine.AvailableGuardian{
				PrivateKey: privKey,
				PublicKey:  available.PublicKey,
				Polynomial: poly,
			},
			Missing:  engine.MissingGuardian{Data: missingData},
			Tally:    chunk.EncryptedTally,
			Ballots:  rawMessages(ballots),
			JointPK:  election.JointPublicKey,
			BaseHash: election.BaseHash,
			N:        election.GuardianCount,
			K:        election.Quorum,
		})
		if err != nil {
			return err
		}

		if err := p.Store.PutCompensatedDecryption(ctx, store.CompensatedDecryption{
			ElectionCenterID:       payload.ChunkID,
			MissingGuardianID:      payload.MissingGuardianID,
			CompensatingGuardianID: payload.CompensatingGuardianID,
			TallyShare:             resp.CompensatedTallyShare,
			BallotSharesBlob:       resp.CompensatedBallotShares,
		}); err != nil {
			return orcherr.Storage("compensated_worker", err)
		}

		if p.Promoter != nil {
			if err := p.Promoter.OnCompensatedChunkCompleted(ctx, payload.ElectionID, payload.CompensatingGuardianID); err != nil {
				return orcherr.Coordination("compensated_worker", err)
			}
		}
		return nil
	})
}

// CombineProcessor implements the combine worker.
type CombineProcessor struct {
	Store    store.Store
	Engine   engine.Client
	Sched    SchedulerPort
	Dedup    *DedupGuard
	// Archiver exports the plaintext result to durable object storage.
	// Optional: a nil Archiver or an archiving failure never fails the
	// chunk, since the row written to Store is already the durable
	// source of truth.
	Archiver archive.Archiver
}

func (p *CombineProcessor) Process(ctx context.Context, msg *queue.Message) error {
	var payload CombinePayload
	if err := decode(msg.Payload, &payload); err != nil {
		return orcherr.Validationf("combine_worker", "decode payload: %v", err)
	}

	dedupKey := fmt.Sprintf("COMBINE|%s|%s", payload.ElectionID, payload.ChunkID)
	return report(ctx, p.Sched, p.Dedup, dedupKey, payload.ChunkID, func(ctx context.Context) error {
		chunk, err := p.Store.GetChunk(ctx, payload.ChunkID)
		if err != nil {
			return orcherr.State("combine_worker", err)
		}
		election, err := p.Store.GetElection(ctx, payload.ElectionID)
		if err != nil {
			return orcherr.State("combine_worker", err)
		}
		guardians, err := p.Store.ListGuardians(ctx, payload.ElectionID)
		if err != nil {
			return orcherr.State("combine_worker", err)
		}

		submitted, err := p.Store.ListSubmittedBallots(ctx, payload.ChunkID)
		if err != nil {
			return orcherr.Storage("combine_worker", err)
		}
		ballots := make([][]byte, len(submitted))
		for i, sb := range submitted {
			ballots[i] = sb.Ciphertext
		}

		var available []engine.CombineShare
		var compensations []engine.CombineCompensation
		for _, g := range guardians {
			if g.DecryptedFlag {
				d, err := p.Store.GetDecryption(ctx, payload.ChunkID, g.ID)
				if err != nil {
					return orcherr.Statef("combine_worker", "missing partial decryption for guardian %s: %v", g.ID, err)
				}
				available = append(available, engine.CombineShare{
					GuardianID:   g.ID,
					PublicKey:    g.PublicKey,
					TallyShare:   d.TallyShare,
					BallotShares: d.BallotSharesBlob,
				})
				continue
			}

			comps, err := p.Store.ListCompensatedDecryptions(ctx, payload.ChunkID, g.ID)
			if err != nil {
				return orcherr.Storage("combine_worker", err)
			}
			if len(comps) == 0 {
				return orcherr.Statef("combine_worker", "no compensated decryption available for missing guardian %s", g.ID)
			}
			// ascending sequence order among compensating guardians (spec
			// §4.8): lowest SequenceOrder compensator wins when more than
			// one compensated the same missing guardian.
			best := comps[0]
			bestSeq := sequenceOf(guardians, best.CompensatingGuardianID)
			for _, c := range comps[1:] {
				if seq := sequenceOf(guardians, c.CompensatingGuardianID); seq < bestSeq {
					best, bestSeq = c, seq
				}
			}
			compensations = append(compensations, engine.CombineCompensation{
				MissingGuardianID:      best.MissingGuardianID,
				CompensatingGuardianID: best.CompensatingGuardianID,
				TallyShare:             best.TallyShare,
				BallotShares:           best.BallotSharesBlob,
			})
		}

		resp, err := p.Engine.Combine(ctx, engine.CombineRequest{
			Tally:         chunk.EncryptedTally,
			Ballots:       rawMessages(ballots),
			JointPK:       election.JointPublicKey,
			BaseHash:      election.BaseHash,
			N:             election.GuardianCount,
			K:             election.Quorum,
			Available:     available,
			Compensations: compensations,
		})
		if err != nil {
			return err
		}

		if err := p.Store.SetPlaintextResult(ctx, payload.ChunkID, resp.Results); err != nil {
			return orcherr.Storage("combine_worker", err)
		}

		if p.Archiver != nil {
			// Best-effort export: the row in Store is already the durable
			// result, so an archiving failure is swallowed rather than
			// failing a chunk that otherwise completed correctly.
			_ = p.Archiver.ArchiveResult(ctx, payload.ElectionID, resp.Results, map[string]string{"chunk_id": payload.ChunkID})
		}
		return nil
	})
}

func sequenceOf(guardians []store.Guardian, guardianID string) int {
	for _, g := range guardians {
		if g.ID == guardianID {
			return g.SequenceOrder
		}
	}
	return int(^uint(0) >> 1) // unknown guardian sorts last
}
