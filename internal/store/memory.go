package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-memory reference Store, the shape the gateway's
// `audit.auditLogger` uses for its in-memory event buffer (a mutex plus
// plain Go maps/slices) generalized to the election row model. It is
// sufficient for tests; a real deployment backs
// Store with whatever relational database it already runs.
type MemoryStore struct {
	mu sync.Mutex

	elections  map[string]Election
	guardians  map[string]map[string]*Guardian // electionID -> guardianID -> guardian
	ballots    map[string][]Ballot             // electionID -> cast ballots

	chunks       map[string][]*Chunk    // electionID -> chunks, sequence order
	chunksByID   map[string]*Chunk      // chunkID -> chunk
	nextChunkSeq map[string]int

	submittedBallots map[string][]SubmittedBallot           // electionCenterID -> ballots
	decryptions      map[string]map[string]Decryption        // electionCenterID -> guardianID -> decryption
	compensated      map[string][]CompensatedDecryption       // electionCenterID -> compensated rows
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		elections:        make(map[string]Election),
		guardians:        make(map[string]map[string]*Guardian),
		ballots:          make(map[string][]Ballot),
		chunks:           make(map[string][]*Chunk),
		chunksByID:       make(map[string]*Chunk),
		nextChunkSeq:     make(map[string]int),
		submittedBallots: make(map[string][]SubmittedBallot),
		decryptions:      make(map[string]map[string]Decryption),
		compensated:      make(map[string][]CompensatedDecryption),
	}
}

// Seed installs an election, its guardians, and its cast ballots. Test
// and simulation setup only — not part of the Store interface.
func (m *MemoryStore) Seed(e Election, guardians []Guardian, ballots []Ballot) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.elections[e.ID] = e

	gs := make(map[string]*Guardian, len(guardians))
	for i := range guardians {
		g := guardians[i]
		gs[g.ID] = &g
	}
	m.guardians[e.ID] = gs

	m.ballots[e.ID] = append([]Ballot(nil), ballots...)
}

func (m *MemoryStore) GetElection(_ context.Context, electionID string) (Election, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.elections[electionID]
	if !ok {
		return Election{}, &ErrNotFound{What: fmt.Sprintf("election %s", electionID)}
	}
	return e, nil
}

func (m *MemoryStore) ListGuardians(_ context.Context, electionID string) ([]Guardian, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	gs := m.guardians[electionID]
	out := make([]Guardian, 0, len(gs))
	for _, g := range gs {
		out = append(out, *g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceOrder < out[j].SequenceOrder })
	return out, nil
}

func (m *MemoryStore) GetGuardian(_ context.Context, electionID, guardianID string) (Guardian, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.guardians[electionID][guardianID]
	if !ok {
		return Guardian{}, &ErrNotFound{What: fmt.Sprintf("guardian %s/%s", electionID, guardianID)}
	}
	return *g, nil
}

func (m *MemoryStore) SetGuardianDecrypted(_ context.Context, electionID, guardianID string, decrypted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.guardians[electionID][guardianID]
	if !ok {
		return &ErrNotFound{What: fmt.Sprintf("guardian %s/%s", electionID, guardianID)}
	}
	g.DecryptedFlag = decrypted
	return nil
}

func (m *MemoryStore) ListCastBallots(_ context.Context, electionID string) ([]Ballot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Ballot
	for _, b := range m.ballots[electionID] {
		if b.Status == BallotCast {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetBallots(_ context.Context, electionID string, ballotIDs []string) ([]Ballot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := make(map[string]bool, len(ballotIDs))
	for _, id := range ballotIDs {
		want[id] = true
	}

	out := make([]Ballot, 0, len(ballotIDs))
	for _, b := range m.ballots[electionID] {
		if want[b.ID] {
			out = append(out, b)
		}
	}
	if len(out) != len(ballotIDs) {
		return nil, &ErrNotFound{What: fmt.Sprintf("one or more ballots in election %s", electionID)}
	}
	return out, nil
}

func (m *MemoryStore) CreateChunks(_ context.Context, electionID string, count int) ([]Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.chunks[electionID]; exists {
		return nil, ErrChunksExist
	}

	chunks := make([]*Chunk, count)
	for i := 0; i < count; i++ {
		c := &Chunk{
			ID:         fmt.Sprintf("%s-chunk-%d", electionID, i),
			ElectionID: electionID,
			Sequence:   i,
		}
		chunks[i] = c
		m.chunksByID[c.ID] = c
	}
	m.chunks[electionID] = chunks

	out := make([]Chunk, count)
	for i, c := range chunks {
		out[i] = *c
	}
	return out, nil
}

func (m *MemoryStore) ListChunks(_ context.Context, electionID string) ([]Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	chunks := m.chunks[electionID]
	out := make([]Chunk, len(chunks))
	for i, c := range chunks {
		out[i] = *c
	}
	return out, nil
}

func (m *MemoryStore) GetChunk(_ context.Context, chunkID string) (Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chunksByID[chunkID]
	if !ok {
		return Chunk{}, &ErrNotFound{What: fmt.Sprintf("chunk %s", chunkID)}
	}
	return *c, nil
}

func (m *MemoryStore) SetEncryptedTally(_ context.Context, chunkID string, tally []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chunksByID[chunkID]
	if !ok {
		return &ErrNotFound{What: fmt.Sprintf("chunk %s", chunkID)}
	}
	if c.EncryptedTally == nil {
		c.EncryptedTally = tally
	}
	return nil
}

func (m *MemoryStore) SetPlaintextResult(_ context.Context, chunkID string, result []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chunksByID[chunkID]
	if !ok {
		return &ErrNotFound{What: fmt.Sprintf("chunk %s", chunkID)}
	}
	if c.PlaintextResult == nil {
		c.PlaintextResult = result
	}
	return nil
}

func (m *MemoryStore) PutSubmittedBallots(_ context.Context, electionCenterID string, ballots []SubmittedBallot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.submittedBallots[electionCenterID]
	seen := make(map[string]bool, len(existing))
	for _, b := range existing {
		seen[string(b.Ciphertext)] = true
	}
	for _, b := range ballots {
		key := string(b.Ciphertext)
		if seen[key] {
			continue // uniqueness on (electionCenterID, ciphertext): idempotent re-delivery
		}
		seen[key] = true
		existing = append(existing, b)
	}
	m.submittedBallots[electionCenterID] = existing
	return nil
}

func (m *MemoryStore) ListSubmittedBallots(_ context.Context, electionCenterID string) ([]SubmittedBallot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SubmittedBallot(nil), m.submittedBallots[electionCenterID]...), nil
}

func (m *MemoryStore) PutDecryption(_ context.Context, d Decryption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byGuardian, ok := m.decryptions[d.ElectionCenterID]
	if !ok {
		byGuardian = make(map[string]Decryption)
		m.decryptions[d.ElectionCenterID] = byGuardian
	}
	if _, exists := byGuardian[d.GuardianID]; exists {
		return nil // unique key (chunk, guardian) already written: idempotent
	}
	byGuardian[d.GuardianID] = d
	return nil
}

func (m *MemoryStore) GetDecryption(_ context.Context, electionCenterID, guardianID string) (Decryption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decryptions[electionCenterID][guardianID]
	if !ok {
		return Decryption{}, &ErrNotFound{What: fmt.Sprintf("decryption %s/%s", electionCenterID, guardianID)}
	}
	return d, nil
}

func (m *MemoryStore) ListDecryptions(_ context.Context, electionCenterID string) ([]Decryption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Decryption, 0, len(m.decryptions[electionCenterID]))
	for _, d := range m.decryptions[electionCenterID] {
		out = append(out, d)
	}
	return out, nil
}

func (m *MemoryStore) PutCompensatedDecryption(_ context.Context, d CompensatedDecryption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := m.compensated[d.ElectionCenterID]
	for _, e := range existing {
		if e.MissingGuardianID == d.MissingGuardianID && e.CompensatingGuardianID == d.CompensatingGuardianID {
			return nil // unique key already written: idempotent
		}
	}
	m.compensated[d.ElectionCenterID] = append(existing, d)
	return nil
}

func (m *MemoryStore) ListCompensatedDecryptions(_ context.Context, electionCenterID, missingGuardianID string) ([]CompensatedDecryption, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []CompensatedDecryption
	for _, d := range m.compensated[electionCenterID] {
		if d.MissingGuardianID == missingGuardianID {
			out = append(out, d)
		}
	}
	return out, nil
}
