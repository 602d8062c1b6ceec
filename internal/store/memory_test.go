package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func seedOneGuardian(t *testing.T, m *MemoryStore) {
	t.Helper()
	m.Seed(
		Election{ID: "E1", Quorum: 1, GuardianCount: 1},
		[]Guardian{{ID: "G1", ElectionID: "E1", SequenceOrder: 1}},
		[]Ballot{
			{ID: "B1", ElectionID: "E1", Status: BallotCast},
			{ID: "B2", ElectionID: "E1", Status: BallotSpoiled},
		},
	)
}

func TestListCastBallots_ExcludesSpoiled(t *testing.T) {
	m := NewMemoryStore()
	seedOneGuardian(t, m)

	ballots, err := m.ListCastBallots(context.Background(), "E1")
	require.NoError(t, err)
	require.Len(t, ballots, 1)
	require.Equal(t, "B1", ballots[0].ID)
}

func TestGetBallots_ReturnsOnlyRequestedIDs(t *testing.T) {
	m := NewMemoryStore()
	seedOneGuardian(t, m)

	ballots, err := m.GetBallots(context.Background(), "E1", []string{"B1"})
	require.NoError(t, err)
	require.Len(t, ballots, 1)
	require.Equal(t, "B1", ballots[0].ID)
}

func TestGetBallots_MissingIDIsError(t *testing.T) {
	m := NewMemoryStore()
	seedOneGuardian(t, m)

	_, err := m.GetBallots(context.Background(), "E1", []string{"B1", "does-not-exist"})
	require.Error(t, err)
}

func TestCreateChunks_RejectsSecondCall(t *testing.T) {
	m := NewMemoryStore()
	seedOneGuardian(t, m)
	ctx := context.Background()

	_, err := m.CreateChunks(ctx, "E1", 2)
	require.NoError(t, err)

	_, err = m.CreateChunks(ctx, "E1", 2)
	require.ErrorIs(t, err, ErrChunksExist)
}

func TestSetEncryptedTally_WritesOnce(t *testing.T) {
	m := NewMemoryStore()
	seedOneGuardian(t, m)
	ctx := context.Background()

	chunks, err := m.CreateChunks(ctx, "E1", 1)
	require.NoError(t, err)
	chunkID := chunks[0].ID

	require.NoError(t, m.SetEncryptedTally(ctx, chunkID, []byte("first")))
	require.NoError(t, m.SetEncryptedTally(ctx, chunkID, []byte("second")))

	c, err := m.GetChunk(ctx, chunkID)
	require.NoError(t, err)
	require.Equal(t, []byte("first"), c.EncryptedTally, "a second write must not overwrite the first (write-once row)")
}

func TestPutDecryption_IdempotentOnRedelivery(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	d := Decryption{ElectionCenterID: "C1", GuardianID: "G1", TallyShare: []byte("first")}
	require.NoError(t, m.PutDecryption(ctx, d))

	dup := Decryption{ElectionCenterID: "C1", GuardianID: "G1", TallyShare: []byte("second")}
	require.NoError(t, m.PutDecryption(ctx, dup))

	got, err := m.GetDecryption(ctx, "C1", "G1")
	require.NoError(t, err)
	require.Equal(t, []byte("first"), got.TallyShare, "redelivery must not produce a duplicate or overwrite")

	all, err := m.ListDecryptions(ctx, "C1")
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestPutSubmittedBallots_DedupesByCiphertext(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, m.PutSubmittedBallots(ctx, "C1", []SubmittedBallot{
		{ID: "s1", ElectionCenterID: "C1", Ciphertext: []byte("x")},
	}))
	require.NoError(t, m.PutSubmittedBallots(ctx, "C1", []SubmittedBallot{
		{ID: "s2", ElectionCenterID: "C1", Ciphertext: []byte("x")},
		{ID: "s3", ElectionCenterID: "C1", Ciphertext: []byte("y")},
	}))

	all, err := m.ListSubmittedBallots(ctx, "C1")
	require.NoError(t, err)
	require.Len(t, all, 2)
}

func TestPutCompensatedDecryption_IdempotentOnRedelivery(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()

	d := CompensatedDecryption{ElectionCenterID: "C1", MissingGuardianID: "G2", CompensatingGuardianID: "G1", TallyShare: []byte("a")}
	require.NoError(t, m.PutCompensatedDecryption(ctx, d))
	require.NoError(t, m.PutCompensatedDecryption(ctx, d))

	all, err := m.ListCompensatedDecryptions(ctx, "C1", "G2")
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestGetElection_NotFound(t *testing.T) {
	m := NewMemoryStore()
	_, err := m.GetElection(context.Background(), "missing")
	require.Error(t, err)
}
