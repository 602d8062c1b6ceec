// Package chunker implements C1: splitting a ballot set into balanced
// chunks using a cryptographically strong shuffle, per spec §4.1.
package chunker

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// Chunk is one balanced, shuffled slice of ballot ids.
type Chunk struct {
	Sequence   int
	BallotIDs  []string
}

// Split partitions ballotIDs into balanced chunks of target size
// targetSize, per spec §4.1:
//
//	B = 0            -> 0 chunks
//	B <= targetSize  -> 1 chunk of size B
//	otherwise        -> n = floor(B/targetSize) chunks; sizes = floor(B/n),
//	                     first (B mod n) chunks get one extra element
//
// The ballot ids are shuffled with a cryptographically strong permutation
// before being sliced into chunks, then a bijection self-check verifies no
// ballot id was dropped or duplicated. Split never mutates its input slice.
func Split(ballotIDs []string, targetSize int) ([]Chunk, error) {
	if targetSize <= 0 {
		return nil, fmt.Errorf("chunker: targetSize must be positive, got %d", targetSize)
	}

	b := len(ballotIDs)
	if b == 0 {
		return nil, nil
	}

	shuffled := make([]string, b)
	copy(shuffled, ballotIDs)
	if err := cryptoShuffle(shuffled); err != nil {
		return nil, fmt.Errorf("chunker: shuffle: %w", err)
	}

	n := 1
	if b > targetSize {
		n = b / targetSize
	}

	sizes := chunkSizes(b, n)

	chunks := make([]Chunk, 0, n)
	offset := 0
	for i, size := range sizes {
		chunks = append(chunks, Chunk{
			Sequence:  i,
			BallotIDs: shuffled[offset : offset+size],
		})
		offset += size
	}

	if err := selfCheck(ballotIDs, chunks); err != nil {
		return nil, fmt.Errorf("chunker: self-check failed, aborting: %w", err)
	}

	return chunks, nil
}

// chunkSizes computes n chunk sizes summing to b, each floor(b/n), with the
// first (b mod n) chunks receiving one extra ballot.
func chunkSizes(b, n int) []int {
	base := b / n
	extra := b % n
	sizes := make([]int, n)
	for i := range sizes {
		sizes[i] = base
		if i < extra {
			sizes[i]++
		}
	}
	return sizes
}

// cryptoShuffle performs an in-place Fisher-Yates shuffle using crypto/rand
// for the permutation draws.
func cryptoShuffle(s []string) error {
	for i := len(s) - 1; i > 0; i-- {
		jBig, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return err
		}
		j := int(jBig.Int64())
		s[i], s[j] = s[j], s[i]
	}
	return nil
}

// selfCheck verifies the union of chunk contents equals the input multiset
// exactly: same size, no duplicates, no missing ids.
func selfCheck(input []string, chunks []Chunk) error {
	total := 0
	seen := make(map[string]int, len(input))
	for _, c := range chunks {
		total += len(c.BallotIDs)
		for _, id := range c.BallotIDs {
			seen[id]++
		}
	}
	if total != len(input) {
		return fmt.Errorf("chunk size mismatch: got %d ballots across chunks, want %d", total, len(input))
	}
	for _, id := range input {
		if seen[id] != 1 {
			return fmt.Errorf("ballot %q appears %d times across chunks, want exactly 1", id, seen[id])
		}
		delete(seen, id)
	}
	if len(seen) != 0 {
		return fmt.Errorf("chunks contain %d ballot ids not present in input", len(seen))
	}
	return nil
}
