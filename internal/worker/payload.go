package worker

import "encoding/json"

// Payload variants are the tagged, explicitly-fielded replacement for the
// original's dynamic JSON blobs carried across the queue (spec §9): one
// concrete Go type per task type, so the transport codec is a plain
// json.Marshal/Unmarshal, not reflection over an untyped map.

// TallyPayload is one TALLY_CREATION chunk's work order.
type TallyPayload struct {
	ElectionID string   `json:"election_id"`
	ChunkID    string   `json:"chunk_id"`
	Sequence   int      `json:"sequence"`
	BallotIDs  []string `json:"ballot_ids"`
}

// PartialPayload is one PARTIAL_DECRYPTION chunk's work order: one chunk,
// one available guardian.
type PartialPayload struct {
	ElectionID string `json:"election_id"`
	ChunkID    string `json:"chunk_id"`
	GuardianID string `json:"guardian_id"`
}

// CompensatedPayload is one COMPENSATED_DECRYPTION chunk's work order: one
// chunk, one (available, missing) guardian pair.
type CompensatedPayload struct {
	ElectionID             string `json:"election_id"`
	ChunkID                string `json:"chunk_id"`
	CompensatingGuardianID string `json:"compensating_guardian_id"`
	MissingGuardianID      string `json:"missing_guardian_id"`
}

// CombinePayload is one COMBINE_DECRYPTION chunk's work order.
type CombinePayload struct {
	ElectionID string `json:"election_id"`
	ChunkID    string `json:"chunk_id"`
}

func encode(v any) ([]byte, error) { return json.Marshal(v) }

func decode(data []byte, v any) error { return json.Unmarshal(data, v) }

// Encode* wrappers let internal/phase build queue payloads without
// reaching into worker's unexported transport codec.

func EncodeTallyPayload(p TallyPayload) ([]byte, error) { return encode(p) }

func EncodePartialPayload(p PartialPayload) ([]byte, error) { return encode(p) }

func EncodeCompensatedPayload(p CompensatedPayload) ([]byte, error) { return encode(p) }

func EncodeCombinePayload(p CombinePayload) ([]byte, error) { return encode(p) }
