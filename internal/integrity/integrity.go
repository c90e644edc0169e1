// Package integrity computes tamper-evident digests of a run's activity
// journal. All functions are pure and deterministic.
package integrity

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/ashita-ai/michi/internal/model"
)

// hashPrefix versions the record encoding.
const hashPrefix = "v1:"

// RecordHash produces a versioned SHA-256 hex digest of one activity record.
// Payload whitespace does not affect the hash.
func RecordHash(rec model.ActivityRecord) string {
	h := sha256.New()
	h.Write([]byte{0x00}) // leaf domain separator
	writeField := func(s string) {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(s))) //nolint:gosec // payloads are bounded by HTTP request body limits
		h.Write(lenBuf[:])
		h.Write([]byte(s))
	}
	writeField(rec.ID)
	writeField(rec.TraceID)
	writeField(rec.Actor)
	writeField(string(rec.Kind))
	writeField(rec.OccurredAt.UTC().Format(time.RFC3339Nano))
	writeField(canonicalPayload(rec.Payload))
	return hashPrefix + hex.EncodeToString(h.Sum(nil))
}

// VerifyRecordHash checks whether a stored hash matches the recomputed one.
func VerifyRecordHash(stored string, rec model.ActivityRecord) bool {
	return strings.HasPrefix(stored, hashPrefix) && stored == RecordHash(rec)
}

func canonicalPayload(p json.RawMessage) string {
	if len(p) == 0 {
		return "{}"
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, p); err != nil {
		return string(p)
	}
	return buf.String()
}

// hashPair produces SHA-256(0x01 || a || b) as a hex string.
// The 0x01 prefix is a domain separator for internal Merkle tree nodes (per RFC 6962),
// ensuring internal node hashes can never collide with leaf hashes.
func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01}) // internal node domain separator
	h.Write([]byte(a))
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// BuildMerkleRoot constructs a Merkle tree from leaf hashes and returns the root.
// Leaf order is significant.
// If leaves is empty, returns an empty string.
// If leaves has one element, the root is that element.
// Odd-length levels hash the last node with itself for structural binding.
func BuildMerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	if len(leaves) == 1 {
		return leaves[0]
	}

	level := make([]string, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		var next []string
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}

	return level[0]
}

// JournalDigest is the Merkle root over the record hashes of recs, in
// journal order. Any edit, insertion, deletion or reordering changes it.
func JournalDigest(recs []model.ActivityRecord) string {
	leaves := make([]string, len(recs))
	for i, rec := range recs {
		leaves[i] = RecordHash(rec)
	}
	return BuildMerkleRoot(leaves)
}
