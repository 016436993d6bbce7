package commitstore

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
)

// CanonicalJSON renders a row payload in the canonical form row hashes
// are computed over: keys sorted lexicographically, no insignificant
// whitespace, temporals as ISO-8601, numbers in shortest round-trip
// form, booleans lowercase.
func CanonicalJSON(value interface{}) ([]byte, error) {
	var sb strings.Builder
	if err := writeCanonical(&sb, value); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

func writeCanonical(sb *strings.Builder, value interface{}) error {
	switch v := value.(type) {
	case nil:
		sb.WriteString("null")
	case time.Time:
		b, _ := json.Marshal(v.UTC().Format(time.RFC3339))
		sb.Write(b)
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			sb.Write(kb)
			sb.WriteByte(':')
			if err := writeCanonical(sb, v[k]); err != nil {
				return err
			}
		}
		sb.WriteByte('}')
	case []interface{}:
		sb.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				sb.WriteByte(',')
			}
			if err := writeCanonical(sb, item); err != nil {
				return err
			}
		}
		sb.WriteByte(']')
	default:
		// Scalars: encoding/json already emits shortest round-trip
		// numbers and lowercase booleans.
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to canonicalize value: %w", err)
		}
		sb.Write(b)
	}
	return nil
}

// HashAlgorithm selects the row-hash function. The choice is fixed per
// deployment and never mixed within a dataset.
type HashAlgorithm string

const (
	HashSHA256   HashAlgorithm = "sha256"
	HashXXHash64 HashAlgorithm = "xxhash64"
)

// RowHasher computes row hashes over canonical JSON payloads.
type RowHasher struct {
	algorithm HashAlgorithm
	seed      uint64
}

// NewRowHasher builds a hasher for the configured algorithm.
func NewRowHasher(useXXHash bool, seed uint64) *RowHasher {
	if useXXHash {
		return &RowHasher{algorithm: HashXXHash64, seed: seed}
	}
	return &RowHasher{algorithm: HashSHA256}
}

// Algorithm reports which hash function this hasher applies.
func (h *RowHasher) Algorithm() HashAlgorithm {
	return h.algorithm
}

// HashRow canonicalizes the payload and returns its hex digest.
func (h *RowHasher) HashRow(payload map[string]interface{}) (string, []byte, error) {
	canonical, err := CanonicalJSON(payload)
	if err != nil {
		return "", nil, err
	}
	return h.HashBytes(canonical), canonical, nil
}

// HashBytes hashes already-canonical bytes.
func (h *RowHasher) HashBytes(canonical []byte) string {
	if h.algorithm == HashXXHash64 {
		d := xxhash.New()
		if h.seed != 0 {
			var seedBytes [8]byte
			binary.BigEndian.PutUint64(seedBytes[:], h.seed)
			d.Write(seedBytes[:])
		}
		d.Write(canonical)
		return fmt.Sprintf("%016x", d.Sum64())
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// CommitID derives the content address for a commit from its identity
// fields. The timestamp pins the ID so identical messages on the same
// parent at different times produce distinct commits.
func CommitID(datasetID string, parentCommitID *string, authorID, message string, authoredAt time.Time) (string, error) {
	identity := map[string]interface{}{
		"dataset_id": datasetID,
		"parent":     nil,
		"author":     authorID,
		"message":    message,
		"timestamp":  authoredAt.UTC().Format(time.RFC3339),
	}
	if parentCommitID != nil {
		identity["parent"] = *parentCommitID
	}
	canonical, err := CanonicalJSON(identity)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// LogicalRowID builds the stable identifier for a row occurrence.
func LogicalRowID(tableKey string, ordinal int64) string {
	return fmt.Sprintf("%s:%d", tableKey, ordinal)
}

// TableKeyPrefix is the LIKE pattern matching all rows of one table.
func TableKeyPrefix(tableKey string) string {
	return tableKey + ":%"
}
