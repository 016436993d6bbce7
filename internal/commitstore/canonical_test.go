package commitstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCanonicalJSONSortsKeys(t *testing.T) {
	payload := map[string]interface{}{
		"b": 2,
		"a": 1,
		"c": map[string]interface{}{"z": true, "y": false},
	}
	got, err := CanonicalJSON(payload)
	require.NoError(t, err)
	require.Equal(t, `{"a":1,"b":2,"c":{"y":false,"z":true}}`, string(got))
}

func TestCanonicalJSONTemporals(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	got, err := CanonicalJSON(map[string]interface{}{"at": ts})
	require.NoError(t, err)
	require.Equal(t, `{"at":"2024-03-01T12:30:00Z"}`, string(got))
}

func TestCanonicalJSONNumbers(t *testing.T) {
	got, err := CanonicalJSON(map[string]interface{}{
		"int":   int64(42),
		"float": 0.1,
		"null":  nil,
	})
	require.NoError(t, err)
	require.Equal(t, `{"float":0.1,"int":42,"null":null}`, string(got))
}

func TestRowHashDeterministic(t *testing.T) {
	payload := map[string]interface{}{"a": 1, "b": "x"}

	sha := NewRowHasher(false, 0)
	h1, _, err := sha.HashRow(payload)
	require.NoError(t, err)
	h2, _, err := sha.HashRow(map[string]interface{}{"b": "x", "a": 1})
	require.NoError(t, err)
	require.Equal(t, h1, h2, "hash must not depend on key insertion order")
	require.Len(t, h1, 64)

	xx := NewRowHasher(true, 7)
	x1, _, err := xx.HashRow(payload)
	require.NoError(t, err)
	require.Len(t, x1, 16)
	require.NotEqual(t, h1, x1)

	xxOther := NewRowHasher(true, 8)
	x2, _, err := xxOther.HashRow(payload)
	require.NoError(t, err)
	require.NotEqual(t, x1, x2, "seed must change the digest")
}

func TestCommitIDStability(t *testing.T) {
	at := time.Date(2024, 5, 20, 8, 0, 0, 0, time.UTC)
	parent := "abc"

	id1, err := CommitID("ds1", &parent, "user1", "import", at)
	require.NoError(t, err)
	id2, err := CommitID("ds1", &parent, "user1", "import", at)
	require.NoError(t, err)
	require.Equal(t, id1, id2)

	id3, err := CommitID("ds1", nil, "user1", "import", at)
	require.NoError(t, err)
	require.NotEqual(t, id1, id3, "parent must participate in the ID")

	id4, err := CommitID("ds1", &parent, "user1", "import", at.Add(time.Second))
	require.NoError(t, err)
	require.NotEqual(t, id1, id4, "timestamp must participate in the ID")
}

func TestLogicalRowID(t *testing.T) {
	require.Equal(t, "primary:2", LogicalRowID("primary", 2))
	require.Equal(t, "primary:%", TableKeyPrefix("primary"))
}
