package id

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerator_NextIsMonotoneAndUnique(t *testing.T) {
	g := NewGenerator(7)
	prev := ID(0)
	for i := 0; i < 5000; i++ {
		next := g.Next()
		assert.Greater(t, int64(next), int64(prev))
		prev = next
	}
}

func TestGenerator_SameMillisecondIncrementsSequence(t *testing.T) {
	frozen := time.Unix(1800000000, 0)
	g := NewGenerator(3)
	g.now = func() time.Time { return frozen }

	a := g.Next()
	b := g.Next()
	assert.Less(t, int64(a), int64(b))
	assert.Equal(t, int64(1), int64(b)-int64(a))
}

func TestGenerator_NodeIDMaskedToNodeBits(t *testing.T) {
	g := NewGenerator(maxNode + 100)
	assert.Equal(t, (maxNode+100)&maxNode, g.node)
}

func TestID_JSONRoundTripIsString(t *testing.T) {
	want := ID(123456789)
	b, err := json.Marshal(want)
	require.NoError(t, err)
	assert.Equal(t, `"123456789"`, string(b))

	var got ID
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, want, got)
}

func TestID_UnmarshalToleratesBareNumber(t *testing.T) {
	var got ID
	require.NoError(t, json.Unmarshal([]byte(`42`), &got))
	assert.Equal(t, ID(42), got)
}

func TestID_UnmarshalRejectsGarbage(t *testing.T) {
	var got ID
	err := json.Unmarshal([]byte(`"not-a-number"`), &got)
	assert.Error(t, err)
}

func TestParse(t *testing.T) {
	got, err := Parse("99")
	require.NoError(t, err)
	assert.Equal(t, ID(99), got)

	_, err = Parse("nope")
	assert.Error(t, err)
}

func TestID_IsZero(t *testing.T) {
	assert.True(t, ID(0).IsZero())
	assert.False(t, ID(1).IsZero())
}
