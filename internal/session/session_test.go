package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreParsesToken(t *testing.T) {
	var s Session
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	err := s.Store("Xk29fLqT_41", now, time.Hour)
	require.NoError(t, err)

	assert.True(t, s.Authenticated())
	assert.Equal(t, 41, s.Counter())
	assert.False(t, s.Expired(now.Add(59*time.Minute)))
	assert.True(t, s.Expired(now.Add(time.Hour)))
}

func TestStoreRejectsMalformedTokens(t *testing.T) {
	tests := []struct {
		name  string
		plain string
	}{
		{"no separator", "Xk29fLqT"},
		{"too many parts", "a_b_c"},
		{"non-numeric counter", "Xk29fLqT_abc"},
		{"empty", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s Session
			err := s.Store(tt.plain, time.Now(), time.Hour)
			assert.ErrorIs(t, err, ErrInvalidTokenFormat)
			assert.False(t, s.Authenticated())
		})
	}
}

func TestNextIncrementsByOne(t *testing.T) {
	var s Session
	require.NoError(t, s.Store("T1_0", time.Now(), time.Hour))

	assert.Equal(t, "T1_1", s.Next())
	assert.Equal(t, "T1_2", s.Next())
	assert.Equal(t, "T1_3", s.Next())
	assert.Equal(t, 3, s.Counter())
}

func TestStoreResetsCounter(t *testing.T) {
	var s Session
	require.NoError(t, s.Store("T1_0", time.Now(), time.Hour))
	s.Next()
	s.Next()

	require.NoError(t, s.Store("T2_0", time.Now(), time.Hour))
	assert.Equal(t, "T2_1", s.Next())
}

func TestClear(t *testing.T) {
	var s Session
	require.NoError(t, s.Store("T1_5", time.Now(), time.Hour))
	s.Clear()

	assert.False(t, s.Authenticated())
	assert.Equal(t, 0, s.Counter())
}

func TestExpiryBoundaryIsInclusive(t *testing.T) {
	var s Session
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Store("T1_0", now, 30*time.Minute))

	assert.False(t, s.Expired(now.Add(30*time.Minute-time.Nanosecond)))
	assert.True(t, s.Expired(now.Add(30*time.Minute)))
}
