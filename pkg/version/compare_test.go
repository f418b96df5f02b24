package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompareOrdering(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.0.0-beta.2", "1.0.0-beta.10", -1},
		{"1.0.0-beta.10", "1.0.0", -1},
		{"1.0.0-rc1", "1.0.0", -1},
		{"2.0.0", "1.9.9", 1},
		{"1.6.0", "1.7.0", -1},
		{"1.0.0", "1.0.0", 0},
		{"v1.2.3", "1.2.3", 0},
		{"1.0.0-alpha", "1.0.0-alpha.1", -1},
		{"1.0.0-alpha.beta", "1.0.0-beta", -1},
	}

	for _, tt := range tests {
		t.Run(tt.a+" vs "+tt.b, func(t *testing.T) {
			got, err := Compare(tt.a, tt.b)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			// Ordering must be antisymmetric
			rev, err := Compare(tt.b, tt.a)
			require.NoError(t, err)
			assert.Equal(t, -tt.want, rev)
		})
	}
}

func TestCompareRejectsGarbage(t *testing.T) {
	_, err := Compare("not-a-version", "1.0.0")
	assert.Error(t, err)
	_, err = Compare("1.0.0", "")
	assert.Error(t, err)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"v1.7.0", "1.7.0", false},
		{"1.7.0", "1.7.0", false},
		{"1.0.0-beta.2", "1.0.0-beta.2", false},
		{"; rm -rf /", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := Normalize(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal("v1.7.0", "1.7.0"))
	assert.False(t, Equal("1.7.0", "1.7.1"))
	assert.False(t, Equal("garbage", "1.7.0"))
}

func TestSatisfies(t *testing.T) {
	ok, err := Satisfies("1.7.0", ">= 1.6.0, < 2.0.0")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Satisfies("2.0.0", ">= 1.6.0, < 2.0.0")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = Satisfies("1.7.0", ">>>")
	assert.Error(t, err)
}
