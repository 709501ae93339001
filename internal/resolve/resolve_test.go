package resolve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var scopes = []Candidate{
	{ID: "a1b2c3d4", Name: "示波器", CreatedAt: "2024-01-01T00:00:00Z", Descriptors: []string{"B203", "Ben", "normal"}},
	{ID: "e5f6a7b8", Name: "示波器", CreatedAt: "2024-06-01T00:00:00Z", Descriptors: []string{"B105", "Amy", "normal"}},
	{ID: "c9d0e1f2", Name: "Multimeter", CreatedAt: "2023-01-01T00:00:00Z"},
}

func TestExactMatchIgnoresCase(t *testing.T) {
	c, err := Resolve(scopes, "multimeter", "")
	require.NoError(t, err)
	assert.Equal(t, "c9d0e1f2", c.ID)
}

func TestPartialNameIsNotFound(t *testing.T) {
	_, err := Resolve(scopes, "multi", "")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = Resolve(scopes, "示波", "B203")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNotFound(t *testing.T) {
	_, err := Resolve(scopes, "Spectrum analyser", "")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorContains(t, err, "not found")
}

func TestAmbiguousWithoutHint(t *testing.T) {
	_, err := Resolve(scopes, "示波器", "")
	assert.ErrorIs(t, err, ErrAmbiguous)
}

func TestHintByDescriptor(t *testing.T) {
	c, err := Resolve(scopes, "示波器", "放在 B203 的那台")
	require.NoError(t, err)
	assert.Equal(t, "a1b2c3d4", c.ID)
}

func TestHintByIDPrefix(t *testing.T) {
	c, err := Resolve(scopes, "示波器", "e5f6")
	require.NoError(t, err)
	assert.Equal(t, "e5f6a7b8", c.ID)
}

func TestHintTieBreaksOnMostRecent(t *testing.T) {
	c, err := Resolve(scopes, "示波器", "normal")
	require.NoError(t, err)
	assert.Equal(t, "e5f6a7b8", c.ID)
}

func TestHintMatchingNothingStaysAmbiguous(t *testing.T) {
	_, err := Resolve(scopes, "示波器", "C999")
	assert.ErrorIs(t, err, ErrAmbiguous)
}
