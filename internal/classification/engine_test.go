package classification

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	e := NewTLP()

	tests := []struct {
		in   string
		long bool
		want string
	}{
		{"tlp:clear", true, "TLP:CLEAR"},
		{"TLP:WHITE", true, "TLP:CLEAR"},
		{"white", false, "TLP:C"},
		{"TLP:AMBER + STRICT", true, "TLP:AMBER+STRICT"},
		{"tlp:a+s", true, "TLP:AMBER+STRICT"},
		{"TLP:RED", false, "TLP:R"},
	}
	for _, tt := range tests {
		got, err := e.Normalize(tt.in, tt.long)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := e.Normalize("TLP:PURPLE", true)
	assert.True(t, errors.Is(err, ErrInvalidClassification))
}

func TestIsAccessible(t *testing.T) {
	e := NewTLP()

	ok, err := e.IsAccessible("TLP:GREEN", "TLP:AMBER")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.IsAccessible("TLP:AMBER+STRICT", "TLP:CLEAR")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = e.IsAccessible("TLP:AMBER", "TLP:AMBER")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = e.IsAccessible("nope", "TLP:RED")
	assert.ErrorIs(t, err, ErrInvalidClassification)
}

func TestMinMax(t *testing.T) {
	e := NewTLP()

	lo, err := e.Min("TLP:AMBER+STRICT", "TLP:CLEAR")
	require.NoError(t, err)
	assert.Equal(t, "TLP:CLEAR", lo)

	hi, err := e.Max("TLP:GREEN", "TLP:RED")
	require.NoError(t, err)
	assert.Equal(t, "TLP:RED", hi)

	_, err = e.Max("TLP:GREEN", "")
	assert.ErrorIs(t, err, ErrInvalidClassification)
}

func TestLevelsAndValidity(t *testing.T) {
	e := NewTLP()
	assert.Equal(t, []string{"TLP:CLEAR", "TLP:GREEN", "TLP:AMBER", "TLP:AMBER+STRICT", "TLP:RED"}, e.Levels())
	assert.Equal(t, "TLP:CLEAR", e.Lowest())
	assert.True(t, e.IsValid("tlp:green"))
	assert.False(t, e.IsValid(""))
}

func TestNewOrderedFromNames(t *testing.T) {
	e, err := NewOrdered(LevelsFromNames([]string{"unclassified", "protected a", "protected b"}))
	require.NoError(t, err)

	ok, err := e.IsAccessible("PROTECTED B", "PROTECTED A")
	require.NoError(t, err)
	assert.False(t, ok)

	norm, err := e.Normalize("protected a", false)
	require.NoError(t, err)
	assert.Equal(t, "PROTECTED A", norm)

	_, err = NewOrdered(nil)
	assert.ErrorIs(t, err, ErrInvalidClassification)
}
