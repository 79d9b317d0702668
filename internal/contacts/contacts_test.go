package contacts

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCSV = `name,phone,email
Juan Pérez,+54 9 11 5555-1234,juan@example.com
María González,11 4444 3333,
Carlos Díaz,,carlos@example.com
`

func TestRatio(t *testing.T) {
	tests := []struct {
		a, b string
		want float64
	}{
		{"abcd", "bcde", 0.75},
		{"", "", 1},
		{"abc", "xyz", 0},
		{"same", "same", 1},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, Ratio(tt.a, tt.b), 1e-9, "%q vs %q", tt.a, tt.b)
	}
}

func TestParseSkipsHeaderAndShortRows(t *testing.T) {
	d, err := Parse(strings.NewReader(sampleCSV+"solo\n"), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, d.Len())
}

func TestParseEmpty(t *testing.T) {
	_, err := Parse(strings.NewReader("name,phone\n"), nil)
	assert.ErrorIs(t, err, ErrNoContacts)
}

func TestFindSubstring(t *testing.T) {
	d, err := Parse(strings.NewReader(sampleCSV), nil)
	require.NoError(t, err)

	c, ok := d.Find("maría")
	require.True(t, ok)
	assert.Equal(t, "María González", c.Name)
	assert.Equal(t, "11 4444 3333", c.Phone)
	assert.Equal(t, "substring", c.Match)
}

func TestFindFuzzy(t *testing.T) {
	d, err := Parse(strings.NewReader(sampleCSV), nil)
	require.NoError(t, err)

	c, ok := d.Find("juan perez")
	require.True(t, ok)
	assert.Equal(t, "Juan Pérez", c.Name)
	assert.Equal(t, "fuzzy", c.Match)
}

func TestFindFuzzySkipsEntriesWithoutPhone(t *testing.T) {
	d, err := Parse(strings.NewReader(sampleCSV), nil)
	require.NoError(t, err)

	_, ok := d.Find("carlos diaz")
	assert.False(t, ok)
}

func TestFindNoMatch(t *testing.T) {
	d, err := Parse(strings.NewReader(sampleCSV), nil)
	require.NoError(t, err)

	_, ok := d.Find("zzzzzzzz")
	assert.False(t, ok)
	_, ok = d.Find("   ")
	assert.False(t, ok)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "contacts.csv")
	require.NoError(t, os.WriteFile(path, []byte(sampleCSV), 0o644))

	d, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, d.Len())

	_, err = Load(filepath.Join(t.TempDir(), "missing.csv"), nil)
	assert.Error(t, err)
}
