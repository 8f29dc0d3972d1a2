package version

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAndCompare(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"5.0.0-alpha.10", "5.0.0-alpha.2", 1},
		{"5.0.0-alpha.2", "5.0.0-alpha.10", -1},
		{"5.0.0-alpha.1", "5.0.0", -1},
		{"5.0.0", "5.0.0-alpha.1", 1},
		{"5.0.0", "5.0.0", 0},
	}
	for _, c := range cases {
		a, err := Parse(c.a)
		require.NoError(t, err)
		b, err := Parse(c.b)
		require.NoError(t, err)
		assert.Equal(t, c.want, a.Compare(b), "%s vs %s", c.a, c.b)
	}
}

func TestParseInvalid(t *testing.T) {
	_, err := Parse("not-a-version")
	require.Error(t, err)
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
}

func TestCurrentFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "os-release")
	contents := "NAME=\"ClipOS\"\nID=clipos\nVERSION_ID=5.0.0-alpha.1\nPRETTY_NAME=\"ClipOS 5.0.0-alpha.1\"\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	v, err := CurrentFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "5.0.0-alpha.1", v.String())
}

func TestCurrentFromFileMissingKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "os-release")
	require.NoError(t, os.WriteFile(path, []byte("NAME=\"ClipOS\"\n"), 0o644))

	_, err := CurrentFromFile(path)
	require.Error(t, err)
}
