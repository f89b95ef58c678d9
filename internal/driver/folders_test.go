package driver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFolders_OverrideWins(t *testing.T) {
	got, err := ParseFolders([]string{"/a", "/b"}, `[{"path":"/etc","enabled":true}]`, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"/a", "/b"}, got)
}

func TestParseFolders_JSONArrayDropsDisabled(t *testing.T) {
	got, err := ParseFolders(nil, `[{"path":"/home","enabled":true},{"path":"/mnt/data","enabled":false}]`, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"/home"}, got)
}

func TestParseFolders_CSVForm(t *testing.T) {
	got, err := ParseFolders(nil, "/home, /etc ,/opt", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"/home", "/etc", "/opt"}, got)
}

func TestParseFolders_EmptyFallsBackToDefaultsPerOS(t *testing.T) {
	linux, err := ParseFolders(nil, "", false)
	require.NoError(t, err)
	assert.Equal(t, defaultLinuxFolders, linux)

	windows, err := ParseFolders(nil, "", true)
	require.NoError(t, err)
	assert.Equal(t, defaultWindowsFolders, windows)
}

func TestParseFolders_MalformedJSONErrors(t *testing.T) {
	_, err := ParseFolders(nil, `[{"path": }]`, false)
	assert.Error(t, err)
}

func TestParseFolders_AllDisabledFallsBackToDefault(t *testing.T) {
	got, err := ParseFolders(nil, `[{"path":"/tmp","enabled":false}]`, false)
	require.NoError(t, err)
	assert.Equal(t, defaultLinuxFolders, got)
}

func TestFormatFolders_RoundTripsThroughParseFolders(t *testing.T) {
	original := []string{"/srv/data", "/srv/www"}
	formatted, err := FormatFolders(original)
	require.NoError(t, err)

	parsed, err := ParseFolders(nil, formatted, false)
	require.NoError(t, err)
	assert.Equal(t, original, parsed)
}
