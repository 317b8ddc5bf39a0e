package localstate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coursehub/realtime/internal/types"
)

func TestLoad_MissingFile(t *testing.T) {
	st, ok, err := Load(t.TempDir())
	require.NoError(t, err, "expected a missing file to not be an error")
	assert.False(t, ok)
	assert.Empty(t, st.Token)
}

func TestSaveLoadRoundtrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")

	want := State{
		Token: "session-token",
		User:  types.User{Id: "u1", Firstname: "Ada", Lastname: "Lovelace", Role: "instructor"},
	}
	require.NoError(t, Save(dir, want))

	st, ok, err := Load(dir)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, want, st)

	// Saving again replaces the previous state.
	want.Token = "rotated-token"
	require.NoError(t, Save(dir, want))

	st, _, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "rotated-token", st.Token)
}

func TestLoad_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, stateFile), []byte("{not json"), 0o600))

	_, _, err := Load(dir)
	assert.Error(t, err)
}

func TestLoad_EmptyToken(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Save(dir, State{User: types.User{Id: "u1"}}))

	st, ok, err := Load(dir)
	require.NoError(t, err)
	assert.False(t, ok, "expected a state without a token to report not ok")
	assert.Equal(t, "u1", st.User.Id)
}

func TestClear(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Save(dir, State{Token: "x"}))
	require.NoError(t, Clear(dir))

	_, ok, err := Load(dir)
	require.NoError(t, err)
	assert.False(t, ok)

	// Clearing a clean directory is a no-op.
	assert.NoError(t, Clear(dir))
}

func TestSave_Permissions(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	require.NoError(t, Save(dir, State{Token: "secret"}))

	info, err := os.Stat(filepath.Join(dir, stateFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm(), "expected the token file to be private")
}
