package users

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "users.json")
	s, err := NewStore(path)
	require.NoError(t, err)
	return s, path
}

func TestSeedsDefaultAccounts(t *testing.T) {
	s, path := newTestStore(t)
	all := s.All()
	assert.Len(t, all, 2)
	assert.Contains(t, all, "1001")

	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestPasswordGatesOnStatus(t *testing.T) {
	s, _ := newTestStore(t)

	pass, ok := s.Password("1001")
	require.True(t, ok)
	assert.Equal(t, "1001", pass)

	require.NoError(t, s.Update("1001", User{Status: StatusSuspended}))
	_, ok = s.Password("1001")
	assert.False(t, ok)

	_, ok = s.Password("nobody")
	assert.False(t, ok)
}

func TestAddUpdateDelete(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.Add(User{Username: "2001", Password: "pw"}))
	assert.Error(t, s.Add(User{Username: "2001", Password: "pw"}))

	u, ok := s.Get("2001")
	require.True(t, ok)
	assert.Equal(t, StatusActive, u.Status)
	assert.Equal(t, "BASIC", u.ServiceType)

	require.NoError(t, s.Update("2001", User{DisplayName: "second floor"}))
	u, _ = s.Get("2001")
	assert.Equal(t, "second floor", u.DisplayName)
	assert.Equal(t, "pw", u.Password)

	require.NoError(t, s.Delete("2001"))
	_, ok = s.Get("2001")
	assert.False(t, ok)
	assert.Error(t, s.Delete("2001"))
}

// External edits are picked up when the file mtime advances.
func TestReloadOnMtimeChange(t *testing.T) {
	s, path := newTestStore(t)

	users := map[string]*User{
		"3001": {Username: "3001", Password: "x", Status: StatusActive},
	}
	data, err := json.MarshalIndent(users, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	// Push mtime forward in case the filesystem's resolution is coarse.
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	all := s.All()
	assert.Len(t, all, 1)
	assert.Contains(t, all, "3001")
}
