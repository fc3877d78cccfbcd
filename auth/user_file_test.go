package auth

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestUserFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.db")
	hash, err := HashPassword("secret")
	require.NoError(t, err)
	require.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("secret")))

	users := map[string]UserRecord{
		"alice": {Username: "alice", PasswordHash: hash, Role: RoleAdmin},
		"bob":   {Username: "bob", PasswordHash: hash, Role: RoleReader},
	}
	require.NoError(t, WriteUserFile(path, users))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	got, err := ReadUserFile(path)
	require.NoError(t, err)
	assert.Equal(t, users, got)
}

func TestUserFile_MissingAndEmpty(t *testing.T) {
	dir := t.TempDir()
	users, err := ReadUserFile(filepath.Join(dir, "absent.db"))
	require.NoError(t, err)
	assert.Empty(t, users)

	empty := filepath.Join(dir, "empty.db")
	require.NoError(t, os.WriteFile(empty, nil, 0600))
	users, err = ReadUserFile(empty)
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestUserFile_Corruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.db")
	require.NoError(t, WriteUserFile(path, map[string]UserRecord{
		"alice": {Username: "alice", PasswordHash: "x", Role: RoleWriter},
	}))
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	flipped := append([]byte(nil), data...)
	flipped[10] ^= 0xFF
	require.NoError(t, os.WriteFile(path, flipped, 0600))
	_, err = ReadUserFile(path)
	assert.ErrorIs(t, err, ErrBadUserFile)

	require.NoError(t, os.WriteFile(path, data[:6], 0600))
	_, err = ReadUserFile(path)
	assert.ErrorIs(t, err, ErrBadUserFile)
}

func TestUserFile_RejectsUnknownRole(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.db")
	err := WriteUserFile(path, map[string]UserRecord{"eve": {Username: "eve", Role: "root"}})
	require.Error(t, err)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}
