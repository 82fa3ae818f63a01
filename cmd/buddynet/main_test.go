package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/buddynet/crypto"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, "--env-file", filepath.Join(t.TempDir(), "none.env")))
	err := cmd.Execute()
	return out.String(), err
}

func setupDataDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("BUDDYNET_DATA_DIR", dir)
	t.Setenv("BUDDYNET_STORE_DSN", filepath.Join(dir, "buddynet.db"))
	return dir
}

func TestKeygenIsStable(t *testing.T) {
	setupDataDir(t)
	t.Setenv(passwordEnv, "correct horse battery staple")

	first, err := execute(t, "keygen")
	require.NoError(t, err)
	key := strings.TrimSpace(first)
	pk, err := base58.Decode(key)
	require.NoError(t, err)
	assert.Len(t, pk, crypto.PublicKeySize)

	second, err := execute(t, "keygen")
	require.NoError(t, err)
	assert.Equal(t, key, strings.TrimSpace(second))

	t.Setenv(passwordEnv, "wrong")
	_, err = execute(t, "keygen")
	assert.Error(t, err)
}

func TestBuddyCommands(t *testing.T) {
	setupDataDir(t)

	id, err := crypto.GenerateIdentity()
	require.NoError(t, err)
	key := base58.Encode(id.PublicKey())

	_, err = execute(t, "buddy", "add", key, "--subsystem", "2")
	require.NoError(t, err)

	out, err := execute(t, "buddy", "add", key)
	require.NoError(t, err)
	assert.Contains(t, out, "already a buddy")

	out, err = execute(t, "buddy", "list")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], key)
	assert.Equal(t, "2", strings.Fields(lines[1])[1])

	_, err = execute(t, "buddy", "remove", key)
	require.NoError(t, err)
	_, err = execute(t, "buddy", "remove", key)
	assert.Error(t, err)

	out, err = execute(t, "buddy", "list")
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 1)
}

func TestBuddyAddRejectsBadKeys(t *testing.T) {
	setupDataDir(t)

	for _, key := range []string{"0OIl", base58.Encode([]byte("short"))} {
		_, err := execute(t, "buddy", "add", key)
		assert.Error(t, err, key)
	}
}

func TestRunRequiresIdentity(t *testing.T) {
	setupDataDir(t)
	t.Setenv(passwordEnv, "secret")

	_, err := execute(t, "run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "keygen")
}
