package pipeline

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_LookupMissThenHitAfterCommit(t *testing.T) {
	c := NewCache(t.TempDir())

	_, ok := c.Lookup("abc123")
	assert.False(t, ok)

	require.NoError(t, c.Commit(Manifest{
		Name: "platform-esp32", Type: "platform", Version: "3.3.5",
		URL: "http://x/esp32.zip", InstalledAt: time.Now(), Fingerprint: "abc123",
	}))

	m, ok := c.Lookup("abc123")
	require.True(t, ok)
	assert.Equal(t, "platform-esp32", m.Name)
}

func TestCache_LookupByIdentityBridgesToContentFingerprint(t *testing.T) {
	c := NewCache(t.TempDir())
	identity := IdentityFingerprint("platform-esp32", "3.3.5", "http://x/esp32.zip")

	_, ok := c.LookupByIdentity(identity)
	assert.False(t, ok, "no identity index entry yet")

	require.NoError(t, c.Commit(Manifest{
		Name: "platform-esp32", Type: "platform", Version: "3.3.5",
		URL: "http://x/esp32.zip", InstalledAt: time.Now(), Fingerprint: "content-fp-xyz",
	}))
	_, ok = c.LookupByIdentity(identity)
	assert.False(t, ok, "manifest committed but identity index not yet linked")

	require.NoError(t, c.CommitIdentity(identity, "content-fp-xyz"))

	m, ok := c.LookupByIdentity(identity)
	require.True(t, ok)
	assert.Equal(t, "platform-esp32", m.Name)
	assert.Equal(t, "content-fp-xyz", m.Fingerprint)
}

func TestFingerprint_DeterministicAcrossIdenticalTrees(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()

	for _, dir := range []string{dirA, dirB} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.txt"), []byte("world"), 0o644))
	}

	fpA, err := Fingerprint(dirA)
	require.NoError(t, err)
	fpB, err := Fingerprint(dirB)
	require.NoError(t, err)

	assert.Equal(t, fpA, fpB)
}

func TestFingerprint_DiffersWhenContentDiffers(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dirA, "a.txt"), []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dirB, "a.txt"), []byte("goodbye"), 0o644))

	fpA, err := Fingerprint(dirA)
	require.NoError(t, err)
	fpB, err := Fingerprint(dirB)
	require.NoError(t, err)

	assert.NotEqual(t, fpA, fpB)
}

func TestIdentityFingerprint_StableForSameTriple(t *testing.T) {
	a := IdentityFingerprint("platform-esp32", "3.3.5", "http://x/esp32.zip")
	b := IdentityFingerprint("platform-esp32", "3.3.5", "http://x/esp32.zip")
	c := IdentityFingerprint("platform-esp32", "3.3.6", "http://x/esp32.zip")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
