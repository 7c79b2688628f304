package cert

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndVerify(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Generate(dir, DefaultEntities([]string{"localhost", "127.0.0.1"})))

	for _, name := range []string{"server", "coordinator", "peer"} {
		err := VerifyTLSConfig(filepath.Join(dir, name+".crt"), filepath.Join(dir, name+".key"), filepath.Join(dir, "ca.crt"))
		assert.NoError(t, err, name)
	}

	cfg, err := ClientTLSConfig(filepath.Join(dir, "ca.crt"), filepath.Join(dir, "peer.crt"), filepath.Join(dir, "peer.key"))
	require.NoError(t, err)
	assert.NotNil(t, cfg.RootCAs)
	assert.Len(t, cfg.Certificates, 1)
}

func TestVerifyRejectsForeignCA(t *testing.T) {
	first, second := t.TempDir(), t.TempDir()
	require.NoError(t, Generate(first, DefaultEntities([]string{"localhost"})))
	require.NoError(t, Generate(second, DefaultEntities([]string{"localhost"})))

	err := VerifyTLSConfig(filepath.Join(first, "server.crt"), filepath.Join(first, "server.key"), filepath.Join(second, "ca.crt"))
	assert.Error(t, err)

	err = VerifyTLSConfig(filepath.Join(first, "server.crt"), filepath.Join(second, "server.key"), filepath.Join(first, "ca.crt"))
	assert.Error(t, err)
}

func TestClientTLSConfigErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := ClientTLSConfig(filepath.Join(dir, "missing.crt"), "", "")
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.crt"), []byte("not pem"), 0600))
	_, err = ClientTLSConfig(filepath.Join(dir, "bad.crt"), "", "")
	assert.Error(t, err)

	cfg, err := ClientTLSConfig("", "", "")
	require.NoError(t, err)
	assert.Nil(t, cfg.RootCAs)
}
