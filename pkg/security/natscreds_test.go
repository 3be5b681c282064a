package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionsEmptyCredsYieldsNoOptions(t *testing.T) {
	opts, err := Options(TransportCreds{})
	require.NoError(t, err)
	assert.Empty(t, opts)
}

func TestOptionsCredsFileMissingFails(t *testing.T) {
	_, err := Options(TransportCreds{CredsFile: filepath.Join(t.TempDir(), "missing.creds")})
	assert.Error(t, err)
}

func TestOptionsCredsFilePresentYieldsOption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "user.creds")
	require.NoError(t, os.WriteFile(path, []byte("-----BEGIN NATS USER JWT-----\n-----END NATS USER JWT-----\n"), 0o600))

	opts, err := Options(TransportCreds{CredsFile: path})
	require.NoError(t, err)
	assert.Len(t, opts, 1)
}

func TestOptionsMissingCAFileFails(t *testing.T) {
	_, err := Options(TransportCreds{CAFile: filepath.Join(t.TempDir(), "missing-ca.pem")})
	assert.Error(t, err)
}

func TestOptionsUnparsableCAFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad-ca.pem")
	require.NoError(t, os.WriteFile(path, []byte("not a certificate"), 0o600))

	_, err := Options(TransportCreds{CAFile: path})
	assert.Error(t, err)
}

func TestOptionsUnparsableKeyPairFails(t *testing.T) {
	certPath := filepath.Join(t.TempDir(), "client.crt")
	keyPath := filepath.Join(t.TempDir(), "client.key")
	require.NoError(t, os.WriteFile(certPath, []byte("not a cert"), 0o600))
	require.NoError(t, os.WriteFile(keyPath, []byte("not a key"), 0o600))

	_, err := Options(TransportCreds{CertFile: certPath, KeyFile: keyPath})
	assert.Error(t, err)
}
