package services

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestNamespaceAuthSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "namespaces.json")

	auth := NewNamespaceAuth()
	require.NoError(t, auth.AddNamespace("b", "pw-b"))
	require.NoError(t, auth.AddNamespace("a", "pw-a"))
	require.NoError(t, auth.Save(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := LoadNamespaceAuth(path)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, loaded.Namespaces())
	require.True(t, loaded.Verify("a", "pw-a"))
	require.False(t, loaded.Verify("a", "pw-b"))
	require.False(t, loaded.Verify("c", "pw-a"))
}

func TestNamespaceAuthLoadYAML(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "namespaces.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tenant: '"+string(hash)+"'\n"), 0o600))

	auth, err := LoadNamespaceAuth(path)
	require.NoError(t, err)
	require.True(t, auth.Verify("tenant", "secret"))
}

func TestNamespaceAuthAuthenticate(t *testing.T) {
	auth := NewNamespaceAuth()
	require.NoError(t, auth.AddNamespace("tenant", "secret"))
	require.Error(t, auth.AddNamespace("", "secret"))

	r := httptest.NewRequest("POST", "/register", nil)
	require.ErrorIs(t, auth.Authenticate(r, "tenant"), ErrUnauthorized)

	r.SetBasicAuth("tenant", "secret")
	require.NoError(t, auth.Authenticate(r, "tenant"))
	require.ErrorIs(t, auth.Authenticate(r, "global"), ErrUnauthorized)
}
