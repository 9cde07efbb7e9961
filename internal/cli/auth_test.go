package cli

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// keyServer accepts validKey on the submit endpoint and answers any other
// key with UNAUTHORIZED.
func keyServer(t *testing.T, validKey string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/verifications" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("X-API-Key") != validKey {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":{"code":"UNAUTHORIZED","message":"Invalid API key"}}`))
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"code":"INVALID_GEOMETRY","message":"polygon needs at least 3 vertices"}}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func withHome(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	return dir
}

func withStdin(t *testing.T, input string) {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	go func() {
		defer w.Close()
		io.WriteString(w, input)
	}()

	orig := os.Stdin
	os.Stdin = r
	t.Cleanup(func() { os.Stdin = orig })
}

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	orig := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	fn()

	w.Close()
	os.Stdout = orig
	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String()
}

func TestAuthLoginWithFlags(t *testing.T) {
	srv := keyServer(t, "tv_key_valid")
	withHome(t)

	t.Run("valid key is saved", func(t *testing.T) {
		require.NoError(t, runAuthLogin(srv.URL, "tv_key_valid"))
		assert.Equal(t, "tv_key_valid", getCredential(srv.URL))
	})

	t.Run("invalid key is rejected", func(t *testing.T) {
		err := runAuthLogin(srv.URL, "tv_key_wrong")
		assert.ErrorContains(t, err, "invalid API key")
	})

	t.Run("empty stdin is rejected", func(t *testing.T) {
		withStdin(t, "")
		err := runAuthLogin(srv.URL, "")
		assert.ErrorContains(t, err, "API key cannot be empty")
	})
}

func TestAuthLoginFromStdin(t *testing.T) {
	srv := keyServer(t, "tv_key_piped")
	withHome(t)

	tests := []struct {
		name  string
		input string
	}{
		{"simple", "tv_key_piped\n"},
		{"trailing blank line", "tv_key_piped\n\n"},
		{"surrounding spaces", "  tv_key_piped  \n"},
		{"no newline", "tv_key_piped"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			withStdin(t, tt.input)
			require.NoError(t, runAuthLogin(srv.URL, ""))
			assert.Equal(t, "tv_key_piped", getCredential(srv.URL))
		})
	}
}

func TestAuthLogout(t *testing.T) {
	withHome(t)

	require.NoError(t, saveCredential("http://server1:8080", "key1"))
	require.NoError(t, saveCredential("http://server2:8080", "key2"))

	t.Run("specific server", func(t *testing.T) {
		require.NoError(t, runAuthLogout("http://server1:8080", false))
		assert.Empty(t, getCredential("http://server1:8080"))
		assert.Equal(t, "key2", getCredential("http://server2:8080"))
	})

	t.Run("unknown server", func(t *testing.T) {
		require.NoError(t, runAuthLogout("http://nonexistent:8080", false))
	})

	t.Run("all", func(t *testing.T) {
		require.NoError(t, runAuthLogout("", true))
		_, err := loadCredentials()
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("no credentials file", func(t *testing.T) {
		require.NoError(t, runAuthLogout("http://server2:8080", false))
	})
}

func TestAuthStatus(t *testing.T) {
	withHome(t)

	out := captureStdout(t, func() {
		require.NoError(t, runAuthStatus())
	})
	assert.Contains(t, out, "Not authenticated")

	require.NoError(t, saveCredential("http://test-server:8080", "tv_key_12345678901234"))
	out = captureStdout(t, func() {
		require.NoError(t, runAuthStatus())
	})
	assert.Contains(t, out, "Authenticated servers")
	assert.Contains(t, out, "http://test-server:8080")
	assert.Contains(t, out, "tv_key_1...1234")
	assert.NotContains(t, out, "tv_key_12345678901234")
}

func TestValidateAPIKey(t *testing.T) {
	t.Run("valid key", func(t *testing.T) {
		srv := keyServer(t, "good")
		valid, err := validateAPIKey(srv.URL, "good")
		require.NoError(t, err)
		assert.True(t, valid)
	})

	t.Run("invalid key", func(t *testing.T) {
		srv := keyServer(t, "good")
		valid, err := validateAPIKey(srv.URL, "bad")
		require.NoError(t, err)
		assert.False(t, valid)
	})

	t.Run("server error is not an auth failure", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		valid, err := validateAPIKey(srv.URL, "any")
		require.NoError(t, err)
		assert.True(t, valid)
	})

	t.Run("connection error", func(t *testing.T) {
		_, err := validateAPIKey("http://127.0.0.1:1", "any")
		assert.Error(t, err)
	})
}

func TestCredentialPermissions(t *testing.T) {
	home := withHome(t)
	require.NoError(t, saveCredential("http://test:8080", "test-key"))

	dirInfo, err := os.Stat(filepath.Join(home, ".terraverify"))
	require.NoError(t, err)
	fileInfo, err := os.Stat(filepath.Join(home, ".terraverify", "credentials"))
	require.NoError(t, err)

	if os.Getenv("GOOS") != "windows" {
		assert.Equal(t, os.FileMode(0700), dirInfo.Mode().Perm())
		assert.Equal(t, os.FileMode(0600), fileInfo.Mode().Perm())
	}
}

func TestCredentialStorage(t *testing.T) {
	withHome(t)

	servers := map[string]string{
		"http://server1:8080":        "key1",
		"https://verify.example.com": "prod-key",
		"http://localhost:8080":      "local-key",
	}
	for s, key := range servers {
		require.NoError(t, saveCredential(s, key))
	}
	for s, key := range servers {
		assert.Equal(t, key, getCredential(s), s)
	}
	assert.Empty(t, getCredential("http://nonexistent:8080"))

	require.NoError(t, saveCredential("http://server1:8080", "rotated"))
	assert.Equal(t, "rotated", getCredential("http://server1:8080"))

	creds, err := loadCredentials()
	require.NoError(t, err)
	assert.Len(t, creds.Servers, len(servers))
	assert.False(t, creds.Servers["http://server1:8080"].SavedAt.IsZero())
}

func TestAuthCommandStructure(t *testing.T) {
	cmd := createAuthCmd()
	assert.Equal(t, "auth", cmd.Use)

	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"login", "logout", "status"}, names)

	login := createAuthLoginCmd()
	require.NotNil(t, login.Flags().Lookup("server"))
	require.NotNil(t, login.Flags().Lookup("api-key"))

	logout := createAuthLogoutCmd()
	all := logout.Flags().Lookup("all")
	require.NotNil(t, all)
	assert.Equal(t, "false", all.DefValue)
}

func TestMaskAPIKey(t *testing.T) {
	tests := []struct {
		key      string
		expected string
	}{
		{"tv_key_abcdefghijklmnop", "tv_key_a...mnop"},
		{"short", "****"},
		{"12345678", "****"},
		{"123456789", "12345678...6789"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			assert.Equal(t, tt.expected, maskAPIKey(tt.key))
		})
	}
}
