package commands

import (
	"os"
	"path/filepath"
	"testing"

	"kiro2chat/internal/encryption"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAndGetScenario(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		fromKey     string
		toKey       string
		expected    string
		expectError bool
	}{
		{
			name:        "enable encryption",
			fromKey:     "",
			toKey:       "new-strong-key-12345",
			expected:    "enable encryption",
			expectError: false,
		},
		{
			name:        "disable encryption",
			fromKey:     "old-key",
			toKey:       "",
			expected:    "disable encryption",
			expectError: false,
		},
		{
			name:        "change encryption key",
			fromKey:     "old-key",
			toKey:       "new-strong-key-12345",
			expected:    "change encryption key",
			expectError: false,
		},
		{
			name:        "same keys",
			fromKey:     "same-key",
			toKey:       "same-key",
			expected:    "",
			expectError: true,
		},
		{
			name:        "no keys provided",
			fromKey:     "",
			toKey:       "",
			expected:    "",
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cmd := &MigrateCacheCommand{
				fromKey: tt.fromKey,
				toKey:   tt.toKey,
			}

			scenario, err := cmd.validateAndGetScenario()

			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tt.expected, scenario)
			}
		})
	}
}

func TestValidateAndGetScenario_WeakPassword(t *testing.T) {
	t.Parallel()
	cmd := &MigrateCacheCommand{
		fromKey: "",
		toKey:   "weak", // short keys warn but do not fail
	}

	scenario, err := cmd.validateAndGetScenario()
	assert.NoError(t, err)
	assert.Equal(t, "enable encryption", scenario)
}

func TestNewMigrateCacheCommand(t *testing.T) {
	t.Parallel()
	cmd := NewMigrateCacheCommand("/tmp/creds.json", "from-key", "to-key")

	assert.NotNil(t, cmd)
	assert.Equal(t, "/tmp/creds.json", cmd.credentialFile)
	assert.Equal(t, "from-key", cmd.fromKey)
	assert.Equal(t, "to-key", cmd.toKey)
}

func TestCreateMigrationServices(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		fromKey string
		toKey   string
	}{
		{name: "enable encryption", fromKey: "", toKey: "test-key-12345"},
		{name: "disable encryption", fromKey: "test-key-12345", toKey: ""},
		{name: "change key", fromKey: "old-key-12345", toKey: "new-key-12345"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cmd := &MigrateCacheCommand{
				fromKey: tt.fromKey,
				toKey:   tt.toKey,
			}

			oldService, newService, err := cmd.createMigrationServices()
			assert.NoError(t, err)
			assert.NotNil(t, oldService)
			assert.NotNil(t, newService)
		})
	}
}

// writeCredentialCache writes a minimal credential document encrypted with
// the given key.
func writeCredentialCache(t *testing.T, path, key string) {
	t.Helper()
	svc, err := encryption.NewService(key)
	require.NoError(t, err)

	doc := `{"accessToken":"at-123","refreshToken":"rt-456","clientId":"cid","clientSecret":"cs"}`
	encrypted, err := svc.Encrypt(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte(encrypted), 0600))
}

func TestPreCheck_PlaintextCache(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "credentials.json")
	writeCredentialCache(t, path, "")

	cmd := NewMigrateCacheCommand(path, "", "new-key-12345")
	oldService, _, err := cmd.createMigrationServices()
	require.NoError(t, err)

	plaintext, err := cmd.preCheck(oldService)
	require.NoError(t, err)
	assert.Contains(t, plaintext, "rt-456")
}

func TestPreCheck_MissingFile(t *testing.T) {
	t.Parallel()
	cmd := NewMigrateCacheCommand(filepath.Join(t.TempDir(), "absent.json"), "", "new-key-12345")
	oldService, _, err := cmd.createMigrationServices()
	require.NoError(t, err)

	_, err = cmd.preCheck(oldService)
	assert.Error(t, err)
}

func TestPreCheck_WrongKey(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "credentials.json")
	writeCredentialCache(t, path, "actual-key-12345")

	cmd := NewMigrateCacheCommand(path, "wrong-key-12345", "new-key-12345")
	oldService, _, err := cmd.createMigrationServices()
	require.NoError(t, err)

	_, err = cmd.preCheck(oldService)
	assert.Error(t, err)
}

func TestRun_EnableEncryption(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "credentials.json")
	writeCredentialCache(t, path, "")

	cmd := NewMigrateCacheCommand(path, "", "new-key-1234567890")
	require.NoError(t, cmd.Run())

	// Backup keeps the original plaintext
	backup, err := os.ReadFile(path + ".bak")
	require.NoError(t, err)
	assert.Contains(t, string(backup), "rt-456")

	// Cache is no longer readable without the new key
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "rt-456")

	newSvc, err := encryption.NewService("new-key-1234567890")
	require.NoError(t, err)
	plaintext, err := newSvc.Decrypt(string(raw))
	require.NoError(t, err)
	assert.Contains(t, plaintext, "rt-456")
}

func TestRun_DisableEncryption(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "credentials.json")
	writeCredentialCache(t, path, "old-key-1234567890")

	cmd := NewMigrateCacheCommand(path, "old-key-1234567890", "")
	require.NoError(t, cmd.Run())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "rt-456")
}

func TestRun_ChangeKey(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "credentials.json")
	writeCredentialCache(t, path, "old-key-1234567890")

	cmd := NewMigrateCacheCommand(path, "old-key-1234567890", "new-key-0987654321")
	require.NoError(t, cmd.Run())

	oldSvc, err := encryption.NewService("old-key-1234567890")
	require.NoError(t, err)
	newSvc, err := encryption.NewService("new-key-0987654321")
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	_, err = oldSvc.Decrypt(string(raw))
	assert.Error(t, err, "old key must no longer decrypt the cache")

	plaintext, err := newSvc.Decrypt(string(raw))
	require.NoError(t, err)
	assert.Contains(t, plaintext, "at-123")
}

func TestRun_WrongFromKeyLeavesFileUntouched(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "credentials.json")
	writeCredentialCache(t, path, "actual-key-12345")

	before, err := os.ReadFile(path)
	require.NoError(t, err)

	cmd := NewMigrateCacheCommand(path, "wrong-key-12345", "new-key-12345")
	require.Error(t, cmd.Run())

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	_, err = os.Stat(path + ".bak")
	assert.True(t, os.IsNotExist(err), "no backup should be written on a failed pre-check")
}
