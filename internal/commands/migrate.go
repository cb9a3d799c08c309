// Package commands implements CLI subcommands dispatched from main.
package commands

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"kiro2chat/internal/encryption"
	"kiro2chat/internal/utils"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// minKeyLength triggers a weak-key warning, not an error.
const minKeyLength = 16

// MigrateCacheCommand re-encrypts the credential cache file when the
// ENCRYPTION_KEY changes. Scenarios: enable encryption (no old key),
// disable encryption (no new key), or rotate between two keys.
type MigrateCacheCommand struct {
	credentialFile string
	fromKey        string
	toKey          string
}

// NewMigrateCacheCommand creates a migration command for the given cache file.
func NewMigrateCacheCommand(credentialFile, fromKey, toKey string) *MigrateCacheCommand {
	return &MigrateCacheCommand{
		credentialFile: credentialFile,
		fromKey:        fromKey,
		toKey:          toKey,
	}
}

// validateAndGetScenario determines which migration scenario applies.
func (c *MigrateCacheCommand) validateAndGetScenario() (string, error) {
	if c.fromKey == c.toKey {
		if c.fromKey == "" {
			return "", fmt.Errorf("no keys provided: use --from and/or --to")
		}
		return "", fmt.Errorf("keys are identical, nothing to migrate")
	}

	var scenario string
	switch {
	case c.fromKey == "":
		scenario = "enable encryption"
	case c.toKey == "":
		scenario = "disable encryption"
	default:
		scenario = "change encryption key"
	}

	if c.toKey != "" && len(c.toKey) < minKeyLength {
		logrus.Warnf("New encryption key is shorter than %d characters; consider a stronger key", minKeyLength)
	}
	return scenario, nil
}

// createMigrationServices builds the old and new encryption services.
func (c *MigrateCacheCommand) createMigrationServices() (encryption.Service, encryption.Service, error) {
	oldService, err := encryption.NewService(c.fromKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create service for current key: %w", err)
	}
	newService, err := encryption.NewService(c.toKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create service for new key: %w", err)
	}
	return oldService, newService, nil
}

// preCheck decrypts the cache with the old key and validates the payload
// before anything is rewritten.
func (c *MigrateCacheCommand) preCheck(oldService encryption.Service) (string, error) {
	raw, err := os.ReadFile(c.credentialFile)
	if err != nil {
		return "", fmt.Errorf("failed to read credential cache %s: %w", c.credentialFile, err)
	}

	plaintext, err := oldService.Decrypt(strings.TrimSpace(string(raw)))
	if err != nil {
		return "", fmt.Errorf("failed to decrypt with current key (wrong --from key?): %w", err)
	}
	if !gjson.Valid(plaintext) || gjson.Get(plaintext, "refreshToken").String() == "" {
		return "", fmt.Errorf("decrypted cache is not a credential document (wrong --from key?)")
	}
	return plaintext, nil
}

// createBackup copies the current cache aside so a failed migration can be
// rolled back by hand.
func (c *MigrateCacheCommand) createBackup() (string, error) {
	raw, err := os.ReadFile(c.credentialFile)
	if err != nil {
		return "", err
	}
	backupPath := c.credentialFile + ".bak"
	if err := os.WriteFile(backupPath, raw, 0600); err != nil {
		return "", fmt.Errorf("failed to write backup %s: %w", backupPath, err)
	}
	return backupPath, nil
}

// verifyMigrated re-reads the rewritten cache and confirms the new key
// round-trips it.
func (c *MigrateCacheCommand) verifyMigrated(newService encryption.Service) error {
	raw, err := os.ReadFile(c.credentialFile)
	if err != nil {
		return err
	}
	plaintext, err := newService.Decrypt(strings.TrimSpace(string(raw)))
	if err != nil {
		return fmt.Errorf("verification decrypt failed: %w", err)
	}
	if gjson.Get(plaintext, "refreshToken").String() == "" {
		return fmt.Errorf("verification failed: migrated cache is missing the refresh token")
	}
	return nil
}

// Run executes the migration: decrypt with the old key, back up, re-encrypt
// with the new key atomically, verify.
func (c *MigrateCacheCommand) Run() error {
	scenario, err := c.validateAndGetScenario()
	if err != nil {
		return err
	}
	logrus.Infof("Migration scenario: %s", scenario)

	oldService, newService, err := c.createMigrationServices()
	if err != nil {
		return err
	}

	plaintext, err := c.preCheck(oldService)
	if err != nil {
		return err
	}

	backupPath, err := c.createBackup()
	if err != nil {
		return err
	}
	logrus.Infof("Backup written to %s", backupPath)

	reencrypted, err := newService.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("failed to encrypt with new key: %w", err)
	}

	// Write-then-rename keeps the cache readable if the process dies mid-write
	tmpPath := c.credentialFile + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(reencrypted), 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, c.credentialFile); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace credential cache: %w", err)
	}

	if err := c.verifyMigrated(newService); err != nil {
		return err
	}

	logrus.Infof("Credential cache migrated (%s). Remember to update ENCRYPTION_KEY before restarting.", scenario)
	return nil
}

// RunMigrateCache is the CLI entry point for the migrate-cache subcommand.
func RunMigrateCache(args []string) {
	fs := flag.NewFlagSet("migrate-cache", flag.ExitOnError)
	fromKey := fs.String("from", "", "current encryption key (empty when encryption was disabled)")
	toKey := fs.String("to", "", "new encryption key (empty to disable encryption)")
	file := fs.String("file", "", "credential cache file (defaults to KIRO_CREDENTIAL_FILE)")
	if err := fs.Parse(args); err != nil {
		logrus.Fatalf("Failed to parse arguments: %v", err)
	}

	if err := godotenv.Load(); err != nil {
		logrus.Debug("No .env file found, using environment variables only")
	}

	path := *file
	if path == "" {
		dataDir := utils.GetEnvOrDefault("KIRO2CHAT_DATA_DIR", "./data")
		path = utils.GetEnvOrDefault("KIRO_CREDENTIAL_FILE", filepath.Join(dataDir, "credentials.json"))
	}

	cmd := NewMigrateCacheCommand(path, *fromKey, *toKey)
	if err := cmd.Run(); err != nil {
		logrus.Fatalf("Migration failed: %v", err)
	}
}
