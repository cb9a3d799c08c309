package kiro

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"kiro2chat/internal/encryption"
	app_errors "kiro2chat/internal/errors"
	"kiro2chat/internal/types"
)

const (
	credentialTokenKey        = "kirocli:odic:token"
	credentialRegistrationKey = "kirocli:odic:device-registration"
	credentialProfileKey      = "api.codewhisperer.profile"

	// tokenExpiryBuffer refreshes tokens slightly before they expire so an
	// in-flight request never races the deadline.
	tokenExpiryBuffer = 5 * time.Minute

	refreshTimeout = 15 * time.Second

	oidcUserAgent = "aws-sdk-js/3.738.0 ua/2.1 os/other lang/js md/browser#unknown_unknown api/sso-oidc#3.738.0 m/E KiroIDE"
)

// TokenData is the credential set backing upstream calls.
type TokenData struct {
	AccessToken           string
	RefreshToken          string
	ExpiresAt             time.Time
	ClientID              string
	ClientSecret          string
	ClientSecretExpiresAt time.Time
	ProfileArn            string
}

// TokenManager loads CLI credentials and keeps the access token fresh
// against the IdC OIDC endpoint. All methods are safe for concurrent use;
// concurrent callers share a single refresh.
type TokenManager struct {
	upstreamConfig types.UpstreamConfig
	encryption     encryption.Service
	httpClient     *http.Client

	mu    sync.Mutex
	token *TokenData
}

// NewTokenManager creates a TokenManager from the upstream configuration.
func NewTokenManager(configManager types.ConfigManager, encryptionSvc encryption.Service) *TokenManager {
	return &TokenManager{
		upstreamConfig: configManager.GetUpstreamConfig(),
		encryption:     encryptionSvc,
		httpClient:     &http.Client{Timeout: refreshTimeout},
	}
}

// GetAccessToken returns a valid access token, refreshing it when it is
// within the expiry buffer.
func (tm *TokenManager) GetAccessToken(ctx context.Context) (string, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if err := tm.ensureLoaded(); err != nil {
		return "", err
	}

	if !tm.token.ClientSecretExpiresAt.IsZero() && time.Now().After(tm.token.ClientSecretExpiresAt) {
		return "", app_errors.NewAPIError(app_errors.ErrTokenExpired,
			"device registration expired, run 'kiro-cli login' to re-authenticate")
	}

	if time.Now().After(tm.token.ExpiresAt.Add(-tokenExpiryBuffer)) {
		if err := tm.refresh(ctx); err != nil {
			return "", err
		}
	}

	return tm.token.AccessToken, nil
}

// ProfileArn returns the configured or CLI-recorded profile ARN. It is
// empty for deployments without a profile.
func (tm *TokenManager) ProfileArn() string {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if err := tm.ensureLoaded(); err != nil {
		return tm.upstreamConfig.ProfileArn
	}
	return tm.token.ProfileArn
}

func (tm *TokenManager) ensureLoaded() error {
	if tm.token != nil {
		return nil
	}

	token, err := tm.load()
	if err != nil {
		return err
	}
	tm.token = token
	return nil
}

// load reads credentials from the encrypted cache file when configured and
// present, otherwise from the CLI's SQLite store.
func (tm *TokenManager) load() (*TokenData, error) {
	if path := tm.upstreamConfig.CredentialFile; path != "" {
		if _, err := os.Stat(path); err == nil {
			token, err := tm.loadCredentialFile(path)
			if err != nil {
				return nil, err
			}
			logrus.WithField("path", path).Info("Loaded upstream credentials from file")
			return token, nil
		}
	}

	token, err := tm.loadCredentialDB(tm.upstreamConfig.CredentialDB)
	if err != nil {
		return nil, err
	}
	logrus.WithField("path", tm.upstreamConfig.CredentialDB).Info("Loaded upstream credentials from CLI store")

	// Seed the cache file so headless restarts skip the CLI store
	if tm.upstreamConfig.CredentialFile != "" {
		if err := tm.saveCredentialFile(token); err != nil {
			logrus.WithError(err).Warn("Failed to write credential cache file")
		}
	}
	return token, nil
}

func (tm *TokenManager) loadCredentialDB(path string) (*TokenData, error) {
	if path == "" {
		return nil, app_errors.NewAPIError(app_errors.ErrNoCredentials, "no credential store configured")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, app_errors.NewAPIError(app_errors.ErrNoCredentials,
			fmt.Sprintf("credential store not found at %s, run 'kiro-cli login' first", path))
	}

	dsn := path + "?mode=ro&_busy_timeout=2000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}
	defer func() {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			sqlDB.Close()
		}
	}()

	tokenJSON, err := readAuthValue(db, "auth_kv", credentialTokenKey)
	if err != nil {
		return nil, app_errors.NewAPIError(app_errors.ErrNoCredentials,
			"no CLI token found, run 'kiro-cli login' first")
	}
	registrationJSON, err := readAuthValue(db, "auth_kv", credentialRegistrationKey)
	if err != nil {
		return nil, app_errors.NewAPIError(app_errors.ErrNoCredentials,
			"no CLI device registration found, run 'kiro-cli login' first")
	}

	token := &TokenData{
		AccessToken:           gjson.Get(tokenJSON, "access_token").String(),
		RefreshToken:          gjson.Get(tokenJSON, "refresh_token").String(),
		ExpiresAt:             parseTimestamp(gjson.Get(tokenJSON, "expires_at").String()),
		ClientID:              gjson.Get(registrationJSON, "client_id").String(),
		ClientSecret:          gjson.Get(registrationJSON, "client_secret").String(),
		ClientSecretExpiresAt: parseTimestamp(gjson.Get(registrationJSON, "client_secret_expires_at").String()),
		ProfileArn:            tm.upstreamConfig.ProfileArn,
	}
	if token.AccessToken == "" || token.RefreshToken == "" {
		return nil, app_errors.NewAPIError(app_errors.ErrNoCredentials, "CLI token record is incomplete")
	}

	if token.ProfileArn == "" {
		if profileJSON, err := readAuthValue(db, "state", credentialProfileKey); err == nil {
			token.ProfileArn = gjson.Get(profileJSON, "arn").String()
		}
	}
	return token, nil
}

func readAuthValue(db *gorm.DB, table, key string) (string, error) {
	var value string
	result := db.Raw(fmt.Sprintf("SELECT value FROM %s WHERE key = ?", table), key).Scan(&value)
	if result.Error != nil {
		return "", result.Error
	}
	if value == "" {
		return "", gorm.ErrRecordNotFound
	}
	return value, nil
}

// refresh exchanges the refresh token for a new access token and updates
// the cache file when one is configured. Callers hold tm.mu.
func (tm *TokenManager) refresh(ctx context.Context) error {
	logrus.Info("Refreshing upstream access token")

	payload := []byte(`{}`)
	payload, _ = sjson.SetBytes(payload, "clientId", tm.token.ClientID)
	payload, _ = sjson.SetBytes(payload, "clientSecret", tm.token.ClientSecret)
	payload, _ = sjson.SetBytes(payload, "grantType", "refresh_token")
	payload, _ = sjson.SetBytes(payload, "refreshToken", tm.token.RefreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tm.upstreamConfig.RefreshEndpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-amz-user-agent", oidcUserAgent)

	resp, err := tm.httpClient.Do(req)
	if err != nil {
		return app_errors.NewAPIError(app_errors.ErrNoCredentials, fmt.Sprintf("token refresh failed: %v", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read refresh response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		detail := app_errors.ParseUpstreamError(body)
		return app_errors.NewAPIError(app_errors.ErrNoCredentials,
			fmt.Sprintf("token refresh failed with status %d: %s", resp.StatusCode, detail))
	}

	accessToken := gjson.GetBytes(body, "accessToken").String()
	if accessToken == "" {
		return app_errors.NewAPIError(app_errors.ErrNoCredentials, "token refresh response carried no access token")
	}
	expiresIn := gjson.GetBytes(body, "expiresIn").Int()
	if expiresIn <= 0 {
		expiresIn = 3600
	}

	tm.token.AccessToken = accessToken
	tm.token.ExpiresAt = time.Now().Add(time.Duration(expiresIn) * time.Second)
	if refreshToken := gjson.GetBytes(body, "refreshToken").String(); refreshToken != "" {
		tm.token.RefreshToken = refreshToken
	}
	logrus.WithField("expires_in", expiresIn).Info("Upstream access token refreshed")

	if tm.upstreamConfig.CredentialFile != "" {
		if err := tm.saveCredentialFile(tm.token); err != nil {
			logrus.WithError(err).Warn("Failed to update credential cache file")
		}
	}
	return nil
}

func (tm *TokenManager) loadCredentialFile(path string) (*TokenData, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credential file: %w", err)
	}
	decrypted, err := tm.encryption.Decrypt(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credential file: %w", err)
	}

	token := &TokenData{
		AccessToken:           gjson.Get(decrypted, "accessToken").String(),
		RefreshToken:          gjson.Get(decrypted, "refreshToken").String(),
		ExpiresAt:             parseTimestamp(gjson.Get(decrypted, "expiresAt").String()),
		ClientID:              gjson.Get(decrypted, "clientId").String(),
		ClientSecret:          gjson.Get(decrypted, "clientSecret").String(),
		ClientSecretExpiresAt: parseTimestamp(gjson.Get(decrypted, "clientSecretExpiresAt").String()),
		ProfileArn:            gjson.Get(decrypted, "profileArn").String(),
	}
	if token.AccessToken == "" || token.RefreshToken == "" {
		return nil, app_errors.NewAPIError(app_errors.ErrNoCredentials, "credential file is incomplete")
	}
	if tm.upstreamConfig.ProfileArn != "" {
		token.ProfileArn = tm.upstreamConfig.ProfileArn
	}
	return token, nil
}

// saveCredentialFile persists the token set, encrypted at rest. Callers
// hold tm.mu.
func (tm *TokenManager) saveCredentialFile(token *TokenData) error {
	doc := []byte(`{}`)
	doc, _ = sjson.SetBytes(doc, "accessToken", token.AccessToken)
	doc, _ = sjson.SetBytes(doc, "refreshToken", token.RefreshToken)
	doc, _ = sjson.SetBytes(doc, "expiresAt", token.ExpiresAt.UTC().Format(time.RFC3339))
	doc, _ = sjson.SetBytes(doc, "clientId", token.ClientID)
	doc, _ = sjson.SetBytes(doc, "clientSecret", token.ClientSecret)
	doc, _ = sjson.SetBytes(doc, "clientSecretExpiresAt", token.ClientSecretExpiresAt.UTC().Format(time.RFC3339))
	doc, _ = sjson.SetBytes(doc, "profileArn", token.ProfileArn)

	encrypted, err := tm.encryption.Encrypt(string(doc))
	if err != nil {
		return fmt.Errorf("failed to encrypt credentials: %w", err)
	}
	return os.WriteFile(tm.upstreamConfig.CredentialFile, []byte(encrypted), 0600)
}

// parseTimestamp accepts RFC3339 and the CLI store's fraction-less UTC
// format. Unparseable values yield the zero time, treated as expired.
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	trimmed := strings.TrimSuffix(s, "Z")
	if dot := strings.Index(trimmed, "."); dot >= 0 {
		trimmed = trimmed[:dot]
	}
	if t, err := time.ParseInLocation("2006-01-02T15:04:05", trimmed, time.UTC); err == nil {
		return t
	}
	return time.Time{}
}
