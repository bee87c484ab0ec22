package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"veche/internal/models"
	"veche/internal/storage"

	"github.com/c-pro/geche"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultSecretExpiry  = 10 * time.Minute
	DefaultSessionExpiry = 12 * time.Hour
)

type Config struct {
	// APIRequesterID and APISecret authenticate the external system
	// (the "sysbot") calling the upsert API.
	APIRequesterID int64
	APISecret      string
	apiSecretHash  []byte

	SecretExpiry  time.Duration
	SessionExpiry time.Duration
}

func (c *Config) Validate() error {
	if c.APISecret == "" {
		return errors.New("API secret is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(c.APISecret), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash API secret: %w", err)
	}
	c.apiSecretHash = hash
	// Only the hash is kept around after startup.
	c.APISecret = ""

	if c.SecretExpiry == 0 {
		c.SecretExpiry = DefaultSecretExpiry
	}
	if c.SessionExpiry == 0 {
		c.SessionExpiry = DefaultSessionExpiry
	}
	return nil
}

// Service issues one-time login secrets and the session tokens they are
// exchanged for, and checks API requester credentials.
type Service struct {
	Config
	store        *storage.BboltStorage
	liveSessions geche.Geche[string, int64]
	now          func() time.Time
}

func NewService(ctx context.Context, config Config, store *storage.BboltStorage) (*Service, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Service{
		Config:       config,
		store:        store,
		liveSessions: geche.NewMapTTLCache[string, int64](ctx, config.SessionExpiry, time.Minute),
		now:          time.Now,
	}, nil
}

// CheckAPIAuth verifies the requester id and secret of an API call.
func (s *Service) CheckAPIAuth(requesterID int64, secret string) error {
	var got, want [8]byte
	binary.BigEndian.PutUint64(got[:], uint64(requesterID))
	binary.BigEndian.PutUint64(want[:], uint64(s.APIRequesterID))
	idOK := subtle.ConstantTimeCompare(got[:], want[:]) == 1
	err := bcrypt.CompareHashAndPassword(s.apiSecretHash, []byte(secret))
	if !idOK || err != nil {
		return models.ErrPermissionDenied
	}
	return nil
}

// IssueLoginSecret generates a single-use login secret for the user. The
// secret is URL-safe since it travels in a login link.
func (s *Service) IssueLoginSecret(userID int64) (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate login secret: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(b)
	if err := s.store.PutLoginSecret(secret, userID, s.now().Unix()); err != nil {
		return "", err
	}
	return secret, nil
}

// RedeemSecret exchanges a one-time secret for a session. A secret redeems
// exactly once; later attempts fail with ErrSecretAlreadyUsed, and secrets
// past their expiry window with ErrSecretExpired. A failed redemption never
// leaves a partial session behind.
func (s *Service) RedeemSecret(secret string) (token string, userID int64, err error) {
	userID, err = s.store.RedeemLoginSecret(secret, s.now().Unix(), int64(s.SecretExpiry.Seconds()))
	if err != nil {
		return "", 0, err
	}

	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", 0, fmt.Errorf("failed to generate session token: %w", err)
	}
	token = base64.StdEncoding.EncodeToString(b)

	expiresAt := s.now().Add(s.SessionExpiry).Unix()
	if err := s.store.PutSession(hashToken(token), userID, expiresAt); err != nil {
		return "", 0, err
	}
	s.liveSessions.Set(token, userID)
	return token, userID, nil
}

// UserIDForToken maps a session token to its user.
func (s *Service) UserIDForToken(token string) (int64, error) {
	if userID, err := s.liveSessions.Get(token); err == nil {
		return userID, nil
	}
	// Cache miss: the session may have been created before a restart.
	userID, err := s.store.SessionUserID(hashToken(token), s.now().Unix())
	if err != nil {
		return 0, err
	}
	s.liveSessions.Set(token, userID)
	return userID, nil
}

func (s *Service) Logoff(token string) error {
	_ = s.liveSessions.Del(token)
	return s.store.DeleteSession(hashToken(token))
}

// Raw session tokens are never persisted, only their hashes.
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
