package storage

import (
	"fmt"

	"veche/internal/models"

	"go.etcd.io/bbolt"
)

func (s *BboltStorage) PutLoginSecret(secret string, userID int64, now int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbSecret := &DBLoginSecret{
			Secret:    secret,
			UserID:    userID,
			CreatedAt: now,
		}
		data, err := dbSecret.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSecrets).Put(dbSecret.Key(), data)
	})
}

// RedeemLoginSecret marks a secret used and returns its owner. The check
// and the mark happen in one update transaction, so of any number of
// concurrent redemption attempts exactly one succeeds; the rest get
// ErrSecretAlreadyUsed. Secrets older than maxAge fail with
// ErrSecretExpired without being consumed.
func (s *BboltStorage) RedeemLoginSecret(secret string, now, maxAge int64) (int64, error) {
	var userID int64
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSecrets)
		data := b.Get([]byte(secret))
		if data == nil {
			return fmt.Errorf("login secret: %w", models.ErrNotFound)
		}
		var dbSecret DBLoginSecret
		if err := dbSecret.UnmarshalBinary(data); err != nil {
			return err
		}
		if dbSecret.UsedAt != 0 {
			return models.ErrSecretAlreadyUsed
		}
		if now-dbSecret.CreatedAt > maxAge {
			return models.ErrSecretExpired
		}
		dbSecret.UsedAt = now
		updated, err := dbSecret.MarshalBinary()
		if err != nil {
			return err
		}
		if err := b.Put(dbSecret.Key(), updated); err != nil {
			return err
		}
		userID = dbSecret.UserID
		return nil
	})
	return userID, err
}

func (s *BboltStorage) PutSession(tokenHash string, userID int64, expiresAt int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbSession := &DBSession{
			TokenHash: tokenHash,
			UserID:    userID,
			ExpiresAt: expiresAt,
		}
		data, err := dbSession.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSessions).Put(dbSession.Key(), data)
	})
}

func (s *BboltStorage) SessionUserID(tokenHash string, now int64) (int64, error) {
	var userID int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSessions).Get([]byte(tokenHash))
		if data == nil {
			return fmt.Errorf("session: %w", models.ErrNotFound)
		}
		var dbSession DBSession
		if err := dbSession.UnmarshalBinary(data); err != nil {
			return err
		}
		if dbSession.ExpiresAt <= now {
			return fmt.Errorf("session: %w", models.ErrNotFound)
		}
		userID = dbSession.UserID
		return nil
	})
	return userID, err
}

func (s *BboltStorage) DeleteSession(tokenHash string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(tokenHash))
	})
}
