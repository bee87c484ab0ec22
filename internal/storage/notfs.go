package storage

import (
	"encoding/binary"
	"strings"

	"veche/internal/models"

	"go.etcd.io/bbolt"
)

// ClaimNotf records that dispatch for one (post, recipient) pair has begun.
// It returns false when the pair was already claimed by an earlier dispatch,
// which is what keeps re-upserts of an existing post from re-notifying.
func (s *BboltStorage) ClaimNotf(pageID int64, postNr int, userID int64, now int64) (bool, error) {
	claimed := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketNotfs)
		dbNotf := &DBNotf{
			PageID:    pageID,
			PostNr:    postNr,
			UserID:    userID,
			Status:    string(models.NotfPending),
			UpdatedAt: now,
		}
		if b.Get(dbNotf.Key()) != nil {
			return nil
		}
		data, err := dbNotf.MarshalBinary()
		if err != nil {
			return err
		}
		if err := b.Put(dbNotf.Key(), data); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	return claimed, err
}

// FinishNotf moves a claimed notification to its terminal status.
func (s *BboltStorage) FinishNotf(pageID int64, postNr int, userID int64, status models.NotfStatus, now int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbNotf := &DBNotf{
			PageID:    pageID,
			PostNr:    postNr,
			UserID:    userID,
			Status:    string(status),
			UpdatedAt: now,
		}
		data, err := dbNotf.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketNotfs).Put(dbNotf.Key(), data)
	})
}

func (s *BboltStorage) NotfStatus(pageID int64, postNr int, userID int64) (models.NotfStatus, error) {
	status := models.NotfStatus("")
	err := s.db.View(func(tx *bbolt.Tx) error {
		key := (&DBNotf{PageID: pageID, PostNr: postNr, UserID: userID}).Key()
		data := tx.Bucket(bucketNotfs).Get(key)
		if data == nil {
			return models.ErrNotFound
		}
		var dbNotf DBNotf
		if err := dbNotf.UnmarshalBinary(data); err != nil {
			return err
		}
		status = models.NotfStatus(dbNotf.Status)
		return nil
	})
	return status, err
}

// RecordSentEmail appends the email to the sent-emails log. Keys come from
// the bucket sequence so listing order is send order.
func (s *BboltStorage) RecordSentEmail(email models.SentEmail) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEmails)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		dbEmail := &DBSentEmail{
			ID:       email.ID,
			To:       email.To,
			Subject:  email.Subject,
			BodyHTML: email.BodyHTML,
			SentAt:   email.SentAt,
		}
		data, err := dbEmail.MarshalBinary()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return b.Put(key, data)
	})
}

// ListSentEmails returns sent emails oldest first. A non-empty address
// filters to one recipient.
func (s *BboltStorage) ListSentEmails(toAddr string) ([]models.SentEmail, error) {
	var emails []models.SentEmail
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEmails).ForEach(func(k, v []byte) error {
			var dbEmail DBSentEmail
			if err := dbEmail.UnmarshalBinary(v); err != nil {
				return err
			}
			if toAddr != "" && !strings.EqualFold(dbEmail.To, toAddr) {
				return nil
			}
			emails = append(emails, models.SentEmail{
				ID:       dbEmail.ID,
				To:       dbEmail.To,
				Subject:  dbEmail.Subject,
				BodyHTML: dbEmail.BodyHTML,
				SentAt:   dbEmail.SentAt,
			})
			return nil
		})
	})
	return emails, err
}

// PushSubscription is one browser's web push registration.
type PushSubscription struct {
	UserID   int64
	Endpoint string
	P256dh   string
	Auth     string
}

func (s *BboltStorage) PutPushSubscription(sub PushSubscription) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		dbSub := &DBPushSub{
			UserID:   sub.UserID,
			Endpoint: sub.Endpoint,
			P256dh:   sub.P256dh,
			Auth:     sub.Auth,
		}
		data, err := dbSub.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketPushSubs).Put(dbSub.Key(), data)
	})
}

func (s *BboltStorage) PushSubscriptionsFor(userID int64) ([]PushSubscription, error) {
	var subs []PushSubscription
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPushSubs).ForEach(func(k, v []byte) error {
			var dbSub DBPushSub
			if err := dbSub.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbSub.UserID != userID {
				return nil
			}
			subs = append(subs, PushSubscription{
				UserID:   dbSub.UserID,
				Endpoint: dbSub.Endpoint,
				P256dh:   dbSub.P256dh,
				Auth:     dbSub.Auth,
			})
			return nil
		})
	})
	return subs, err
}
