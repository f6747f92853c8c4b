package storage

import (
	"errors"
	"fmt"
	"time"

	"courier/internal/models"

	"go.etcd.io/bbolt"
)

var (
	bucketDelays = []byte("delays")
)

type BboltStorage struct {
	db  *bbolt.DB
	now func() time.Time
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDelays)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db, now: time.Now}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// ResetDelays drops every recorded sample. The server calls it on start so
// the store only ever covers one server lifetime.
func (s *BboltStorage) ResetDelays() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketDelays); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucket(bucketDelays)
		return err
	})
}

// AppendDelays stores samples reported by username, in the order given.
func (s *BboltStorage) AppendDelays(username string, samples []int64) error {
	if len(samples) == 0 {
		return nil
	}
	recordedAt := s.now().UnixMilli()

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketDelays)
		for _, delay := range samples {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			dbSample := &DBDelaySample{
				Seq:         seq,
				Username:    username,
				DelayMillis: delay,
				RecordedAt:  recordedAt,
			}
			data, err := dbSample.MarshalBinary()
			if err != nil {
				return fmt.Errorf("failed to marshal delay sample: %w", err)
			}
			if err := b.Put(dbSample.Key(), data); err != nil {
				return fmt.Errorf("failed to put delay sample: %w", err)
			}
		}
		return nil
	})
}

// ListDelays returns all samples in the order they were appended.
func (s *BboltStorage) ListDelays() ([]models.DelaySample, error) {
	var samples []models.DelaySample
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketDelays)
		return b.ForEach(func(k, v []byte) error {
			var dbSample DBDelaySample
			if err := dbSample.UnmarshalBinary(v); err != nil {
				return err
			}
			samples = append(samples, models.DelaySample{
				Username:    dbSample.Username,
				DelayMillis: dbSample.DelayMillis,
				RecordedAt:  dbSample.RecordedAt,
			})
			return nil
		})
	})
	return samples, err
}
