// Package journal persists emitted verdicts.
package journal

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	apperrors "github.com/animalrunner/listener/internal/errors"
	"github.com/animalrunner/listener/internal/orchestrator/verdict"
)

// Record is one persisted verdict.
type Record struct {
	ID    string    `msgpack:"id" json:"id"`
	Label string    `msgpack:"label" json:"label"`
	Share float64   `msgpack:"share" json:"share"`
	At    time.Time `msgpack:"at" json:"at"`
}

// NewRecord assigns a fresh ID to v.
func NewRecord(v verdict.Verdict) Record {
	return Record{ID: uuid.NewString(), Label: v.Label, Share: v.Share, At: v.At}
}

// Key layout: "v/" + big-endian unix nanos + record ID. Byte order matches
// chronological order, and the ID keeps same-instant records distinct.
var keyPrefix = []byte("v/")

func recordKey(r Record) []byte {
	k := make([]byte, 0, len(keyPrefix)+8+len(r.ID))
	k = append(k, keyPrefix...)
	k = binary.BigEndian.AppendUint64(k, uint64(r.At.UnixNano()))
	return append(k, r.ID...)
}

// Options configures the badger-backed store.
type Options struct {
	Dir      string
	InMemory bool
}

// BadgerStore keeps verdict records in BadgerDB.
type BadgerStore struct {
	db *badger.DB
}

// Open opens (or creates) the store.
func Open(opts Options) (*BadgerStore, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, apperrors.New(apperrors.CodeInvalidArgument, "journal directory is required for on-disk mode")
	}
	dbOpts := badger.DefaultOptions(opts.Dir).WithLogger(badgerLogger{})
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.CodeUnavailable, "open journal %q", opts.Dir)
	}
	return &BadgerStore{db: db}, nil
}

// Append writes records in one batch.
func (s *BadgerStore) Append(_ context.Context, records []Record) error {
	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, r := range records {
		val, err := msgpack.Marshal(r)
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "encode journal record")
		}
		if err := wb.Set(recordKey(r), val); err != nil {
			return apperrors.Wrap(err, apperrors.CodeUnavailable, "stage journal record")
		}
	}
	if err := wb.Flush(); err != nil {
		return apperrors.Wrap(err, apperrors.CodeUnavailable, "flush journal batch")
	}
	return nil
}

// Recent returns up to limit records, newest first. limit <= 0 returns all.
func (s *BadgerStore) Recent(_ context.Context, limit int) ([]Record, error) {
	var out []Record
	err := s.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Reverse = true
		iterOpts.Prefix = keyPrefix
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		// Reverse iteration seeks to the greatest key <= seek.
		seek := append(append([]byte{}, keyPrefix...), 0xFF)
		for it.Seek(seek); it.ValidForPrefix(keyPrefix); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var r Record
			if err := msgpack.Unmarshal(val, &r); err != nil {
				slog.Warn("skipping malformed journal record", "key", string(it.Item().Key()), "error", err)
				continue
			}
			out = append(out, r)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeUnavailable, "read journal")
	}
	return out, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// badgerLogger routes badger warnings and errors to slog.
type badgerLogger struct{}

func (badgerLogger) Errorf(f string, v ...any) {
	slog.Error("badger: " + strings.TrimSpace(fmt.Sprintf(f, v...)))
}
func (badgerLogger) Warningf(f string, v ...any) {
	slog.Warn("badger: " + strings.TrimSpace(fmt.Sprintf(f, v...)))
}
func (badgerLogger) Infof(string, ...any)  {}
func (badgerLogger) Debugf(string, ...any) {}
