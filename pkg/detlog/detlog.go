// Package detlog persists classification decisions in BadgerDB so a host
// can review what a sensor reported after a run.
//
// Records are msgpack-encoded and keyed by session and a database-wide
// sequence number:
//
//	det:{session}:{seq:020d} → Record
//
// The zero-padded sequence makes lexicographic key order match append
// order, so [Log.List] returns a session's decisions in the order they were
// made, across stream resets that restart frame numbering.
package detlog

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/haivivi/sensornn/pkg/stream"
)

const (
	keyPrefix   = "det:"
	sequenceKey = "seq:det"
	leaseSize   = 256
)

// ErrInvalidSession is returned for an empty session or one containing the
// key separator.
var ErrInvalidSession = errors.New("detlog: invalid session id")

// Record is one logged decision.
type Record struct {
	Session  string          `msgpack:"session" json:"session" yaml:"session"`
	Seq      uint64          `msgpack:"seq" json:"seq" yaml:"seq"`
	Time     time.Time       `msgpack:"time" json:"time" yaml:"time"`
	Source   string          `msgpack:"source,omitempty" json:"source,omitempty" yaml:"source,omitempty"`
	Decision stream.Decision `msgpack:"decision" json:"decision" yaml:"decision"`
}

// Options configures a Log.
type Options struct {
	// Dir is the BadgerDB directory. Required unless InMemory is set.
	Dir string

	// InMemory keeps the log in memory only.
	InMemory bool

	// Logger receives badger's warnings and errors. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// Log is a decision log. It is safe for concurrent use.
type Log struct {
	db  *badger.DB
	seq *badger.Sequence
	now func() time.Time
}

// Open opens or creates a decision log.
func Open(opts Options) (*Log, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("detlog: Options.Dir is required for on-disk mode")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dbOpts := badger.DefaultOptions(opts.Dir).WithLogger(slogLogger{logger.With("component", "detlog")})
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, fmt.Errorf("detlog: open: %w", err)
	}
	seq, err := db.GetSequence([]byte(sequenceKey), leaseSize)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("detlog: sequence: %w", err)
	}
	return &Log{db: db, seq: seq, now: time.Now}, nil
}

func checkSession(session string) error {
	if session == "" || strings.Contains(session, ":") {
		return fmt.Errorf("%w: %q", ErrInvalidSession, session)
	}
	return nil
}

func recordKey(session string, seq uint64) []byte {
	return fmt.Appendf(nil, "%s%s:%020d", keyPrefix, session, seq)
}

func sessionPrefix(session string) []byte {
	return []byte(keyPrefix + session + ":")
}

// Append logs d under session. source optionally names the input the
// decision was made on.
func (l *Log) Append(ctx context.Context, session, source string, d stream.Decision) (Record, error) {
	if err := checkSession(session); err != nil {
		return Record{}, err
	}
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	n, err := l.seq.Next()
	if err != nil {
		return Record{}, fmt.Errorf("detlog: next sequence: %w", err)
	}
	rec := Record{Session: session, Seq: n, Time: l.now().UTC(), Source: source, Decision: d}
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return Record{}, err
	}
	err = l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(session, n), data)
	})
	if err != nil {
		return Record{}, fmt.Errorf("detlog: append: %w", err)
	}
	return rec, nil
}

// List iterates over the records of session in append order.
func (l *Log) List(ctx context.Context, session string) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		if err := checkSession(session); err != nil {
			yield(Record{}, err)
			return
		}
		prefix := sessionPrefix(session)
		err := l.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = prefix
			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				if err := ctx.Err(); err != nil {
					return err
				}
				var rec Record
				err := it.Item().Value(func(val []byte) error {
					return msgpack.Unmarshal(val, &rec)
				})
				if err != nil {
					err = fmt.Errorf("detlog: decode %s: %w", it.Item().Key(), err)
				}
				if !yield(rec, err) {
					return nil
				}
			}
			return nil
		})
		if err != nil {
			yield(Record{}, err)
		}
	}
}

// Sessions returns the ids of every session with at least one record, in
// key order.
func (l *Log) Sessions(ctx context.Context) ([]string, error) {
	var out []string
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			rest := strings.TrimPrefix(string(it.Item().Key()), keyPrefix)
			session, _, ok := strings.Cut(rest, ":")
			if !ok {
				continue
			}
			if len(out) == 0 || out[len(out)-1] != session {
				out = append(out, session)
			}
		}
		return nil
	})
	return out, err
}

// Close releases the sequence lease and closes the database.
func (l *Log) Close() error {
	return errors.Join(l.seq.Release(), l.db.Close())
}

// slogLogger adapts slog to badger.Logger, dropping info and debug output.
type slogLogger struct{ l *slog.Logger }

func (s slogLogger) Errorf(f string, v ...any) {
	s.l.Error(strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (s slogLogger) Warningf(f string, v ...any) {
	s.l.Warn(strings.TrimSpace(fmt.Sprintf(f, v...)))
}

func (slogLogger) Infof(string, ...any)  {}
func (slogLogger) Debugf(string, ...any) {}
