package flash

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"

	badger "github.com/dgraph-io/badger/v4"
)

// Badger is a Store whose pages live in BadgerDB, one key per programmed
// page. Pages without a key read as erased, so a fresh database is a fully
// erased device and Erase is a key deletion.
type Badger struct {
	db       *badger.DB
	size     int64
	pageSize int
	prefix   []byte
}

// BadgerOptions configures the BadgerDB store.
type BadgerOptions struct {
	// Dir is the directory for BadgerDB data files.
	// Required unless InMemory is set.
	Dir string

	// InMemory runs BadgerDB in memory-only mode (no disk persistence).
	InMemory bool

	// Size is the device size in bytes. Must be a multiple of PageSize.
	Size int64

	// PageSize is the erase granularity. Default 2048.
	PageSize int

	// Prefix namespaces the page keys so several devices can share one
	// database. Default "flash".
	Prefix string

	// Logger sets the badger logger. If nil, errors and warnings go to the
	// standard log package and everything else is dropped.
	Logger badger.Logger
}

// NewBadger opens a BadgerDB-backed Store.
func NewBadger(opts BadgerOptions) (*Badger, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("flash: BadgerOptions.Dir is required for on-disk mode")
	}
	if opts.PageSize == 0 {
		opts.PageSize = 2048
	}
	if opts.Size <= 0 || opts.Size%int64(opts.PageSize) != 0 {
		return nil, fmt.Errorf("flash: size %d is not a positive multiple of page size %d", opts.Size, opts.PageSize)
	}
	if opts.Prefix == "" {
		opts.Prefix = "flash"
	}

	dbOpts := badger.DefaultOptions(opts.Dir)
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	if opts.Logger != nil {
		dbOpts = dbOpts.WithLogger(opts.Logger)
	} else {
		dbOpts = dbOpts.WithLogger(badgerLogger{})
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, err
	}
	return &Badger{
		db:       db,
		size:     opts.Size,
		pageSize: opts.PageSize,
		prefix:   []byte(opts.Prefix + ":"),
	}, nil
}

// pageKey encodes a page index as prefix + big-endian uint32 so keys sort
// in address order.
func (b *Badger) pageKey(page int64) []byte {
	k := make([]byte, len(b.prefix)+4)
	copy(k, b.prefix)
	binary.BigEndian.PutUint32(k[len(b.prefix):], uint32(page))
	return k
}

// loadPage returns a copy of the page contents, erased if absent.
func (b *Badger) loadPage(txn *badger.Txn, page int64) ([]byte, error) {
	buf := make([]byte, b.pageSize)
	item, err := txn.Get(b.pageKey(page))
	if errors.Is(err, badger.ErrKeyNotFound) {
		for i := range buf {
			buf[i] = ErasedByte
		}
		return buf, nil
	}
	if err != nil {
		return nil, err
	}
	if _, err := item.ValueCopy(buf[:0]); err != nil {
		return nil, err
	}
	return buf, nil
}

func (b *Badger) ReadAt(p []byte, off int64) (int, error) {
	if err := checkRange(off, int64(len(p)), b.size); err != nil {
		return 0, err
	}
	ps := int64(b.pageSize)
	n := 0
	err := b.db.View(func(txn *badger.Txn) error {
		for n < len(p) {
			pos := off + int64(n)
			page, err := b.loadPage(txn, pos/ps)
			if err != nil {
				return err
			}
			n += copy(p[n:], page[pos%ps:])
		}
		return nil
	})
	return n, err
}

func (b *Badger) Erase(off, n int64) error {
	if err := checkRange(off, n, b.size); err != nil {
		return err
	}
	if err := checkEraseAlign(off, n, b.pageSize); err != nil {
		return err
	}
	ps := int64(b.pageSize)
	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for page := off / ps; page < (off+n)/ps; page++ {
		if err := wb.Delete(b.pageKey(page)); err != nil {
			return err
		}
	}
	return wb.Flush()
}

func (b *Badger) Program(off int64, p []byte) error {
	if err := checkRange(off, int64(len(p)), b.size); err != nil {
		return err
	}
	ps := int64(b.pageSize)
	return b.db.Update(func(txn *badger.Txn) error {
		done := 0
		for done < len(p) {
			pos := off + int64(done)
			pageIdx := pos / ps
			page, err := b.loadPage(txn, pageIdx)
			if err != nil {
				return err
			}
			start := pos % ps
			chunk := min(int64(len(p)-done), ps-start)
			for i := start; i < start+chunk; i++ {
				if page[i] != ErasedByte {
					return fmt.Errorf("%w: offset %d", ErrNotErased, pageIdx*ps+i)
				}
			}
			copy(page[start:start+chunk], p[done:])
			if err := txn.Set(b.pageKey(pageIdx), page); err != nil {
				return err
			}
			done += int(chunk)
		}
		return nil
	})
}

func (b *Badger) Size() int64 { return b.size }

func (b *Badger) PageSize() int { return b.pageSize }

// Close releases the underlying database.
func (b *Badger) Close() error {
	return b.db.Close()
}

var _ Store = (*Badger)(nil)

// badgerLogger routes badger errors and warnings to the standard log
// package, suppressing info and debug output.
type badgerLogger struct{}

func (badgerLogger) Errorf(f string, v ...interface{})   { log.Printf("[badger] ERROR: "+f, v...) }
func (badgerLogger) Warningf(f string, v ...interface{}) { log.Printf("[badger] WARN: "+f, v...) }
func (badgerLogger) Infof(string, ...interface{})        {}
func (badgerLogger) Debugf(string, ...interface{})       {}
