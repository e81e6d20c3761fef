package lease

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/tradecore/internal/domain"
	"golang.org/x/sys/unix"
)

const (
	defaultLeaseDir   = "./wal/leases"
	leaseExt          = ".lease"
	guardExt          = ".lock"
	guardPollInterval = 5 * time.Millisecond
)

// FileStore keeps one lease file per (instrument, operation) in a shared directory.
// Every read-modify-write runs under an exclusive flock on the key's guard file,
// which excludes other processes as well as other goroutines.
type FileStore struct {
	dir string
	now func() time.Time
}

// FileStoreOption configures a FileStore.
type FileStoreOption func(*FileStore)

// WithFileClock replaces the wall clock used for expiry.
func WithFileClock(now func() time.Time) FileStoreOption {
	return func(s *FileStore) {
		s.now = now
	}
}

type fileRecord struct {
	Instrument string    `json:"instrument"`
	Operation  string    `json:"operation"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (r fileRecord) lease() domain.Lease {
	return domain.Lease{Holder: r.Holder, AcquiredAt: r.AcquiredAt, ExpiresAt: r.ExpiresAt}
}

// NewFileStore creates the lease directory if needed.
func NewFileStore(dir string, opts ...FileStoreOption) (*FileStore, error) {
	if dir == "" {
		dir = defaultLeaseDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create lease dir")
	}

	s := &FileStore{dir: dir, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// TryAcquire implements Store.
func (s *FileStore) TryAcquire(ctx context.Context, instrument domain.Pair, op domain.Operation, holder string, ttl time.Duration) (bool, error) {
	key := leaseKey(instrument, op)
	acquired := false

	err := s.withGuard(ctx, key, func(path string) error {
		now := s.now()
		current, err := readRecord(path)
		if err != nil {
			return err
		}
		if current != nil && !current.lease().Expired(now) {
			return nil
		}

		rec := fileRecord{
			Instrument: instrument.String(),
			Operation:  op.String(),
			Holder:     holder,
			AcquiredAt: now,
			ExpiresAt:  now.Add(ttl),
		}
		if err := writeRecord(path, rec); err != nil {
			return err
		}
		acquired = true
		return nil
	})

	return acquired, err
}

// Release implements Store. Only the current holder may release.
func (s *FileStore) Release(ctx context.Context, instrument domain.Pair, op domain.Operation, holder string) (bool, error) {
	key := leaseKey(instrument, op)
	released := false

	err := s.withGuard(ctx, key, func(path string) error {
		current, err := readRecord(path)
		if err != nil {
			return err
		}
		if current == nil || current.Holder != holder {
			return nil
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return errors.Wrap(err, "remove lease file")
		}
		released = true
		return nil
	})

	return released, err
}

// CleanupExpired implements Store. Guard files are kept, removing them would race with waiters.
func (s *FileStore) CleanupExpired(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, errors.Wrap(err, "read lease dir")
	}

	removed := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, leaseExt) {
			continue
		}
		key := strings.TrimSuffix(name, leaseExt)

		err := s.withGuard(ctx, key, func(path string) error {
			current, err := readRecord(path)
			if err != nil {
				// unreadable records are treated as expired
				current = &fileRecord{}
			}
			if current == nil || !current.lease().Expired(s.now()) {
				return nil
			}
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return errors.Wrap(err, "remove expired lease file")
			}
			removed++
			return nil
		})
		if err != nil {
			return removed, err
		}
	}

	return removed, nil
}

// withGuard runs fn while holding the exclusive flock of key.
func (s *FileStore) withGuard(ctx context.Context, key string, fn func(path string) error) error {
	guard, err := os.OpenFile(filepath.Join(s.dir, key+guardExt), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return errors.Wrap(err, "open lease guard")
	}
	defer guard.Close()

	fd := int(guard.Fd())
	for {
		err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EWOULDBLOCK) && !errors.Is(err, unix.EINTR) {
			return errors.Wrap(err, "lock lease guard")
		}

		timer := time.NewTimer(guardPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrap(ctx.Err(), "wait for lease guard")
		case <-timer.C:
		}
	}
	defer func() { _ = unix.Flock(fd, unix.LOCK_UN) }()

	return fn(filepath.Join(s.dir, key+leaseExt))
}

func readRecord(path string) (*fileRecord, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "read lease file")
	}
	if len(payload) == 0 {
		return nil, nil
	}

	var rec fileRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, errors.Wrap(err, "decode lease file")
	}
	return &rec, nil
}

func writeRecord(path string, rec fileRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encode lease file")
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return errors.Wrap(err, "write lease temp file")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, "persist lease file")
	}
	return nil
}
