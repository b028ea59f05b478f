package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"golang.org/x/sys/unix"

	"botvip/internal/models"
)

const fileFormatVersion = 1

type fileDocument struct {
	Version     int                 `json:"version"`
	Subscribers []models.Subscriber `json:"subscribers"`
}

// FileStore keeps the whole ledger in one JSON document. Every call reads
// the file again under a flock on path+".lock", and Save merges its record
// into what is on disk, so several processes (the server and the ledger
// commands) can share one file. Writes go through a temp file and rename,
// so a crash leaves either the old or the new document on disk.
type FileStore struct {
	path string
}

// OpenFileStore checks that path is readable, creating parent directories as
// needed. A missing file is an empty ledger.
func OpenFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("ledger path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}

	s := &FileStore{path: path}
	if err := s.withLock(unix.LOCK_SH, func() error {
		_, err := s.read()
		return err
	}); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) Load(_ context.Context, userID string) (*models.Subscriber, error) {
	records, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	sub, ok := records[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneSubscriber(&sub), nil
}

func (s *FileStore) Save(_ context.Context, sub *models.Subscriber) error {
	if sub == nil || sub.UserID == "" {
		return errors.New("subscriber without user id")
	}

	return s.withLock(unix.LOCK_EX, func() error {
		records, err := s.read()
		if err != nil {
			return err
		}
		records[sub.UserID] = *cloneSubscriber(sub)
		return s.flush(records)
	})
}

func (s *FileStore) FindByCustomer(_ context.Context, customerRef string) (*models.Subscriber, error) {
	records, err := s.snapshot()
	if err != nil {
		return nil, err
	}

	var found *models.Subscriber
	for _, sub := range records {
		if sub.PaymentCustomerRef != customerRef {
			continue
		}
		if found == nil || sub.UpdatedAt > found.UpdatedAt {
			found = cloneSubscriber(&sub)
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (s *FileStore) List(_ context.Context) ([]models.Subscriber, error) {
	records, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	return sortedRecords(records), nil
}

func (s *FileStore) snapshot() (map[string]models.Subscriber, error) {
	var records map[string]models.Subscriber
	err := s.withLock(unix.LOCK_SH, func() error {
		var err error
		records, err = s.read()
		return err
	})
	return records, err
}

// withLock runs fn holding a flock of the given kind on the lock file. The
// lock file is never removed, so it survives the rename in flush.
func (s *FileStore) withLock(how int, fn func() error) error {
	f, err := os.OpenFile(s.path+".lock", os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("open ledger lock: %w", err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), how); err != nil {
		return fmt.Errorf("lock ledger: %w", err)
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN) //nolint:errcheck

	return fn()
}

// read decodes the document on disk. Callers hold the lock.
func (s *FileStore) read() (map[string]models.Subscriber, error) {
	records := make(map[string]models.Subscriber)

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return records, nil
		}
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	if len(data) == 0 {
		return records, nil
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode ledger %s: %w", s.path, err)
	}
	if doc.Version > fileFormatVersion {
		return nil, fmt.Errorf("ledger %s has unsupported version %d", s.path, doc.Version)
	}
	for _, sub := range doc.Subscribers {
		if sub.UserID == "" {
			continue
		}
		records[sub.UserID] = sub
	}
	return records, nil
}

func (s *FileStore) flush(records map[string]models.Subscriber) error {
	doc := fileDocument{Version: fileFormatVersion, Subscribers: sortedRecords(records)}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp ledger: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp ledger: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp ledger: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace ledger: %w", err)
	}
	return nil
}

func sortedRecords(records map[string]models.Subscriber) []models.Subscriber {
	out := make([]models.Subscriber, 0, len(records))
	for _, sub := range records {
		out = append(out, *cloneSubscriber(&sub))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
