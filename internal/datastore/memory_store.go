package datastore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aleister1102/vulnerax/internal/models"
	"github.com/rs/zerolog"
)

// MemoryScanStore keeps scans in process memory. Used for tests and the
// "memory" storage driver.
type MemoryScanStore struct {
	mu      sync.RWMutex
	scans   map[string]*models.Scan
	keys    map[string]string // idempotency key -> scan id
	records *RecordMutexManager
	logger  zerolog.Logger
}

// NewMemoryScanStore returns an empty store.
func NewMemoryScanStore(logger zerolog.Logger) *MemoryScanStore {
	return &MemoryScanStore{
		scans:   make(map[string]*models.Scan),
		keys:    make(map[string]string),
		records: NewRecordMutexManager(),
		logger:  logger.With().Str("component", "MemoryScanStore").Logger(),
	}
}

func (s *MemoryScanStore) Create(_ context.Context, scan *models.Scan) error {
	if scan.Status != models.ScanStatusQueued {
		return fmt.Errorf("%w: new scans start queued, got %s", models.ErrIllegalTransition, scan.Status)
	}
	if err := scan.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.scans[scan.ID]; exists {
		return fmt.Errorf("%w: id %s", ErrDuplicateKey, scan.ID)
	}
	if scan.IdempotencyKey != "" {
		if _, exists := s.keys[scan.IdempotencyKey]; exists {
			return fmt.Errorf("%w: idempotency key already used", ErrDuplicateKey)
		}
		s.keys[scan.IdempotencyKey] = scan.ID
	}
	s.scans[scan.ID] = scan.Clone()

	s.logger.Debug().Str("scan_id", scan.ID).Msg("Scan created")
	return nil
}

func (s *MemoryScanStore) Get(_ context.Context, id string) (*models.Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scan, ok := s.scans[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScanNotFound, id)
	}
	return scan.Clone(), nil
}

func (s *MemoryScanStore) Update(_ context.Context, scan *models.Scan, from models.ScanStatus) error {
	if err := checkUpdate(scan, from); err != nil {
		return err
	}

	recordLock := s.records.GetMutex(scan.ID)
	recordLock.Lock()
	defer recordLock.Unlock()

	s.mu.RLock()
	current, ok := s.scans[scan.ID]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrScanNotFound, scan.ID)
	}
	if current.Status != from {
		return fmt.Errorf("%w: %s is %s, not %s", ErrStatusConflict, scan.ID, current.Status, from)
	}

	s.mu.Lock()
	s.scans[scan.ID] = scan.Clone()
	s.mu.Unlock()

	if scan.Status.IsTerminal() {
		s.records.Release(scan.ID)
	}
	s.logger.Debug().Str("scan_id", scan.ID).Str("status", string(scan.Status)).Msg("Scan updated")
	return nil
}

func (s *MemoryScanStore) FindByIdempotencyKey(_ context.Context, key string) (*models.Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.keys[key]
	if !ok {
		return nil, fmt.Errorf("%w: idempotency key", ErrScanNotFound)
	}
	return s.scans[id].Clone(), nil
}

func (s *MemoryScanStore) ListByAccount(_ context.Context, accountID string) ([]*models.Scan, error) {
	return s.collect(func(scan *models.Scan) bool { return scan.AccountID == accountID }), nil
}

func (s *MemoryScanStore) List(_ context.Context) ([]*models.Scan, error) {
	return s.collect(func(*models.Scan) bool { return true }), nil
}

func (s *MemoryScanStore) collect(keep func(*models.Scan) bool) []*models.Scan {
	s.mu.RLock()
	out := make([]*models.Scan, 0, len(s.scans))
	for _, scan := range s.scans {
		if keep(scan) {
			out = append(out, scan.Clone())
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

func (s *MemoryScanStore) Close() error {
	return nil
}

// MemoryProfileStore is a ProfileStore backed by a map.
type MemoryProfileStore struct {
	mu       sync.RWMutex
	profiles map[string]models.Profile
}

// NewMemoryProfileStore returns a store holding bare profiles for the given uids.
func NewMemoryProfileStore(uids ...string) *MemoryProfileStore {
	s := &MemoryProfileStore{profiles: make(map[string]models.Profile, len(uids))}
	now := time.Now().UTC()
	for _, uid := range uids {
		s.profiles[uid] = models.Profile{UID: uid, CreatedAt: now}
	}
	return s
}

func (s *MemoryProfileStore) ProfileExists(_ context.Context, uid string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.profiles[uid]
	return ok, nil
}

func (s *MemoryProfileStore) GetProfile(_ context.Context, uid string) (*models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	profile, ok := s.profiles[uid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProfileNotFound, uid)
	}
	return &profile, nil
}

func (s *MemoryProfileStore) CreateProfile(_ context.Context, profile models.Profile) (bool, error) {
	if profile.UID == "" {
		return false, errors.New("profile uid is required")
	}
	if profile.CreatedAt.IsZero() {
		profile.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.profiles[profile.UID]; exists {
		return false, nil
	}
	s.profiles[profile.UID] = profile
	return true, nil
}

// DeleteProfile withdraws uid's profile; its next request is no longer authorized.
func (s *MemoryProfileStore) DeleteProfile(_ context.Context, uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[uid]; !ok {
		return fmt.Errorf("%w: %s", ErrProfileNotFound, uid)
	}
	delete(s.profiles, uid)
	return nil
}
