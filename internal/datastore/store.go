package datastore

import (
	"context"
	"fmt"

	"github.com/aleister1102/vulnerax/internal/config"
	"github.com/aleister1102/vulnerax/internal/models"
	"github.com/rs/zerolog"
)

// ScanStore persists scan records. Writes are linearizable per scan id and
// every read returns a copy the caller owns.
type ScanStore interface {
	// Create stores a new queued scan. It fails with ErrDuplicateKey when the id
	// or idempotency key is taken.
	Create(ctx context.Context, scan *models.Scan) error
	// Get returns the scan with id or ErrScanNotFound.
	Get(ctx context.Context, id string) (*models.Scan, error)
	// Update replaces a stored scan whose status is still from. The new record
	// must be a legal lifecycle step from that status.
	Update(ctx context.Context, scan *models.Scan, from models.ScanStatus) error
	// FindByIdempotencyKey returns the scan created under key or ErrScanNotFound.
	FindByIdempotencyKey(ctx context.Context, key string) (*models.Scan, error)
	// ListByAccount returns an account's scans, newest first.
	ListByAccount(ctx context.Context, accountID string) ([]*models.Scan, error)
	// List returns every scan, newest first.
	List(ctx context.Context) ([]*models.Scan, error)
	Close() error
}

// ProfileStore records which subjects have a user profile.
type ProfileStore interface {
	ProfileExists(ctx context.Context, uid string) (bool, error)
	// GetProfile returns ErrProfileNotFound for an unknown uid.
	GetProfile(ctx context.Context, uid string) (*models.Profile, error)
	// CreateProfile stores profile unless its uid already has one, and
	// reports whether it did. An existing profile is never overwritten.
	CreateProfile(ctx context.Context, profile models.Profile) (bool, error)
}

// Stores bundles the scan and profile stores opened from one configuration.
type Stores struct {
	Scans    ScanStore
	Profiles ProfileStore
	closer   func() error
}

// Close releases the underlying storage.
func (s *Stores) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// Open returns the stores selected by cfg.Driver.
func Open(cfg config.StorageConfig, logger zerolog.Logger) (*Stores, error) {
	switch cfg.Driver {
	case "memory":
		logger.Info().Msg("Using in-memory storage")
		return &Stores{
			Scans:    NewMemoryScanStore(logger),
			Profiles: NewMemoryProfileStore(),
		}, nil
	case "sqlite", "":
		db, err := NewDB(cfg.SQLiteDBPath, logger)
		if err != nil {
			return nil, err
		}
		return &Stores{
			Scans:    NewSQLiteScanStore(db),
			Profiles: NewSQLiteProfileStore(db),
			closer:   db.Close,
		}, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// checkUpdate validates a proposed record against the status it replaces.
func checkUpdate(scan *models.Scan, from models.ScanStatus) error {
	if !models.CanTransition(from, scan.Status) {
		return fmt.Errorf("%w: %s -> %s", models.ErrIllegalTransition, from, scan.Status)
	}
	return scan.Validate()
}
