package datastore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/aleister1102/vulnerax/internal/common"
	"github.com/aleister1102/vulnerax/internal/config"
	"github.com/aleister1102/vulnerax/internal/models"
	"github.com/parquet-go/parquet-go"
	"github.com/rs/zerolog"
)

// ArchiveRecord is the flattened Parquet row for one scan.
type ArchiveRecord struct {
	ScanID          string  `parquet:"scan_id"`
	AccountID       string  `parquet:"account_id"`
	TargetName      string  `parquet:"target_name"`
	TargetURL       string  `parquet:"target_url"`
	Status          string  `parquet:"status"`
	StartedAt       int64   `parquet:"started_at"` // unix millis
	CompletedAt     *int64  `parquet:"completed_at,optional"`
	VulnCritical    *int32  `parquet:"vuln_critical,optional"`
	VulnHigh        *int32  `parquet:"vuln_high,optional"`
	VulnMedium      *int32  `parquet:"vuln_medium,optional"`
	VulnLow         *int32  `parquet:"vuln_low,optional"`
	VulnInfo        *int32  `parquet:"vuln_info,optional"`
	PrivacyHigh     *int32  `parquet:"privacy_high,optional"`
	PrivacyMedium   *int32  `parquet:"privacy_medium,optional"`
	PrivacyLow      *int32  `parquet:"privacy_low,optional"`
	Dependencies    *int32  `parquet:"dependencies_total,optional"`
	FailureKind     *string `parquet:"failure_kind,optional"`
	FailureMessage  *string `parquet:"failure_message,optional"`
	ArchivedAtMilli int64   `parquet:"archived_at"`
}

// ToArchiveRecord flattens a scan for export.
func ToArchiveRecord(scan *models.Scan, archivedAt time.Time) ArchiveRecord {
	rec := ArchiveRecord{
		ScanID:          scan.ID,
		AccountID:       scan.AccountID,
		TargetName:      scan.Target.Name,
		TargetURL:       scan.Target.URL,
		Status:          string(scan.Status),
		StartedAt:       scan.StartedAt.UnixMilli(),
		ArchivedAtMilli: archivedAt.UnixMilli(),
	}
	if scan.CompletedAt != nil {
		ms := scan.CompletedAt.UnixMilli()
		rec.CompletedAt = &ms
	}
	if f := scan.Findings; f != nil {
		rec.VulnCritical = int32Ptr(f.Vulnerabilities.Critical)
		rec.VulnHigh = int32Ptr(f.Vulnerabilities.High)
		rec.VulnMedium = int32Ptr(f.Vulnerabilities.Medium)
		rec.VulnLow = int32Ptr(f.Vulnerabilities.Low)
		rec.VulnInfo = int32Ptr(f.Vulnerabilities.Info)
		rec.PrivacyHigh = int32Ptr(f.PrivacyIssues.High)
		rec.PrivacyMedium = int32Ptr(f.PrivacyIssues.Medium)
		rec.PrivacyLow = int32Ptr(f.PrivacyIssues.Low)
		rec.Dependencies = int32Ptr(f.Dependencies.Total)
	}
	if r := scan.FailureReason; r != nil {
		rec.FailureKind = StringPtrOrNil(string(r.Kind))
		rec.FailureMessage = StringPtrOrNil(r.Message)
	}
	return rec
}

// ArchiveResult describes a written archive file.
type ArchiveResult struct {
	FilePath       string
	RecordsWritten int
	FileSize       int64
	WriteTime      time.Duration
}

// ParquetArchiver exports scan records to Parquet files.
type ParquetArchiver struct {
	config config.StorageConfig
	logger zerolog.Logger
	now    func() time.Time
}

// ParquetArchiverBuilder provides a fluent interface for creating ParquetArchiver
type ParquetArchiverBuilder struct {
	config *config.StorageConfig
	logger zerolog.Logger
	now    func() time.Time
}

// NewParquetArchiverBuilder creates a new ParquetArchiverBuilder
func NewParquetArchiverBuilder(logger zerolog.Logger) *ParquetArchiverBuilder {
	return &ParquetArchiverBuilder{
		logger: logger.With().Str("component", "ParquetArchiver").Logger(),
		now:    time.Now,
	}
}

// WithStorageConfig sets the storage configuration
func (b *ParquetArchiverBuilder) WithStorageConfig(cfg *config.StorageConfig) *ParquetArchiverBuilder {
	b.config = cfg
	return b
}

// WithClock overrides the time source used for file names and archive timestamps.
func (b *ParquetArchiverBuilder) WithClock(now func() time.Time) *ParquetArchiverBuilder {
	b.now = now
	return b
}

// Build creates a new ParquetArchiver instance
func (b *ParquetArchiverBuilder) Build() (*ParquetArchiver, error) {
	if b.config == nil {
		return nil, common.NewValidationError("config", b.config, "storage config cannot be nil")
	}
	if b.config.ArchiveDir == "" {
		return nil, common.NewValidationError("archive_dir", b.config.ArchiveDir, "archive directory is not configured")
	}
	return &ParquetArchiver{
		config: *b.config,
		logger: b.logger,
		now:    b.now,
	}, nil
}

// Archive writes scans to a new timestamped Parquet file under the archive directory.
func (a *ParquetArchiver) Archive(ctx context.Context, scans []*models.Scan) (*ArchiveResult, error) {
	startTime := a.now()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(a.config.ArchiveDir, 0755); err != nil {
		return nil, common.WrapError(err, "failed to create archive directory: "+a.config.ArchiveDir)
	}
	filePath := filepath.Join(a.config.ArchiveDir, fmt.Sprintf("scans-%s.parquet", startTime.UTC().Format("20060102T150405Z")))

	records := make([]ArchiveRecord, 0, len(scans))
	for _, scan := range scans {
		records = append(records, ToArchiveRecord(scan, startTime))
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	written, err := a.writeToParquetFile(filePath, records)
	if err != nil {
		return nil, err
	}

	var size int64
	if info, err := os.Stat(filePath); err == nil {
		size = info.Size()
	}

	result := &ArchiveResult{
		FilePath:       filePath,
		RecordsWritten: written,
		FileSize:       size,
		WriteTime:      time.Since(startTime),
	}
	a.logger.Info().
		Str("file_path", result.FilePath).
		Int("records_written", result.RecordsWritten).
		Int64("file_size", result.FileSize).
		Msg("Archived scans to Parquet file")
	return result, nil
}

func (a *ParquetArchiver) writeToParquetFile(filePath string, records []ArchiveRecord) (int, error) {
	file, err := os.Create(filePath)
	if err != nil {
		return 0, common.WrapError(err, "failed to create parquet file: "+filePath)
	}
	defer file.Close()

	writer := parquet.NewGenericWriter[ArchiveRecord](file, a.compressionOption())
	n, err := writer.Write(records)
	if err != nil {
		_ = writer.Close()
		return 0, common.WrapError(err, "failed to write scans to parquet file")
	}
	if err := writer.Close(); err != nil {
		return 0, common.WrapError(err, "failed to finalize parquet file")
	}
	return n, nil
}

func (a *ParquetArchiver) compressionOption() parquet.WriterOption {
	switch a.config.CompressionCodec {
	case "gzip":
		return parquet.Compression(&parquet.Gzip)
	case "snappy":
		return parquet.Compression(&parquet.Snappy)
	default:
		return parquet.Compression(&parquet.Zstd)
	}
}

// ReadArchive loads every record from an archive file.
func ReadArchive(filePath string) ([]ArchiveRecord, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, common.WrapError(err, "failed to open parquet file for reading: "+filePath)
	}
	defer file.Close()

	reader := parquet.NewGenericReader[ArchiveRecord](file)
	defer reader.Close()

	records := make([]ArchiveRecord, 0, reader.NumRows())
	for {
		batch := make([]ArchiveRecord, 100)
		n, err := reader.Read(batch)
		if n > 0 {
			records = append(records, batch[:n]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, common.WrapError(err, "failed to read scans from parquet file")
		}
	}
	return records, nil
}

// StringPtrOrNil converts string to pointer, or nil if string is empty
func StringPtrOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func int32Ptr(i int) *int32 {
	v := int32(i)
	return &v
}
