package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tachyon-scan-engine/internal/model"
)

// Store is the opt-in gorm+sqlite snapshot sink. It implements
// orchestrator.SnapshotSink. A nil *Store is never passed around;
// callers that don't want persistence simply pass a nil interface to
// orchestrator.New.
type Store struct {
	db *gorm.DB
}

// Open creates (or reuses) a sqlite database file at path, migrating the
// schema and verifying the stamped SchemaVersion matches. Pass
// ":memory:" for an ephemeral in-process database (tests, one-off
// runs).
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("storage: create dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}

	if err := db.AutoMigrate(&SchemaMeta{}, &ScanSnapshot{}, &SubScanRecord{}, &FindingRecord{}); err != nil {
		return nil, fmt.Errorf("storage: migrate: %w", err)
	}

	var meta SchemaMeta
	if err := db.First(&meta, "id = 1").Error; err != nil {
		if err != gorm.ErrRecordNotFound {
			return nil, fmt.Errorf("storage: read schema meta: %w", err)
		}
		meta = SchemaMeta{ID: 1, Version: SchemaVersion}
		if err := db.Create(&meta).Error; err != nil {
			return nil, fmt.Errorf("storage: stamp schema version: %w", err)
		}
	} else if meta.Version != SchemaVersion {
		return nil, fmt.Errorf("storage: database schema version %d incompatible with engine version %d", meta.Version, SchemaVersion)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveSnapshot upserts the scan's lifecycle row, replaces its sub-scan
// rows, and inserts any findings not already persisted (by FindingID).
// It satisfies orchestrator.SnapshotSink.
func (s *Store) SaveSnapshot(snapshot model.ScanStateSnapshot, findings []model.Finding) {
	row := toScanSnapshot(snapshot)

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(&row).Error; err != nil {
			return err
		}

		if err := tx.Where("scan_id = ?", snapshot.ScanID).Delete(&SubScanRecord{}).Error; err != nil {
			return err
		}
		for _, sub := range snapshot.SubScans {
			rec := toSubScanRecord(sub)
			if err := tx.Create(&rec).Error; err != nil {
				return err
			}
		}

		for _, f := range findings {
			rec := toFindingRecord(snapshot.ScanID, f)
			if err := tx.Where(FindingRecord{FindingID: rec.FindingID}).FirstOrCreate(&rec).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// Persistence is best-effort: a storage failure must never take
		// down a scan in progress. The error is discarded here and is not
		// reported to the caller or logged.
		_ = err
	}
}

// LoadScan reconstructs a scan's persisted snapshot and findings, e.g.
// to serve GetScan/GetResults after a process restart.
func (s *Store) LoadScan(scanID string) (ScanSnapshot, []FindingRecord, error) {
	var row ScanSnapshot
	if err := s.db.First(&row, "scan_id = ?", scanID).Error; err != nil {
		return ScanSnapshot{}, nil, err
	}
	var findings []FindingRecord
	if err := s.db.Where("scan_id = ?", scanID).Order("created_at asc").Find(&findings).Error; err != nil {
		return ScanSnapshot{}, nil, err
	}
	return row, findings, nil
}

func toScanSnapshot(s model.ScanStateSnapshot) ScanSnapshot {
	row := ScanSnapshot{
		ScanID:       s.ScanID,
		TargetRaw:    s.Target.Raw,
		ScanType:     string(s.Request.ScanType),
		Status:       string(s.Status),
		Phase:        string(s.Phase),
		TotalModules: s.TotalModules,
		DoneModules:  s.CompletedModules,
	}
	if !s.StartedAt.IsZero() {
		row.StartedAt = s.StartedAt.Unix()
	}
	if !s.EndedAt.IsZero() {
		row.CompletedAt = s.EndedAt.Unix()
	}
	row.CreatedAt = row.StartedAt
	row.Critical = s.Counters[model.SeverityCritical]
	row.High = s.Counters[model.SeverityHigh]
	row.Medium = s.Counters[model.SeverityMedium]
	row.Low = s.Counters[model.SeverityLow]
	row.Info = s.Counters[model.SeverityInfo]
	return row
}

func toSubScanRecord(sub model.SubScan) SubScanRecord {
	rec := SubScanRecord{
		ScanID:        sub.ScanID,
		Name:          sub.ScannerName,
		Status:        string(sub.Status),
		FindingsCount: sub.FindingsCount,
	}
	if !sub.StartTime.IsZero() {
		rec.StartedAt = sub.StartTime.Unix()
	}
	if !sub.EndTime.IsZero() {
		rec.CompletedAt = sub.EndTime.Unix()
	}
	if sub.Error != nil {
		rec.ErrorKind = string(sub.Error.Kind)
		rec.ErrorMessage = sub.Error.Message
	}
	return rec
}

func toFindingRecord(scanID string, f model.Finding) FindingRecord {
	return FindingRecord{
		FindingID:   f.ID,
		ScanID:      scanID,
		Scanner:     f.ScannerName,
		Type:        f.Type,
		Severity:    string(f.Severity),
		Location:    f.Location,
		Description: f.Description,
		Evidence:    f.Evidence,
		Remediation: f.Remediation,
		CreatedAt:   f.DiscoveredAt.Unix(),
	}
}
