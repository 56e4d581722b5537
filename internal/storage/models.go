// Package storage is the optional persistence layer: a gorm+sqlite
// snapshot sink that satisfies orchestrator.SnapshotSink. It adapts the
// teacher's gorm-tagged row models (field tagging, TableName()
// convention) from download bookkeeping to scan/sub-scan/finding
// bookkeeping.
package storage

import (
	"time"

	"gorm.io/gorm"
)

// SchemaVersion is bumped whenever the row shapes below change
// incompatibly. Open refuses to reuse a database file stamped with a
// different version.
const SchemaVersion = 1

// SchemaMeta is a single-row table recording the schema version a
// database file was created with.
type SchemaMeta struct {
	ID      uint `gorm:"primaryKey"`
	Version int
}

func (SchemaMeta) TableName() string { return "schema_meta" }

// ScanSnapshot is the persisted row for one scan's lifecycle state, a
// flattened copy of model.ScanStateSnapshot.
type ScanSnapshot struct {
	ScanID       string `gorm:"primaryKey" json:"scan_id"`
	TargetRaw    string `json:"target_raw"`
	ScanType     string `gorm:"index" json:"scan_type"`
	Status       string `gorm:"index" json:"status"`
	Phase        string `json:"phase"`
	CreatedAt    int64  `json:"created_at"`
	StartedAt    int64  `json:"started_at"`
	CompletedAt  int64  `json:"completed_at"`
	TotalModules int    `json:"total_modules"`
	DoneModules  int    `json:"done_modules"`
	Critical     int    `json:"critical"`
	High         int    `json:"high"`
	Medium       int    `json:"medium"`
	Low          int    `json:"low"`
	Info         int    `json:"info"`
	ErrorKind    string `json:"error_kind"`
	ErrorMessage string `json:"error_message"`
	UpdatedAt    time.Time
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`
}

func (ScanSnapshot) TableName() string { return "scan_snapshots" }

// SubScanRecord is one scanner's terminal (or last-known) state within a
// scan, a flattened copy of model.SubScan.
type SubScanRecord struct {
	ID            uint   `gorm:"primaryKey" json:"id"`
	ScanID        string `gorm:"index" json:"scan_id"`
	Name          string `json:"name"`
	Status        string `json:"status"`
	StartedAt     int64  `json:"started_at"`
	CompletedAt   int64  `json:"completed_at"`
	FindingsCount int    `json:"findings_count"`
	ErrorKind     string `json:"error_kind"`
	ErrorMessage  string `json:"error_message"`
}

func (SubScanRecord) TableName() string { return "sub_scan_records" }

// FindingRecord is one persisted Finding row.
type FindingRecord struct {
	FindingID   string `gorm:"primaryKey" json:"finding_id"`
	ScanID      string `gorm:"index" json:"scan_id"`
	Scanner     string `json:"scanner"`
	Type        string `gorm:"index" json:"type"`
	Severity    string `gorm:"index" json:"severity"`
	Location    string `json:"location"`
	Description string `json:"description"`
	Evidence    string `json:"evidence"`
	Remediation string `json:"remediation"`
	CreatedAt   int64  `json:"created_at"`
}

func (FindingRecord) TableName() string { return "finding_records" }
