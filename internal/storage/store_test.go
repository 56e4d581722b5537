package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tachyon-scan-engine/internal/model"
)

func TestOpenInMemoryStampsSchemaVersion(t *testing.T) {
	store, err := Open(":memory:")
	require.NoError(t, err)
	defer store.Close()

	var meta SchemaMeta
	require.NoError(t, store.db.First(&meta, "id = 1").Error)
	assert.Equal(t, SchemaVersion, meta.Version)
}

func TestSaveAndLoadScanRoundTrips(t *testing.T) {
	store, err := Open(":memory:")
	require.NoError(t, err)
	defer store.Close()

	now := time.Unix(1700000000, 0).UTC()
	snapshot := model.ScanStateSnapshot{
		ScanID: "scan-1",
		Target: model.Target{Raw: "https://example.test/"},
		Request: model.ScanRequest{
			TargetRaw: "https://example.test/",
			ScanType:  model.ScanTypeFull,
		},
		Status:           model.ScanCompleted,
		Phase:            model.PhaseCompleted,
		StartedAt:        now,
		EndedAt:          now.Add(time.Minute),
		TotalModules:     2,
		CompletedModules: 2,
		SubScans: map[string]model.SubScan{
			"security-headers": {
				ScanID:        "scan-1",
				ScannerName:   "security-headers",
				Status:        model.SubScanCompleted,
				StartTime:     now,
				EndTime:       now.Add(10 * time.Second),
				FindingsCount: 1,
			},
		},
		Counters: model.SeverityCounters{model.SeverityHigh: 1},
	}

	finding := model.Finding{
		ID:           model.ComputeFindingID("security-headers", "missing_security_header", "https://example.test/", "x-frame-options"),
		ScannerName:  "security-headers",
		Type:         "missing_security_header",
		Severity:     model.SeverityHigh,
		Location:     "https://example.test/",
		Description:  "missing X-Frame-Options",
		DiscoveredAt: now,
	}

	store.SaveSnapshot(snapshot, []model.Finding{finding})

	row, findings, err := store.LoadScan("scan-1")
	require.NoError(t, err)
	assert.Equal(t, "scan-1", row.ScanID)
	assert.Equal(t, string(model.ScanCompleted), row.Status)
	assert.Equal(t, 1, row.High)
	require.Len(t, findings, 1)
	assert.Equal(t, finding.ID, findings[0].FindingID)
}

func TestSaveSnapshotDedupsFindingsByID(t *testing.T) {
	store, err := Open(":memory:")
	require.NoError(t, err)
	defer store.Close()

	now := time.Unix(1700000000, 0).UTC()
	snapshot := model.ScanStateSnapshot{
		ScanID:  "scan-2",
		Target:  model.Target{Raw: "https://example.test/"},
		Request: model.ScanRequest{TargetRaw: "https://example.test/", ScanType: model.ScanTypeQuick},
		Status:  model.ScanRunning,
		Phase:   model.PhaseRunningScanners,
	}
	finding := model.Finding{
		ID:           model.ComputeFindingID("security-headers", "t", "l", "e"),
		ScannerName:  "security-headers",
		DiscoveredAt: now,
	}

	store.SaveSnapshot(snapshot, []model.Finding{finding})
	store.SaveSnapshot(snapshot, []model.Finding{finding})

	_, findings, err := store.LoadScan("scan-2")
	require.NoError(t, err)
	assert.Len(t, findings, 1, "duplicate SaveSnapshot calls should not duplicate findings")
}

func TestSaveSnapshotReplacesSubScanRows(t *testing.T) {
	store, err := Open(":memory:")
	require.NoError(t, err)
	defer store.Close()

	base := model.ScanStateSnapshot{
		ScanID:  "scan-3",
		Target:  model.Target{Raw: "https://example.test/"},
		Request: model.ScanRequest{TargetRaw: "https://example.test/", ScanType: model.ScanTypeFull},
		Status:  model.ScanRunning,
		SubScans: map[string]model.SubScan{
			"hdr": {ScanID: "scan-3", ScannerName: "hdr", Status: model.SubScanRunning},
		},
	}
	store.SaveSnapshot(base, nil)

	base.SubScans = map[string]model.SubScan{
		"hdr":  {ScanID: "scan-3", ScannerName: "hdr", Status: model.SubScanCompleted},
		"cors": {ScanID: "scan-3", ScannerName: "cors", Status: model.SubScanCompleted},
	}
	store.SaveSnapshot(base, nil)

	var count int64
	require.NoError(t, store.db.Model(&SubScanRecord{}).Where("scan_id = ?", "scan-3").Count(&count).Error)
	assert.EqualValues(t, 2, count, "second SaveSnapshot should replace sub-scan rows rather than append")
}

func TestOpenRejectsIncompatibleSchemaVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan-engine.db")

	store, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, store.db.Model(&SchemaMeta{}).Where("id = 1").Update("version", SchemaVersion+1).Error)
	store.Close()

	_, err = Open(path)
	assert.Error(t, err, "Open should reject a database stamped with a future schema version")
}
