package registry

import (
	"context"
	"testing"

	"tachyon-scan-engine/internal/model"
)

type stubScanner struct {
	name string
	meta model.ScannerMetadata
}

func (s *stubScanner) Name() string                     { return s.name }
func (s *stubScanner) Metadata() model.ScannerMetadata   { return s.meta }
func (s *stubScanner) Run(ctx context.Context, target model.Target, options model.ScanOptions) ([]model.Finding, error) {
	return nil, nil
}

func newTestRegistry() *Registry {
	reg := New()
	reg.Register("hdr", model.ScannerMetadata{Stage: model.StageA}, func() Scanner {
		return &stubScanner{name: "hdr", meta: model.ScannerMetadata{Name: "hdr", Stage: model.StageA}}
	})
	reg.Register("cors", model.ScannerMetadata{Stage: model.StageA}, func() Scanner {
		return &stubScanner{name: "cors", meta: model.ScannerMetadata{Name: "cors", Stage: model.StageA}}
	})
	reg.Register("sqli", model.ScannerMetadata{Stage: model.StageB}, func() Scanner {
		return &stubScanner{name: "sqli", meta: model.ScannerMetadata{Name: "sqli", Stage: model.StageB}}
	})
	return reg
}

func TestRegisterAndGet(t *testing.T) {
	reg := newTestRegistry()

	scanner, err := reg.Get("hdr")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if scanner.Name() != "hdr" {
		t.Errorf("expected scanner named hdr, got %q", scanner.Name())
	}

	if _, err := reg.Get("missing"); err == nil {
		t.Error("expected error for unregistered scanner")
	}
}

func TestListSortedByName(t *testing.T) {
	reg := newTestRegistry()
	list := reg.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 scanners, got %d", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].Name > list[i].Name {
			t.Errorf("expected List to be sorted by name: %q before %q", list[i-1].Name, list[i].Name)
		}
	}
}

func TestResolveScanTypeFull(t *testing.T) {
	reg := newTestRegistry()
	names, err := reg.ResolveScanType(model.ScanTypeFull, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(names) != 3 {
		t.Errorf("expected 3 scanners for full scan, got %d", len(names))
	}
}

func TestResolveScanTypeQuickOnlyStageA(t *testing.T) {
	reg := newTestRegistry()
	names, err := reg.ResolveScanType(model.ScanTypeQuick, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("expected 2 stage-A scanners for quick scan, got %d", len(names))
	}
	for _, n := range names {
		if n == "sqli" {
			t.Errorf("quick scan should not include stage-B scanner sqli")
		}
	}
}

func TestResolveScanTypeCustom(t *testing.T) {
	reg := newTestRegistry()

	names, err := reg.ResolveScanType(model.ScanTypeCustom, []string{"hdr"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(names) != 1 || names[0] != "hdr" {
		t.Errorf("expected [hdr], got %v", names)
	}

	if _, err := reg.ResolveScanType(model.ScanTypeCustom, nil); err == nil {
		t.Error("expected error for custom scan with no scanners named")
	}

	if _, err := reg.ResolveScanType(model.ScanTypeCustom, []string{"nonexistent"}); err == nil {
		t.Error("expected error for custom scan naming an unregistered scanner")
	}
}

func TestResolveScanTypeUnknown(t *testing.T) {
	reg := newTestRegistry()
	if _, err := reg.ResolveScanType("bogus", nil); err == nil {
		t.Error("expected error for unknown scan_type")
	}
}

func TestNamesForStage(t *testing.T) {
	reg := newTestRegistry()
	stageA := reg.NamesForStage(model.StageA)
	if len(stageA) != 2 {
		t.Errorf("expected 2 stage-A scanners, got %d", len(stageA))
	}
	stageB := reg.NamesForStage(model.StageB)
	if len(stageB) != 1 || stageB[0] != "sqli" {
		t.Errorf("expected [sqli] for stage B, got %v", stageB)
	}
}

func TestRegisterReplacesExistingEntry(t *testing.T) {
	reg := New()
	reg.Register("hdr", model.ScannerMetadata{Intensity: model.IntensityLow}, func() Scanner {
		return &stubScanner{name: "hdr"}
	})
	reg.Register("hdr", model.ScannerMetadata{Intensity: model.IntensityHigh}, func() Scanner {
		return &stubScanner{name: "hdr"}
	})

	meta, ok := reg.Metadata("hdr")
	if !ok {
		t.Fatal("expected hdr to be registered")
	}
	if meta.Intensity != model.IntensityHigh {
		t.Errorf("expected re-registration to replace metadata, got intensity %q", meta.Intensity)
	}
}
