package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestApplyMergesPatch(t *testing.T) {
	m := NewRuntimeManager("")

	next, warnings, err := m.Apply(map[string]interface{}{
		"cooldown_same_direction_ms": 2000,
		"max_same_direction_actives": 5,
		"trailing": map[string]interface{}{
			"enabled": true,
			"percent": 1.5,
		},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("warnings = %v, want none", warnings)
	}
	if next.CooldownSameDirectionMs != 2000 {
		t.Errorf("cooldown = %d, want 2000", next.CooldownSameDirectionMs)
	}
	if next.MaxSameDirectionActives != 5 {
		t.Errorf("max actives = %d, want 5", next.MaxSameDirectionActives)
	}
	if !next.Trailing.Enabled || next.Trailing.Percent != 1.5 {
		t.Errorf("trailing = %+v, want enabled at 1.5%%", next.Trailing)
	}
	// Untouched keys keep their previous values.
	if next.DuplicateBpsThreshold != DefaultRuntime().DuplicateBpsThreshold {
		t.Errorf("duplicate threshold = %v, want default untouched", next.DuplicateBpsThreshold)
	}

	if got := m.Snapshot(); got.CooldownSameDirectionMs != 2000 {
		t.Errorf("snapshot cooldown = %d, want the applied value", got.CooldownSameDirectionMs)
	}
}

func TestApplyIgnoresUnknownFields(t *testing.T) {
	m := NewRuntimeManager("")
	before := m.Snapshot()

	next, _, err := m.Apply(map[string]interface{}{"no_such_setting": 42})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if next != before {
		t.Errorf("config changed by an unknown field: %+v", next)
	}
}

func TestApplyRejectsNegativeValuesWithWarning(t *testing.T) {
	m := NewRuntimeManager("")

	next, warnings, err := m.Apply(map[string]interface{}{
		"cooldown_same_direction_ms": -5.0,
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(warnings) == 0 {
		t.Fatal("expected a warning for the negative value")
	}
	if !strings.Contains(warnings[0], "cooldown_same_direction_ms") {
		t.Errorf("warning = %q, want it to name the key", warnings[0])
	}
	if next.CooldownSameDirectionMs != DefaultRuntime().CooldownSameDirectionMs {
		t.Errorf("cooldown = %d, want the invalid value skipped", next.CooldownSameDirectionMs)
	}
}

func TestApplyClampsMTFAgreement(t *testing.T) {
	m := NewRuntimeManager("")

	next, warnings, err := m.Apply(map[string]interface{}{
		"entry_filters": map[string]interface{}{"min_mtf_agreement": 1.5},
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if next.EntryFilters.MinMTFAgreement != 1 {
		t.Errorf("min agreement = %v, want clamped to 1", next.EntryFilters.MinMTFAgreement)
	}
	if len(warnings) == 0 {
		t.Error("expected a clamping warning")
	}
}

func TestApplyPersistsAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime.json")

	m := NewRuntimeManager(path)
	if _, _, err := m.Apply(map[string]interface{}{"max_holding_hours": 48}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("runtime file not persisted: %v", err)
	}

	reloaded := NewRuntimeManager(path)
	if got := reloaded.Snapshot().MaxHoldingHours; got != 48 {
		t.Errorf("reloaded max holding = %v, want 48", got)
	}
}

func TestMissingFileFallsBackToDefaults(t *testing.T) {
	m := NewRuntimeManager(filepath.Join(t.TempDir(), "missing.json"))
	if got := m.Snapshot(); got != DefaultRuntime() {
		t.Errorf("snapshot = %+v, want defaults for a missing file", got)
	}
}

func TestCorruptFileFallsBackToDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runtime.json")
	os.WriteFile(path, []byte("{not json"), 0644)

	m := NewRuntimeManager(path)
	if got := m.Snapshot(); got != DefaultRuntime() {
		t.Errorf("snapshot = %+v, want defaults for a corrupt file", got)
	}
}
