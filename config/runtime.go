package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
)

// NetExposureCaps bounds the aggregate notional of active positions.
// Zero means unlimited.
type NetExposureCaps struct {
	Total        float64 `json:"total"`
	PerDirection struct {
		Long  float64 `json:"LONG"`
		Short float64 `json:"SHORT"`
	} `json:"per_direction"`
}

// HourlyOrderCaps bounds admissions per rolling hour. Zero means unlimited.
type HourlyOrderCaps struct {
	Total        int `json:"total"`
	PerDirection int `json:"per_direction"`
}

// EntryFilters gates entries on signal quality requirements.
type EntryFilters struct {
	RequireMTFAgreement bool    `json:"require_mtf_agreement"`
	MinMTFAgreement     float64 `json:"min_mtf_agreement"`
}

// TrailingConfig configures the trailing stop in the lifecycle tracker.
type TrailingConfig struct {
	Enabled             bool    `json:"enabled"`
	ActivateOnBreakeven bool    `json:"activate_on_breakeven"`
	ActivateProfitPct   float64 `json:"activate_profit_pct"`
	Percent             float64 `json:"percent"`
	MinStep             float64 `json:"min_step"`
}

// TestingFlags guards the test-time override endpoints.
type TestingFlags struct {
	AllowPriceOverride bool `json:"allow_price_override"`
	AllowFGIOverride   bool `json:"allow_fgi_override"`
}

// RuntimeConfig is the hot-reloadable settings snapshot read on every
// admission attempt and tracker tick. Values are effective immediately
// after Apply; readers always observe a coherent snapshot.
type RuntimeConfig struct {
	CooldownSameDirectionMs int64 `json:"cooldown_same_direction_ms"`
	CooldownOppositeMs      int64 `json:"cooldown_opposite_ms"`
	GlobalMinIntervalMs     int64 `json:"global_min_interval_ms"`

	MaxSameDirectionActives  int     `json:"max_same_direction_actives"`
	ConcurrencyCountAgeHours float64 `json:"concurrency_count_age_hours"`

	NetExposureCaps NetExposureCaps `json:"net_exposure_caps"`
	HourlyOrderCaps HourlyOrderCaps `json:"hourly_order_caps"`

	MinHoldingMinutes float64 `json:"min_holding_minutes"`
	MaxHoldingHours   float64 `json:"max_holding_hours"`

	DuplicateBpsThreshold float64 `json:"duplicate_bps_threshold"`

	EntryFilters EntryFilters `json:"entry_filters"`

	AllowOppositeWhileOpen bool    `json:"allow_opposite_while_open"`
	OppositeMinConfidence  float64 `json:"opposite_min_confidence"`

	Trailing TrailingConfig `json:"trailing"`
	Testing  TestingFlags   `json:"testing"`

	EVThreshold  float64 `json:"ev_threshold"`
	EVHardReject bool    `json:"ev_hard_reject"`
}

// DefaultRuntime returns the runtime defaults used when no persisted file
// exists.
func DefaultRuntime() RuntimeConfig {
	rc := RuntimeConfig{
		CooldownSameDirectionMs:  60000,
		CooldownOppositeMs:       30000,
		GlobalMinIntervalMs:      0,
		MaxSameDirectionActives:  3,
		ConcurrencyCountAgeHours: 24,
		MinHoldingMinutes:        0,
		MaxHoldingHours:          72,
		DuplicateBpsThreshold:    20,
		AllowOppositeWhileOpen:   true,
		OppositeMinConfidence:    0,
		EVThreshold:              0,
	}
	rc.Trailing = TrailingConfig{
		Enabled:             false,
		ActivateOnBreakeven: true,
		ActivateProfitPct:   1.0,
		Percent:             1.0,
		MinStep:             0,
	}
	return rc
}

// RuntimeManager owns the runtime config: a single writer applies patches
// and persists them; readers take lock-free snapshots.
type RuntimeManager struct {
	current  atomic.Pointer[RuntimeConfig]
	writeMu  sync.Mutex
	filePath string
}

// NewRuntimeManager loads the persisted runtime config from filePath,
// falling back to defaults when the file is missing or unreadable.
func NewRuntimeManager(filePath string) *RuntimeManager {
	m := &RuntimeManager{filePath: filePath}

	rc := DefaultRuntime()
	if filePath != "" {
		if data, err := os.ReadFile(filePath); err == nil {
			// A corrupt file keeps the defaults; admission must not stall
			// on a bad config write.
			_ = json.Unmarshal(data, &rc)
		}
	}
	m.current.Store(&rc)
	return m
}

// Snapshot returns the current runtime config by value.
func (m *RuntimeManager) Snapshot() RuntimeConfig {
	return *m.current.Load()
}

// Apply merges a JSON patch into the runtime config, swaps the snapshot
// atomically and persists the result. Unknown fields are ignored; invalid
// values are reported as warnings and skipped.
func (m *RuntimeManager) Apply(patch map[string]interface{}) (RuntimeConfig, []string, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	next := *m.current.Load()
	warnings := validatePatch(patch)

	raw, err := json.Marshal(patch)
	if err != nil {
		return next, warnings, fmt.Errorf("failed to encode config patch: %w", err)
	}
	if err := json.Unmarshal(raw, &next); err != nil {
		return next, warnings, fmt.Errorf("failed to apply config patch: %w", err)
	}

	sanitize(&next, &warnings)

	m.current.Store(&next)
	if err := m.persist(&next); err != nil {
		// The in-memory snapshot already advanced; persistence failures
		// only cost durability across restarts.
		warnings = append(warnings, fmt.Sprintf("persist failed: %v", err))
	}
	return next, warnings, nil
}

// validatePatch flags obviously invalid values before the merge so they can
// be reported; the merge itself ignores unknown keys.
func validatePatch(patch map[string]interface{}) []string {
	var warnings []string
	for _, key := range []string{
		"cooldown_same_direction_ms", "cooldown_opposite_ms",
		"global_min_interval_ms", "max_same_direction_actives",
		"duplicate_bps_threshold", "max_holding_hours", "min_holding_minutes",
	} {
		if v, ok := patch[key]; ok {
			if f, ok := v.(float64); ok && f < 0 {
				warnings = append(warnings, fmt.Sprintf("%s must be >= 0, ignoring %v", key, v))
				delete(patch, key)
			}
		}
	}
	return warnings
}

// sanitize clamps merged values into sane ranges.
func sanitize(rc *RuntimeConfig, warnings *[]string) {
	if rc.DuplicateBpsThreshold < 0 {
		rc.DuplicateBpsThreshold = 0
	}
	if rc.ConcurrencyCountAgeHours <= 0 {
		rc.ConcurrencyCountAgeHours = 24
	}
	if rc.EntryFilters.MinMTFAgreement < 0 || rc.EntryFilters.MinMTFAgreement > 1 {
		*warnings = append(*warnings, fmt.Sprintf("min_mtf_agreement %v out of [0,1], clamping", rc.EntryFilters.MinMTFAgreement))
		if rc.EntryFilters.MinMTFAgreement < 0 {
			rc.EntryFilters.MinMTFAgreement = 0
		} else {
			rc.EntryFilters.MinMTFAgreement = 1
		}
	}
	if rc.Trailing.Percent < 0 {
		rc.Trailing.Percent = 0
	}
}

func (m *RuntimeManager) persist(rc *RuntimeConfig) error {
	if m.filePath == "" {
		return nil
	}
	data, err := json.MarshalIndent(rc, "", "  ")
	if err != nil {
		return err
	}
	tmp := m.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, m.filePath)
}
