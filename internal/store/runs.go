package store

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"tradelab/internal/domain"
)

// finite returns v, or nil when v is infinite or NaN. Omega is +Inf for a
// curve without losing bars and SQL has no portable infinity.
func finite(v float64) *float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return nil
	}
	return &v
}

// unboundedRatio reverses finite for ratios whose only non-finite value is
// +Inf.
func unboundedRatio(v *float64) float64 {
	if v == nil {
		return math.Inf(1)
	}
	return *v
}

func joinNames(names []string) string {
	return strings.Join(names, ",")
}

func splitNames(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func encodeConfig(cfg domain.BacktestConfig) (string, error) {
	b, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("encoding config: %w", err)
	}
	return string(b), nil
}

func decodeConfig(raw []byte) (domain.BacktestConfig, error) {
	var cfg domain.BacktestConfig
	if len(raw) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("decoding config: %w", err)
	}
	return cfg, nil
}
