package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"tradelab/internal/config"
	"tradelab/internal/engine"
)

func TestBuildRegistryDefaultsToBuiltins(t *testing.T) {
	reg, err := buildRegistry(nil)
	if err != nil {
		t.Fatalf("buildRegistry: %v", err)
	}
	if got, want := reg.List(), []string{"breakout", "sma-cross"}; !reflect.DeepEqual(got, want) {
		t.Errorf("List() = %v, want %v", got, want)
	}
}

func TestBuildRegistryUnknownStrategy(t *testing.T) {
	if _, err := buildRegistry([]config.StrategyConfig{{Name: "martingale"}}); err == nil {
		t.Fatal("buildRegistry accepted an unknown strategy")
	}
}

func TestRunReturnsErrors(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Storage.DataDir = filepath.Join(dir, "data")
	cfg.Storage.Driver = "sqlite"
	cfg.Storage.SQLitePath = filepath.Join(dir, "runs.db")

	tests := []struct {
		name   string
		opts   options
		want   string
		target error
	}{
		{"bad start", options{symbol: "AAPL", start: "yesterday"}, "date range", nil},
		{"missing bars", options{symbol: "AAPL", market: "us", start: "2024-01-02", end: "2024-01-05", save: true}, "backtest", engine.ErrNoBars},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			err := run(context.Background(), cfg, tc.opts, &out)
			if err == nil || !strings.HasPrefix(err.Error(), tc.want) {
				t.Fatalf("run() error = %v, want prefix %q", err, tc.want)
			}
			if tc.target != nil && !errors.Is(err, tc.target) {
				t.Errorf("run() error = %v, want %v", err, tc.target)
			}
			if out.Len() != 0 {
				t.Errorf("run wrote %q on failure", out.String())
			}
		})
	}
}
