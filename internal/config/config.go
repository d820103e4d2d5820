// Package config loads engine tuning from an optional YAML file with a
// defaults-first, file-optional posture (SPEC_FULL.md §9 Configuration),
// grounded on bisibesi-spec-recon's internal/config/config.go.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/cellforge/engine/internal/editor"
	"github.com/cellforge/engine/internal/engine"
	"github.com/cellforge/engine/internal/storage"
)

// EngineTuning is the on-disk shape of wbctl.yaml.
type EngineTuning struct {
	Compaction CompactionTuning `mapstructure:"compaction"`
	Scheduler  SchedulerTuning  `mapstructure:"scheduler"`
	Spill      SpillTuning      `mapstructure:"spill"`
	Snapshot   SnapshotTuning   `mapstructure:"snapshot"`
}

// CompactionTuning mirrors storage.CompactionPolicy.
type CompactionTuning struct {
	AbsoluteThreshold        int `mapstructure:"absolute_threshold"`
	FracNum                  int `mapstructure:"frac_num"`
	FracDen                  int `mapstructure:"frac_den"`
	MaxOverlayEntriesHardCap int `mapstructure:"max_overlay_entries_hard_cap"`
}

// SchedulerTuning mirrors engine.Config.
type SchedulerTuning struct {
	ParallelLayerThreshold int  `mapstructure:"parallel_layer_threshold"`
	MaxParallelism         int  `mapstructure:"max_parallelism"`
	Deterministic          bool `mapstructure:"deterministic"`
}

// SpillTuning mirrors editor.SpillPolicy.
type SpillTuning struct {
	AllowOverwriteEmptyFormulas bool `mapstructure:"allow_overwrite_empty_formulas"`
}

// SnapshotTuning names which backend and destination wbctl uses.
type SnapshotTuning struct {
	Backend string `mapstructure:"backend"` // "bolt" or "postgres"
	DSN     string `mapstructure:"dsn"`     // postgres connection string; bolt opens the --snapshot path
}

// Load reads configPath (defaulting to "wbctl.yaml" in the working
// directory) and falls back to sensible defaults when it does not exist;
// any other read error is returned.
func Load(configPath string) (*EngineTuning, error) {
	v := viper.New()
	setDefaults(v)

	if configPath == "" {
		configPath = "wbctl.yaml"
	}
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) || strings.Contains(err.Error(), "no such file") {
			// no config file: defaults stand
		} else {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg EngineTuning
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := storage.DefaultCompactionPolicy()
	v.SetDefault("compaction.absolute_threshold", def.AbsoluteThreshold)
	v.SetDefault("compaction.frac_num", def.FracNum)
	v.SetDefault("compaction.frac_den", def.FracDen)
	v.SetDefault("compaction.max_overlay_entries_hard_cap", def.MaxOverlayEntriesHardCap)

	sc := engine.DefaultConfig()
	v.SetDefault("scheduler.parallel_layer_threshold", sc.ParallelLayerThreshold)
	v.SetDefault("scheduler.max_parallelism", sc.MaxParallelism)
	v.SetDefault("scheduler.deterministic", sc.Deterministic)

	v.SetDefault("spill.allow_overwrite_empty_formulas", false)

	v.SetDefault("snapshot.backend", "bolt")
	v.SetDefault("snapshot.dsn", "")
}

// CompactionPolicy converts the tuning section into storage.CompactionPolicy.
func (t *EngineTuning) CompactionPolicy() storage.CompactionPolicy {
	return storage.CompactionPolicy{
		AbsoluteThreshold:        t.Compaction.AbsoluteThreshold,
		FracNum:                  t.Compaction.FracNum,
		FracDen:                  t.Compaction.FracDen,
		MaxOverlayEntriesHardCap: t.Compaction.MaxOverlayEntriesHardCap,
	}
}

// EngineConfig converts the tuning section into engine.Config.
func (t *EngineTuning) EngineConfig() engine.Config {
	return engine.Config{
		ParallelLayerThreshold: t.Scheduler.ParallelLayerThreshold,
		MaxParallelism:         t.Scheduler.MaxParallelism,
		Deterministic:          t.Scheduler.Deterministic,
	}
}

// SpillPolicy converts the tuning section into editor.SpillPolicy.
func (t *EngineTuning) SpillPolicy() editor.SpillPolicy {
	return editor.SpillPolicy{AllowOverwriteEmptyFormulas: t.Spill.AllowOverwriteEmptyFormulas}
}
