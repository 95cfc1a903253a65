package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// LegacySettingsFile is the settings file name of the desktop editor this
// tool replaces.
const LegacySettingsFile = "cos-editor-settings.json"

// MigrationResult contains the result of a configuration migration.
type MigrationResult struct {
	FromVersion int
	ToVersion   int
	Backup      string
	Changes     []string
	Warnings    []string
}

// MigrateConfig upgrades cfg to Version in place, backing up configPath first.
func MigrateConfig(cfg *Config, configPath string) (*MigrationResult, error) {
	if cfg.Version >= Version {
		return nil, nil
	}

	result := &MigrationResult{
		FromVersion: cfg.Version,
		ToVersion:   Version,
	}

	if configPath != "" {
		backup, err := backupConfig(configPath)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("could not create backup: %v", err))
		} else {
			result.Backup = backup
		}
	}

	for cfg.Version < Version {
		changes, warnings, err := applyMigration(cfg)
		if err != nil {
			return result, fmt.Errorf("migration from v%d to v%d failed: %w", cfg.Version, cfg.Version+1, err)
		}
		result.Changes = append(result.Changes, changes...)
		result.Warnings = append(result.Warnings, warnings...)
	}

	return result, nil
}

func applyMigration(cfg *Config) (changes []string, warnings []string, err error) {
	switch cfg.Version {
	case 0, 1:
		changes, warnings = migrateV1ToV2(cfg)
		cfg.Version = 2
	default:
		return nil, nil, fmt.Errorf("unknown version %d", cfg.Version)
	}
	return changes, warnings, nil
}

// migrateV1ToV2 fills the sections v1 (the imported desktop settings) had
// no notion of.
func migrateV1ToV2(cfg *Config) (changes []string, warnings []string) {
	def := DefaultConfig()

	if cfg.Health.IntervalSec == 0 {
		cfg.Health = def.Health
		changes = append(changes, "set default health check interval")
	}
	if cfg.Buffer.Actor == "" {
		cfg.Buffer.Actor = def.Buffer.Actor
		changes = append(changes, "set default buffer.actor")
	}
	if cfg.Journal.Path == "" {
		cfg.Journal = def.Journal
		changes = append(changes, "enabled the version journal")
	}
	if strings.HasSuffix(cfg.Remote.APIURL, "/") {
		cfg.Remote.APIURL = strings.TrimRight(cfg.Remote.APIURL, "/")
		changes = append(changes, "trimmed trailing slash from remote.api_url")
	}
	return changes, warnings
}

func backupConfig(configPath string) (string, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read config: %w", err)
	}

	backupPath := configPath + ".backup-" + time.Now().Format("20060102-150405")
	if err := os.WriteFile(backupPath, data, 0600); err != nil {
		return "", fmt.Errorf("write backup: %w", err)
	}
	return backupPath, nil
}

// MigrateLegacySettings converts the desktop editor's settings object
// ({"cosApiUrl": ..., "cosTenantId": ...}) into a v1 config and migrates it.
func MigrateLegacySettings(data map[string]any) (*Config, *MigrationResult, error) {
	cfg := DefaultConfig()
	cfg.Version = 1
	cfg.Health = HealthConfig{}
	cfg.Journal = JournalConfig{}

	if v, ok := data["cosApiUrl"].(string); ok && v != "" {
		cfg.Remote.APIURL = v
	}
	if v, ok := data["cosTenantId"].(string); ok && v != "" {
		cfg.Remote.TenantID = v
	}

	result, err := MigrateConfig(cfg, "")
	if err != nil {
		return nil, result, err
	}
	return cfg, result, nil
}

// ImportLegacySettings reads a legacy settings file and writes the
// migrated config to dest.
func ImportLegacySettings(legacyPath, dest string) (*Config, *MigrationResult, error) {
	raw, err := os.ReadFile(legacyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read legacy settings: %w", err)
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, nil, fmt.Errorf("parse legacy settings: %w", err)
	}

	cfg, result, err := MigrateLegacySettings(data)
	if err != nil {
		return nil, result, err
	}
	if err := SaveConfig(cfg, dest); err != nil {
		return nil, result, err
	}
	return cfg, result, nil
}
