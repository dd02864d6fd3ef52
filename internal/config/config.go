package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lyndonlyu/upkeep/internal/redact"
)

// EnvConfigPath overrides the default config file location.
const EnvConfigPath = "UPKEEP_CONFIG"

type AppConfig struct {
	Dir           string   `yaml:"dir"`
	VersionFile   string   `yaml:"version_file"`
	ExcludedDirs  []string `yaml:"excluded_dirs"`
	DataFiles     []string `yaml:"data_files"`
	AssetDirs     []string `yaml:"asset_dirs"`
	SnapshotFiles []string `yaml:"snapshot_files"`
}

type ManifestConfig struct {
	URL                string `yaml:"url"`
	CacheTTL           int    `yaml:"cache_ttl"` // seconds
	IncludePrereleases bool   `yaml:"include_prereleases"`
	DownloadAttempts   int    `yaml:"download_attempts"`
}

// CommandConfig describes one external command. Timeout is in seconds.
type CommandConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Timeout int      `yaml:"timeout"`
}

type CommandsConfig struct {
	Install        CommandConfig `yaml:"install"`
	Build          CommandConfig `yaml:"build"`
	Migrate        CommandConfig `yaml:"migrate"`
	MigrateStatus  CommandConfig `yaml:"migrate_status"`
	Validate       CommandConfig `yaml:"validate"`
	RuntimeVersion CommandConfig `yaml:"runtime_version"`
}

type CompatConfig struct {
	MinFreeDiskMB int64 `yaml:"min_free_disk_mb"`
}

type ServerConfig struct {
	Listen     string `yaml:"listen"`
	AdminToken string `yaml:"admin_token"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type RetentionConfig struct {
	MaxAgeDays         int `yaml:"max_age_days"`
	KeepRollbackPoints int `yaml:"keep_rollback_points"`
	KeepBackups        int `yaml:"keep_backups"`
}

type Config struct {
	App       AppConfig       `yaml:"app"`
	Manifest  ManifestConfig  `yaml:"manifest"`
	Commands  CommandsConfig  `yaml:"commands"`
	Compat    CompatConfig    `yaml:"compat"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Retention RetentionConfig `yaml:"retention"`
	Redact    redact.Config   `yaml:"redact"`
	BaseDir   string          `yaml:"base_dir"`
}

func defaultExcludedDirs() []string {
	return []string{"node_modules", "data", "uploads", "backups", "updates", ".env", ".git"}
}

func defaultSnapshotFiles() []string {
	return []string{"package.json", "package-lock.json", "prisma/schema.prisma", "VERSION"}
}

func Default() *Config {
	home, _ := os.UserHomeDir()
	cwd, _ := os.Getwd()
	return &Config{
		App: AppConfig{
			Dir:           cwd,
			VersionFile:   "VERSION",
			ExcludedDirs:  defaultExcludedDirs(),
			DataFiles:     []string{"data/app.db"},
			AssetDirs:     []string{"uploads"},
			SnapshotFiles: defaultSnapshotFiles(),
		},
		Manifest: ManifestConfig{
			CacheTTL:         3600,
			DownloadAttempts: 1,
		},
		Commands: CommandsConfig{
			Install:        CommandConfig{Command: "npm", Args: []string{"ci", "--omit=dev"}, Timeout: 600},
			Build:          CommandConfig{Command: "npm", Args: []string{"run", "build"}, Timeout: 900},
			Migrate:        CommandConfig{Command: "npx", Args: []string{"prisma", "migrate", "deploy"}, Timeout: 300},
			MigrateStatus:  CommandConfig{Command: "npx", Args: []string{"prisma", "migrate", "status"}, Timeout: 60},
			Validate:       CommandConfig{Command: "npx", Args: []string{"prisma", "validate"}, Timeout: 60},
			RuntimeVersion: CommandConfig{Command: "node", Args: []string{"--version"}, Timeout: 10},
		},
		Compat: CompatConfig{
			MinFreeDiskMB: 500,
		},
		Server: ServerConfig{
			Listen: "127.0.0.1:8089",
		},
		Log: LogConfig{
			Level: "info",
			File:  "console",
		},
		Retention: RetentionConfig{
			MaxAgeDays:         30,
			KeepRollbackPoints: 5,
			KeepBackups:        5,
		},
		Redact:  redact.DefaultConfig(),
		BaseDir: filepath.Join(home, ".upkeep"),
	}
}

// DefaultPath returns the config file location, honouring UPKEEP_CONFIG.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".upkeep", "config.yaml")
}

func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Ensure defaults for zero values
	def := Default()
	if cfg.App.Dir == "" {
		cfg.App.Dir = def.App.Dir
	}
	if cfg.App.VersionFile == "" {
		cfg.App.VersionFile = def.App.VersionFile
	}
	if len(cfg.App.ExcludedDirs) == 0 {
		cfg.App.ExcludedDirs = def.App.ExcludedDirs
	}
	if len(cfg.App.SnapshotFiles) == 0 {
		cfg.App.SnapshotFiles = def.App.SnapshotFiles
	}
	if cfg.Manifest.CacheTTL == 0 {
		cfg.Manifest.CacheTTL = def.Manifest.CacheTTL
	}
	if cfg.Manifest.DownloadAttempts == 0 {
		cfg.Manifest.DownloadAttempts = def.Manifest.DownloadAttempts
	}
	fillCommand(&cfg.Commands.Install, def.Commands.Install)
	fillCommand(&cfg.Commands.Build, def.Commands.Build)
	fillCommand(&cfg.Commands.Migrate, def.Commands.Migrate)
	fillCommand(&cfg.Commands.MigrateStatus, def.Commands.MigrateStatus)
	fillCommand(&cfg.Commands.Validate, def.Commands.Validate)
	fillCommand(&cfg.Commands.RuntimeVersion, def.Commands.RuntimeVersion)
	if cfg.Compat.MinFreeDiskMB == 0 {
		cfg.Compat.MinFreeDiskMB = def.Compat.MinFreeDiskMB
	}
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = def.Server.Listen
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	if cfg.Log.File == "" {
		cfg.Log.File = def.Log.File
	}
	if cfg.Retention.MaxAgeDays == 0 {
		cfg.Retention.MaxAgeDays = def.Retention.MaxAgeDays
	}
	if cfg.Retention.KeepRollbackPoints == 0 {
		cfg.Retention.KeepRollbackPoints = def.Retention.KeepRollbackPoints
	}
	if cfg.Retention.KeepBackups == 0 {
		cfg.Retention.KeepBackups = def.Retention.KeepBackups
	}
	if cfg.Redact.RedactIPs == "" {
		cfg.Redact.RedactIPs = def.Redact.RedactIPs
	}
	if cfg.Redact.Placeholder == "" {
		cfg.Redact.Placeholder = def.Redact.Placeholder
	}
	if cfg.BaseDir == "" {
		cfg.BaseDir = def.BaseDir
	}

	return cfg, nil
}

// fillCommand copies the default command only when none was configured, so a
// configured command never inherits default arguments.
func fillCommand(c *CommandConfig, def CommandConfig) {
	if c.Command == "" {
		c.Command = def.Command
		c.Args = def.Args
	}
	if c.Timeout == 0 {
		c.Timeout = def.Timeout
	}
}

// TimeoutDuration converts the configured timeout to a Duration.
func (c CommandConfig) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Manifest.CacheTTL) * time.Second
}

func (c *Config) StagingDir() string  { return filepath.Join(c.BaseDir, "staging") }
func (c *Config) RollbackDir() string { return filepath.Join(c.BaseDir, "rollback") }
func (c *Config) BackupDir() string   { return filepath.Join(c.BaseDir, "backups") }
func (c *Config) AuditDir() string    { return filepath.Join(c.BaseDir, "audit") }
func (c *Config) DBPath() string      { return filepath.Join(c.BaseDir, "upkeep.db") }
func (c *Config) LockPath() string    { return filepath.Join(c.BaseDir, "upkeep.lock") }

// VersionFilePath returns the absolute path of the installed version marker.
func (c *Config) VersionFilePath() string {
	if filepath.IsAbs(c.App.VersionFile) {
		return c.App.VersionFile
	}
	return filepath.Join(c.App.Dir, c.App.VersionFile)
}

func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.StagingDir(),
		c.RollbackDir(),
		c.BackupDir(),
		c.AuditDir(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return err
		}
	}
	return nil
}
