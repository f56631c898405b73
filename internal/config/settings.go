// Package config loads and saves the settings file that maps projects to
// their schema source and per-environment database connections.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvSettingsPath overrides the settings file location when set.
const EnvSettingsPath = "SCHEMI_SETTINGS_PATH"

// DatabaseConfig holds the connection parameters for one environment.
// Name is the file path for sqlite and the database name otherwise.
type DatabaseConfig struct {
	Type     string `yaml:"type"`
	Name     string `yaml:"name"`
	Host     string `yaml:"host,omitempty"`
	Port     int    `yaml:"port,omitempty"`
	User     string `yaml:"user,omitempty"`
	Password string `yaml:"password,omitempty"`
}

// URL renders the connection string for the engine clients.
func (c DatabaseConfig) URL() string {
	switch c.Type {
	case "sqlite":
		return "sqlite:" + c.Name
	case "postgres":
		return fmt.Sprintf("postgres://%s:%s@%s:%d/%s", c.User, c.Password, c.Host, c.Port, c.Name)
	case "mysql":
		return fmt.Sprintf("mysql://%s:%s@%s:%d/%s", c.User, c.Password, c.Host, c.Port, c.Name)
	default:
		return ""
	}
}

// ProjectConfig describes one project: where its declared schema lives,
// where revision artifacts are stored, and its environments.
type ProjectConfig struct {
	Module        string                    `yaml:"module"`
	MigrationsDir string                    `yaml:"migrations_dir,omitempty"`
	Environments  map[string]DatabaseConfig `yaml:"db"`
}

// Settings is the full settings file.
type Settings struct {
	Projects map[string]ProjectConfig `yaml:"projects"`

	path string
}

// DefaultPath returns the settings file location: the SCHEMI_SETTINGS_PATH
// environment variable when set, otherwise schemi/settings.yaml under the
// user config directory.
func DefaultPath() (string, error) {
	if p := os.Getenv(EnvSettingsPath); p != "" {
		return p, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate user config directory: %w", err)
	}
	return filepath.Join(dir, "schemi", "settings.yaml"), nil
}

// Load reads the settings file at path, or the default location when path
// is empty. A missing file yields empty settings bound to that path, so
// first-run init can populate and save it.
func Load(path string) (*Settings, error) {
	if path == "" {
		var err error
		path, err = DefaultPath()
		if err != nil {
			return nil, err
		}
	}

	s := &Settings{Projects: map[string]ProjectConfig{}, path: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("failed to parse settings file %s: %w", path, err)
	}
	if s.Projects == nil {
		s.Projects = map[string]ProjectConfig{}
	}
	return s, nil
}

// Path returns the file this settings object loads from and saves to.
func (s *Settings) Path() string { return s.path }

// Save writes the settings file, creating parent directories as needed.
func (s *Settings) Save() error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to serialize settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write settings file %s: %w", s.path, err)
	}
	return nil
}

// Project returns the named project's configuration.
func (s *Settings) Project(name string) (ProjectConfig, error) {
	p, ok := s.Projects[name]
	if !ok {
		return ProjectConfig{}, fmt.Errorf("unknown project %q (known: %s)", name, strings.Join(s.ProjectNames(), ", "))
	}
	return p, nil
}

// ProjectNames returns the configured project names, sorted.
func (s *Settings) ProjectNames() []string {
	names := make([]string, 0, len(s.Projects))
	for name := range s.Projects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MigrationsDir returns the project's revision artifact directory,
// defaulting to <settings dir>/<project>/migrations.
func (s *Settings) MigrationsDir(project string) (string, error) {
	p, err := s.Project(project)
	if err != nil {
		return "", err
	}
	if p.MigrationsDir != "" {
		return p.MigrationsDir, nil
	}
	return filepath.Join(filepath.Dir(s.path), project, "migrations"), nil
}

// Target is a resolved project.environment pair.
type Target struct {
	Project     string
	Environment string
	ProjectCfg  ProjectConfig
	Database    DatabaseConfig
}

// ResolveTarget parses a "project.environment" argument and resolves both
// halves against the settings.
func (s *Settings) ResolveTarget(arg string) (*Target, error) {
	project, env, ok := strings.Cut(arg, ".")
	if !ok || project == "" || env == "" {
		return nil, fmt.Errorf("invalid target %q: expected project.environment", arg)
	}

	p, err := s.Project(project)
	if err != nil {
		return nil, err
	}
	dbCfg, ok := p.Environments[env]
	if !ok {
		envs := make([]string, 0, len(p.Environments))
		for name := range p.Environments {
			envs = append(envs, name)
		}
		sort.Strings(envs)
		return nil, fmt.Errorf("unknown environment %q for project %s (known: %s)", env, project, strings.Join(envs, ", "))
	}

	return &Target{
		Project:     project,
		Environment: env,
		ProjectCfg:  p,
		Database:    dbCfg,
	}, nil
}

// ValidateMatchingTypes guards operations that copy between environments:
// both sides must run the same engine.
func ValidateMatchingTypes(a, b DatabaseConfig) error {
	if a.Type != b.Type {
		return fmt.Errorf("database types do not match: %s vs %s", a.Type, b.Type)
	}
	return nil
}
