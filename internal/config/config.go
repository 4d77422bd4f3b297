package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml"
	log "github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/refstore/internal/git"
	"gitlab.com/gitlab-org/refstore/internal/refstore"
	"gitlab.com/gitlab-org/refstore/internal/reftable"
)

// EnvPrefix is the prefix of environment variables overriding the configuration.
const EnvPrefix = "refstore"

// Cfg is a container for all config derived from config.toml.
type Cfg struct {
	GitDir           string    `toml:"git_dir" split_words:"true"`
	ObjectFormat     string    `toml:"object_format" split_words:"true"`
	Bare             bool      `toml:"bare"`
	LogAllRefUpdates string    `toml:"log_all_ref_updates" split_words:"true"`
	Reftable         Reftable  `toml:"reftable" envconfig:"reftable"`
	Committer        Committer `toml:"committer" envconfig:"committer"`
	Git              Git       `toml:"git" envconfig:"git"`
	Logging          Logging   `toml:"logging" envconfig:"logging"`
}

// Reftable contains the settings of the storage units.
type Reftable struct {
	// AutoCompaction compacts a unit after every committed write. Default: true
	AutoCompaction   *bool `toml:"auto_compaction" split_words:"true"`
	GeometricFactor  int   `toml:"geometric_factor" split_words:"true"`
	SegmentCacheSize int   `toml:"segment_cache_size" split_words:"true"`
}

// Committer is the identity recorded in reflog entries.
type Committer struct {
	Name  string `toml:"name"`
	Email string `toml:"email"`
}

// Git contains the settings for the Git executable
type Git struct {
	BinPath string `toml:"bin_path" split_words:"true"`
}

// Logging contains the logging configuration.
type Logging struct {
	Dir    string `toml:"dir,omitempty"`
	Format string `toml:"format,omitempty"`
	Level  string `toml:"level,omitempty"`
	Sentry Sentry `toml:"sentry" envconfig:"sentry"`
}

// Sentry configures error reporting.
type Sentry struct {
	DSN         string `toml:"sentry_dsn" envconfig:"dsn"`
	Environment string `toml:"sentry_environment" envconfig:"environment"`
}

// committerEnv are the variables Git itself uses to override the committer identity.
type committerEnv struct {
	Name  string `envconfig:"committer_name"`
	Email string `envconfig:"committer_email"`
	Date  string `envconfig:"committer_date"`
}

// Load initializes the configuration from file and the environment.
func Load(file io.Reader) (Cfg, error) {
	var cfg Cfg

	if err := toml.NewDecoder(file).Decode(&cfg); err != nil {
		return Cfg{}, fmt.Errorf("load toml: %v", err)
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Cfg{}, fmt.Errorf("envconfig: %v", err)
	}

	if err := cfg.setDefaults(); err != nil {
		return Cfg{}, err
	}

	if cfg.GitDir != "" {
		cfg.GitDir = filepath.Clean(cfg.GitDir)
	}

	return cfg, nil
}

// Validate checks the configuration and resolves the Git executable.
func (cfg *Cfg) Validate() error {
	for _, run := range []func() error{
		cfg.validateGitDir,
		cfg.validateObjectFormat,
		cfg.validateLogAllRefUpdates,
		cfg.validateReftable,
		cfg.SetGitPath,
	} {
		if err := run(); err != nil {
			return err
		}
	}

	return nil
}

func (cfg *Cfg) setDefaults() error {
	if cfg.ObjectFormat == "" {
		cfg.ObjectFormat = git.ObjectHashSHA1.Format
	}

	if cfg.Reftable.AutoCompaction == nil {
		enabled := true
		cfg.Reftable.AutoCompaction = &enabled
	}

	if cfg.Reftable.GeometricFactor == 0 {
		cfg.Reftable.GeometricFactor = reftable.DefaultGeometricFactor
	}

	if cfg.Reftable.SegmentCacheSize == 0 {
		cfg.Reftable.SegmentCacheSize = reftable.DefaultSegmentCacheSize
	}

	return nil
}

func (cfg *Cfg) validateGitDir() error {
	if cfg.GitDir == "" {
		return errors.New("git_dir is not set")
	}
	return validateIsDirectory(cfg.GitDir, "git_dir")
}

func validateIsDirectory(path, name string) error {
	s, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !s.IsDir() {
		return fmt.Errorf("not a directory: %q", path)
	}

	log.WithField("dir", path).
		Debugf("%s set", name)

	return nil
}

func (cfg *Cfg) validateObjectFormat() error {
	_, err := cfg.HashFormat()
	return err
}

func (cfg *Cfg) validateLogAllRefUpdates() error {
	switch refstore.LogRefUpdates(cfg.LogAllRefUpdates) {
	case refstore.LogRefUpdatesDefault, refstore.LogRefUpdatesTrue, refstore.LogRefUpdatesFalse, refstore.LogRefUpdatesAlways:
		return nil
	default:
		return fmt.Errorf("log_all_ref_updates: invalid value %q", cfg.LogAllRefUpdates)
	}
}

func (cfg *Cfg) validateReftable() error {
	if cfg.Reftable.GeometricFactor < 2 {
		return fmt.Errorf("reftable.geometric_factor: must be at least 2, got %d", cfg.Reftable.GeometricFactor)
	}
	if cfg.Reftable.SegmentCacheSize < 0 {
		return fmt.Errorf("reftable.segment_cache_size: must not be negative, got %d", cfg.Reftable.SegmentCacheSize)
	}
	return nil
}

// SetGitPath populates Git.BinPath with the path to the `git` executable. It warns if no path
// was specified in the configuration.
func (cfg *Cfg) SetGitPath() error {
	if cfg.Git.BinPath != "" {
		return nil
	}

	resolvedPath, err := exec.LookPath("git")
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{
		"resolvedPath": resolvedPath,
	}).Warn("git path not configured. Using default path resolution")

	cfg.Git.BinPath = resolvedPath

	return nil
}

// HashFormat returns the object hash selected by object_format.
func (cfg *Cfg) HashFormat() (git.ObjectHash, error) {
	hash, err := git.ObjectHashByFormat(cfg.ObjectFormat)
	if err != nil {
		return git.ObjectHash{}, fmt.Errorf("object_format: %w", err)
	}
	return hash, nil
}

// ReftableOptions returns the options of the storage units.
func (cfg *Cfg) ReftableOptions() (reftable.Options, error) {
	cache, err := reftable.NewSegmentCache(cfg.Reftable.SegmentCacheSize)
	if err != nil {
		return reftable.Options{}, err
	}

	return reftable.Options{
		DisableAutoCompaction: cfg.Reftable.AutoCompaction != nil && !*cfg.Reftable.AutoCompaction,
		GeometricFactor:       cfg.Reftable.GeometricFactor,
		Cache:                 cache,
	}, nil
}

// CommitterFunc returns a function providing the identity of new reflog entries. The configured
// identity is overridden by GIT_COMMITTER_NAME and GIT_COMMITTER_EMAIL. Entries are dated with
// the current time unless GIT_COMMITTER_DATE is set.
func (cfg *Cfg) CommitterFunc() (refstore.CommitterFunc, error) {
	var env committerEnv
	if err := envconfig.Process("git", &env); err != nil {
		return nil, fmt.Errorf("envconfig: %v", err)
	}

	name, email := cfg.Committer.Name, cfg.Committer.Email
	if env.Name != "" {
		name = env.Name
	}
	if env.Email != "" {
		email = env.Email
	}

	var date time.Time
	if env.Date != "" {
		var err error
		if date, err = ParseDate(env.Date); err != nil {
			return nil, fmt.Errorf("GIT_COMMITTER_DATE: %w", err)
		}
	}

	return func() (git.Signature, error) {
		if name == "" || email == "" {
			return git.Signature{}, errors.New("committer identity unknown: set committer.name and committer.email")
		}

		when := date
		if when.IsZero() {
			when = time.Now()
		}

		return git.NewSignature(name, email, when), nil
	}, nil
}

// ParseDate parses dates in Git's internal format "<unix-seconds> <+hhmm>", optionally prefixed
// with "@", and RFC 3339 dates.
func ParseDate(date string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, date); err == nil {
		return t, nil
	}

	fields := strings.Fields(strings.TrimPrefix(date, "@"))
	if len(fields) == 0 || len(fields) > 2 {
		return time.Time{}, fmt.Errorf("%w: date %q", git.ErrInvalidSignature, date)
	}

	seconds, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q", git.ErrInvalidSignature, date)
	}

	var offset int16
	if len(fields) == 2 {
		if offset, err = git.ParseTimezone(fields[1]); err != nil {
			return time.Time{}, err
		}
	}

	return git.TimeWithOffset(seconds, offset), nil
}
