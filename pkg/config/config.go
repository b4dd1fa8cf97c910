package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/sdejongh/courier/internal/platform"
	"github.com/sdejongh/courier/pkg/models"
)

// Config represents the application configuration
type Config struct {
	Defaults    DefaultsConfig        `yaml:"defaults"`
	Hosts       map[string]HostConfig `yaml:"hosts"`
	Jobs        []JobConfig           `yaml:"jobs"`
	Performance PerformanceConfig     `yaml:"performance"`
	Output      OutputConfig          `yaml:"output"`
	Logging     LoggingConfig         `yaml:"logging"`
	Journal     JournalConfig         `yaml:"journal"`
}

// DefaultsConfig holds values applied to every host and job that does not
// set its own
type DefaultsConfig struct {
	Retry            RetryConfig             `yaml:"retry"`
	MaxConcurrency   int                     `yaml:"max_concurrency"`
	ConnectTimeout   time.Duration           `yaml:"connect_timeout"`
	OperationTimeout time.Duration           `yaml:"operation_timeout"`
	VerifySize       bool                    `yaml:"verify_size"`
	Comparison       models.ComparisonMethod `yaml:"comparison"`
	DuplicatePolicy  models.DuplicatePolicy  `yaml:"duplicate_policy"`
	Exclude          []string                `yaml:"exclude"`
}

// RetryConfig mirrors models.RetryPolicy
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       float64       `yaml:"jitter"`
}

// HostConfig describes one remote endpoint
type HostConfig struct {
	Address               string         `yaml:"address"`
	Port                  int            `yaml:"port"`
	User                  string         `yaml:"user"`
	Auth                  AuthConfig     `yaml:"auth"`
	KnownHostsFile        string         `yaml:"known_hosts_file,omitempty"`
	TrustedHostKey        string         `yaml:"trusted_host_key,omitempty"`
	InsecureIgnoreHostKey bool           `yaml:"insecure_ignore_host_key,omitempty"`
	Bastion               *BastionConfig `yaml:"bastion,omitempty"`
	MaxConcurrency        int            `yaml:"max_concurrency,omitempty"`
	ConnectTimeout        time.Duration  `yaml:"connect_timeout,omitempty"`
	OperationTimeout      time.Duration  `yaml:"operation_timeout,omitempty"`
}

// AuthConfig holds credential references
type AuthConfig struct {
	Method          models.AuthMethod `yaml:"method,omitempty"`
	KeyPath         string            `yaml:"key_path,omitempty"`
	Passphrase      string            `yaml:"passphrase,omitempty"`
	Password        string            `yaml:"password,omitempty"`
	PasswordEnv     string            `yaml:"password_env,omitempty"`
	CertificatePath string            `yaml:"certificate_path,omitempty"`
}

// BastionConfig describes a jump host
type BastionConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port,omitempty"`
	User    string `yaml:"user"`
	KeyPath string `yaml:"key_path"`
}

// JobConfig declares one transfer job. Pointer fields fall back to the
// defaults section when unset.
type JobConfig struct {
	Name            string                  `yaml:"name"`
	Host            string                  `yaml:"host"`
	Sources         []string                `yaml:"sources"`
	Destination     string                  `yaml:"destination"`
	Direction       models.Direction        `yaml:"direction"`
	Mode            models.Mode             `yaml:"mode"`
	Exclude         []string                `yaml:"exclude,omitempty"`
	Comparison      models.ComparisonMethod `yaml:"comparison,omitempty"`
	DuplicatePolicy models.DuplicatePolicy  `yaml:"duplicate_policy,omitempty"`
	Retry           *RetryConfig            `yaml:"retry,omitempty"`
	VerifySize      *bool                   `yaml:"verify_size,omitempty"`
	PostAction      models.PostAction       `yaml:"post_action,omitempty"`
	ArchiveDir      string                  `yaml:"archive_dir,omitempty"`
	MaxFailures     int                     `yaml:"max_failures,omitempty"`
	BandwidthLimit  int64                   `yaml:"bandwidth_limit,omitempty"`
	Independent     bool                    `yaml:"independent,omitempty"`
}

// PerformanceConfig holds performance-related settings
type PerformanceConfig struct {
	ParallelJobs   bool  `yaml:"parallel_jobs"`
	BufferSize     int   `yaml:"buffer_size"`
	BandwidthLimit int64 `yaml:"bandwidth_limit"`
	// Interval repeats the whole run periodically (0 = run once)
	Interval time.Duration `yaml:"interval"`
}

// OutputConfig holds output-related settings
type OutputConfig struct {
	Format       string `yaml:"format"` // "human", "json" or "progress"
	ReportFile   string `yaml:"report_file"`
	ReportFormat string `yaml:"report_format"`
	Quiet        bool   `yaml:"quiet"`
}

// LoggingConfig holds logging-related settings
type LoggingConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Format     string `yaml:"format"` // "json" or "text"
	Level      string `yaml:"level"`  // "debug", "info", "warn", "error"
	File       string `yaml:"file"`   // Log file path (empty = stderr)
	MaxSize    int64  `yaml:"max_size"`
	MaxBackups int    `yaml:"max_backups"`
}

// JournalConfig controls the run journal
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // empty = XDG state directory
}

// Default returns the default configuration
func Default() *Config {
	retry := models.DefaultRetryPolicy()
	return &Config{
		Defaults: DefaultsConfig{
			Retry: RetryConfig{
				MaxAttempts:  retry.MaxAttempts,
				InitialDelay: retry.InitialDelay,
				MaxDelay:     retry.MaxDelay,
				Multiplier:   retry.Multiplier,
				Jitter:       retry.JitterFactor,
			},
			MaxConcurrency:   4,
			ConnectTimeout:   30 * time.Second,
			OperationTimeout: 5 * time.Minute,
			VerifySize:       true,
			Comparison:       models.CompareTimestamp,
			DuplicatePolicy:  models.DuplicateLastWins,
		},
		Hosts: map[string]HostConfig{},
		Performance: PerformanceConfig{
			ParallelJobs:   false,
			BufferSize:     32 * 1024,
			BandwidthLimit: 0,
		},
		Output: OutputConfig{
			Format:       "progress",
			ReportFormat: "human",
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Format:     "text",
			Level:      "info",
			MaxSize:    10 * 1024 * 1024,
			MaxBackups: 3,
		},
		Journal: JournalConfig{
			Enabled: true,
		},
	}
}

// Validate checks the whole configuration and reports every problem found,
// joined into one error
func (c *Config) Validate() error {
	var errs []error
	add := func(field, format string, args ...interface{}) {
		errs = append(errs, &models.ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if c.Defaults.Retry.MaxAttempts < 1 {
		add("defaults.retry.max_attempts", "must be at least 1")
	}
	if c.Defaults.MaxConcurrency < 1 {
		add("defaults.max_concurrency", "must be at least 1")
	}
	switch c.Defaults.Comparison {
	case models.CompareNameSize, models.CompareTimestamp:
	default:
		add("defaults.comparison", "must be 'namesize' or 'timestamp'")
	}
	switch c.Defaults.DuplicatePolicy {
	case models.DuplicateLastWins, models.DuplicateFirstWins, models.DuplicateError:
	default:
		add("defaults.duplicate_policy", "must be 'last-wins', 'first-wins' or 'error'")
	}

	names := make([]string, 0, len(c.Hosts))
	for name := range c.Hosts {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		errs = append(errs, c.Hosts[name].validate("hosts."+name)...)
	}

	seen := make(map[string]bool, len(c.Jobs))
	for i, j := range c.Jobs {
		field := fmt.Sprintf("jobs[%d]", i)
		if j.Name != "" {
			field = "jobs." + j.Name
			if seen[j.Name] {
				add(field, "duplicate job name")
			}
			seen[j.Name] = true
		}
		if _, ok := c.Hosts[j.Host]; j.Host != "" && !ok {
			add(field+".host", "unknown host %q", j.Host)
		}
		job := c.buildJob(j)
		if err := job.Validate(); err != nil {
			var ve *models.ValidationError
			if errors.As(err, &ve) {
				add(field+"."+ve.Field, "%s", ve.Message)
			} else {
				errs = append(errs, err)
			}
		}
	}

	if c.Performance.BufferSize < 1024 {
		add("performance.buffer_size", "must be at least 1024 bytes")
	}
	if c.Performance.BandwidthLimit < 0 {
		add("performance.bandwidth_limit", "must not be negative")
	}
	if c.Performance.Interval < 0 {
		add("performance.interval", "must not be negative")
	}

	switch c.Output.Format {
	case "human", "json", "progress":
	default:
		add("output.format", "must be 'human', 'json' or 'progress'")
	}
	switch c.Output.ReportFormat {
	case "human", "json":
	default:
		add("output.report_format", "must be 'human' or 'json'")
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		add("logging.format", "must be 'json' or 'text'")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		add("logging.level", "must be 'debug', 'info', 'warn', or 'error'")
	}

	return errors.Join(errs...)
}

func (h HostConfig) validate(field string) []error {
	var errs []error
	add := func(sub, format string, args ...interface{}) {
		errs = append(errs, &models.ValidationError{Field: field + sub, Message: fmt.Sprintf(format, args...)})
	}

	if h.Address == "" {
		add(".address", "is required")
	}
	if h.Port < 0 || h.Port > 65535 {
		add(".port", "must be between 1 and 65535")
	}
	if h.User == "" {
		add(".user", "is required")
	}
	if h.MaxConcurrency < 0 {
		add(".max_concurrency", "must not be negative")
	}
	if !h.InsecureIgnoreHostKey && h.KnownHostsFile == "" && h.TrustedHostKey == "" {
		add("", "either known_hosts_file or trusted_host_key must be set")
	}

	switch h.Auth.Method {
	case "":
	case models.AuthPrivateKey, models.AuthCertificate:
		if h.Auth.KeyPath == "" {
			add(".auth.key_path", "is required for %s authentication", h.Auth.Method)
		}
	case models.AuthPassword:
		if h.Auth.Password == "" && h.Auth.PasswordEnv == "" {
			add(".auth", "password authentication requires password or password_env")
		}
	case models.AuthAgent:
	default:
		add(".auth.method", "must be 'private_key', 'password', 'agent' or 'certificate'")
	}
	if h.Auth.KeyPath != "" {
		if err := ValidateKeyFile(h.Auth.KeyPath); err != nil {
			add(".auth.key_path", "%v", err)
		}
	}

	if h.Bastion != nil {
		if h.Bastion.Address == "" {
			add(".bastion.address", "is required")
		}
		if h.Bastion.User == "" {
			add(".bastion.user", "is required")
		}
		if h.Bastion.KeyPath != "" {
			if err := ValidateKeyFile(h.Bastion.KeyPath); err != nil {
				add(".bastion.key_path", "%v", err)
			}
		}
	}
	return errs
}

// ValidateKeyFile checks that path names a readable regular file whose
// first line marks a private key. A leading ~ is expanded.
func ValidateKeyFile(path string) error {
	expanded, err := platform.ExpandHome(path)
	if err != nil {
		return err
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("key file does not exist: %s", expanded)
		}
		return fmt.Errorf("cannot stat key file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("key path is not a file: %s", expanded)
	}

	f, err := os.Open(expanded)
	if err != nil {
		return fmt.Errorf("key file is not readable: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() || !strings.Contains(scanner.Text(), "PRIVATE KEY") {
		return fmt.Errorf("key file does not look like a private key: %s", expanded)
	}
	return nil
}

// Build turns the configuration into host profiles and jobs with defaults
// applied. Paths are ~ expanded.
func (c *Config) Build() (map[string]models.HostProfile, []models.TransferJob, error) {
	hosts := make(map[string]models.HostProfile, len(c.Hosts))
	for name, h := range c.Hosts {
		profile, err := c.buildHost(name, h)
		if err != nil {
			return nil, nil, fmt.Errorf("host %s: %w", name, err)
		}
		hosts[name] = profile
	}

	jobs := make([]models.TransferJob, len(c.Jobs))
	for i, j := range c.Jobs {
		jobs[i] = c.buildJob(j)
	}
	return hosts, jobs, nil
}

func (c *Config) buildHost(name string, h HostConfig) (models.HostProfile, error) {
	expand := func(p string) (string, error) {
		if p == "" {
			return "", nil
		}
		return platform.ExpandHome(p)
	}

	profile := models.HostProfile{
		Name:                  name,
		Address:               h.Address,
		Port:                  h.Port,
		User:                  h.User,
		TrustedHostKey:        h.TrustedHostKey,
		InsecureIgnoreHostKey: h.InsecureIgnoreHostKey,
		MaxConcurrency:        h.MaxConcurrency,
		ConnectTimeout:        h.ConnectTimeout,
		OperationTimeout:      h.OperationTimeout,
		Auth: models.AuthConfig{
			Method:      h.Auth.Method,
			Passphrase:  h.Auth.Passphrase,
			Password:    h.Auth.Password,
			PasswordEnv: h.Auth.PasswordEnv,
		},
	}
	if profile.Port == 0 {
		profile.Port = 22
	}
	if profile.MaxConcurrency == 0 {
		profile.MaxConcurrency = c.Defaults.MaxConcurrency
	}
	if profile.ConnectTimeout == 0 {
		profile.ConnectTimeout = c.Defaults.ConnectTimeout
	}
	if profile.OperationTimeout == 0 {
		profile.OperationTimeout = c.Defaults.OperationTimeout
	}

	var err error
	if profile.Auth.KeyPath, err = expand(h.Auth.KeyPath); err != nil {
		return profile, err
	}
	if profile.Auth.CertificatePath, err = expand(h.Auth.CertificatePath); err != nil {
		return profile, err
	}
	if profile.KnownHostsFile, err = expand(h.KnownHostsFile); err != nil {
		return profile, err
	}

	if h.Bastion != nil {
		keyPath, err := expand(h.Bastion.KeyPath)
		if err != nil {
			return profile, err
		}
		port := h.Bastion.Port
		if port == 0 {
			port = 22
		}
		profile.Bastion = &models.BastionConfig{
			Address: h.Bastion.Address,
			Port:    port,
			User:    h.Bastion.User,
			KeyPath: keyPath,
		}
	}
	return profile, nil
}

func (c *Config) buildJob(j JobConfig) models.TransferJob {
	job := models.TransferJob{
		Name:            j.Name,
		Host:            j.Host,
		Sources:         j.Sources,
		Destination:     j.Destination,
		Direction:       j.Direction,
		Mode:            j.Mode,
		Exclude:         append(append([]string{}, c.Defaults.Exclude...), j.Exclude...),
		Comparison:      j.Comparison,
		DuplicatePolicy: j.DuplicatePolicy,
		Retry:           c.Defaults.Retry.policy(),
		VerifySize:      c.Defaults.VerifySize,
		PostAction:      j.PostAction,
		ArchiveDir:      j.ArchiveDir,
		MaxFailures:     j.MaxFailures,
		BandwidthLimit:  j.BandwidthLimit,
		BufferSize:      c.Performance.BufferSize,
		Independent:     j.Independent,
	}
	if job.Direction == "" {
		job.Direction = models.DirectionUpload
	}
	if job.Mode == "" {
		job.Mode = models.ModeCopy
	}
	if job.Comparison == "" {
		job.Comparison = c.Defaults.Comparison
	}
	if job.DuplicatePolicy == "" {
		job.DuplicatePolicy = c.Defaults.DuplicatePolicy
	}
	if job.PostAction == "" {
		job.PostAction = models.PostActionNone
	}
	if j.Retry != nil {
		job.Retry = c.Defaults.Retry.merge(*j.Retry).policy()
	}
	if j.VerifySize != nil {
		job.VerifySize = *j.VerifySize
	}
	if job.BandwidthLimit == 0 {
		job.BandwidthLimit = c.Performance.BandwidthLimit
	}

	// local paths get ~ expanded; remote paths are resolved by the resolver
	if job.Direction == models.DirectionUpload {
		job.Sources = make([]string, len(j.Sources))
		for i, s := range j.Sources {
			job.Sources[i] = expandOrKeep(s)
		}
		job.ArchiveDir = expandOrKeep(j.ArchiveDir)
	} else {
		job.Destination = expandOrKeep(j.Destination)
	}
	return job
}

func expandOrKeep(p string) string {
	if expanded, err := platform.ExpandHome(p); err == nil {
		return expanded
	}
	return p
}

// merge overlays the non-zero fields of o on r
func (r RetryConfig) merge(o RetryConfig) RetryConfig {
	if o.MaxAttempts != 0 {
		r.MaxAttempts = o.MaxAttempts
	}
	if o.InitialDelay != 0 {
		r.InitialDelay = o.InitialDelay
	}
	if o.MaxDelay != 0 {
		r.MaxDelay = o.MaxDelay
	}
	if o.Multiplier != 0 {
		r.Multiplier = o.Multiplier
	}
	if o.Jitter != 0 {
		r.Jitter = o.Jitter
	}
	return r
}

func (r RetryConfig) policy() models.RetryPolicy {
	return models.RetryPolicy{
		MaxAttempts:  r.MaxAttempts,
		InitialDelay: r.InitialDelay,
		MaxDelay:     r.MaxDelay,
		Multiplier:   r.Multiplier,
		JitterFactor: r.Jitter,
	}
}

// SelectJobs returns the jobs whose names are listed, in configuration
// order. An empty list selects every job.
func SelectJobs(jobs []models.TransferJob, names []string) ([]models.TransferJob, error) {
	if len(names) == 0 {
		return jobs, nil
	}
	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = true
	}
	var selected []models.TransferJob
	for _, j := range jobs {
		if wanted[j.Name] {
			selected = append(selected, j)
			delete(wanted, j.Name)
		}
	}
	if len(wanted) > 0 {
		missing := make([]string, 0, len(wanted))
		for n := range wanted {
			missing = append(missing, n)
		}
		sort.Strings(missing)
		return nil, &models.ValidationError{Field: "job", Message: "unknown job(s): " + strings.Join(missing, ", ")}
	}
	return selected, nil
}
