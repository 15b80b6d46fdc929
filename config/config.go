// Package config loads the visitor log server configuration.
//
// Values are resolved in this order, later sources winning:
//   - Default()
//   - the YAML file named by --config or VISITLOG_CONFIG
//   - VISITLOG_* environment variables
//   - command-line flags
//
// Durations use Go syntax ("10m", "24h"). The expiry threshold is a decimal
// number of hours so "6" and "0.5" are both valid.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/warp/visitor-log/visit"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "VISITLOG_"

// Config is the server configuration.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `yaml:"addr"`

	// DBPath is the SQLite database file. ":memory:" keeps everything in RAM.
	DBPath string `yaml:"db_path"`

	// ReportsDir receives generated report files.
	ReportsDir string `yaml:"reports_dir"`

	// ReportFormats lists the file formats of each report. CSV is always
	// written; "xlsx" adds a spreadsheet next to it.
	ReportFormats []string `yaml:"report_formats"`

	// ReportScheduleEnabled turns the periodic report on or off.
	ReportScheduleEnabled bool `yaml:"report_schedule_enabled"`

	// ReportInterval is the period of the scheduled report. Default: 24h
	ReportInterval Duration `yaml:"report_interval"`

	// ExpiryThresholdHours is how long a visit may stay open before the
	// sweeper flags it. Default: 6
	ExpiryThresholdHours Hours `yaml:"expiry_threshold_hours"`

	// SweepInterval is the period of the expiration sweep. Default: 10m
	SweepInterval Duration `yaml:"sweep_interval"`

	// Timezone names the IANA zone used for entry/exit dates and times.
	// "Local" uses the host zone.
	Timezone string `yaml:"timezone"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// LogFormat is json or console.
	LogFormat string `yaml:"log_format"`

	// CORSOrigins lists allowed browser origins. Empty allows any origin
	// but never sends credentials.
	CORSOrigins []string `yaml:"cors_origins"`

	// ShutdownTimeout bounds graceful shutdown. Default: 30s
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Addr:                  ":3000",
		DBPath:                "visits.db",
		ReportsDir:            "reports",
		ReportFormats:         []string{"csv"},
		ReportScheduleEnabled: true,
		ReportInterval:        Duration(24 * time.Hour),
		ExpiryThresholdHours:  Hours{decimal.NewFromInt(6)},
		SweepInterval:         Duration(10 * time.Minute),
		Timezone:              "Local",
		LogLevel:              "info",
		LogFormat:             "json",
		ShutdownTimeout:       Duration(30 * time.Second),
	}
}

// =============================================================================
// VALUE TYPES
// =============================================================================

// Duration is a time.Duration written as "10m" in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	v, err := time.ParseDuration(strings.TrimSpace(n.Value))
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Hours is a decimal number of hours.
type Hours struct {
	decimal.Decimal
}

// ParseHours parses "6" or "0.5".
func ParseHours(s string) (Hours, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Hours{}, fmt.Errorf("invalid hours %q: %w", s, err)
	}
	return Hours{d}, nil
}

func (h *Hours) UnmarshalYAML(n *yaml.Node) error {
	v, err := ParseHours(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*h = v
	return nil
}

// Duration converts the hours to a time.Duration.
func (h Hours) Duration() time.Duration {
	return visit.DurationOfHours(h.Decimal)
}

// =============================================================================
// LOADING
// =============================================================================

// Load resolves the configuration from args (without the program name) and
// the environment. lookupEnv is os.LookupEnv outside tests.
func Load(args []string, lookupEnv func(string) (string, bool)) (*Config, error) {
	if lookupEnv == nil {
		lookupEnv = os.LookupEnv
	}
	cfg := Default()

	fs := pflag.NewFlagSet("visitlog", pflag.ContinueOnError)
	var (
		configPath      string
		addr            string
		dbPath          string
		reportsDir      string
		reportFormats   []string
		reportSchedule  bool
		reportInterval  time.Duration
		expiryHours     string
		sweepInterval   time.Duration
		timezone        string
		logLevel        string
		logFormat       string
		corsOrigins     []string
		shutdownTimeout time.Duration
	)
	fs.StringVar(&configPath, "config", "", "path to a YAML config file (env "+EnvPrefix+"CONFIG)")
	fs.StringVar(&addr, "addr", cfg.Addr, "HTTP listen address")
	fs.StringVar(&dbPath, "db", cfg.DBPath, `SQLite database path (":memory:" for in-memory)`)
	fs.StringVar(&reportsDir, "reports-dir", cfg.ReportsDir, "directory for report files")
	fs.StringSliceVar(&reportFormats, "report-formats", cfg.ReportFormats, "report file formats (csv, xlsx)")
	fs.BoolVar(&reportSchedule, "report-schedule", cfg.ReportScheduleEnabled, "generate reports periodically")
	fs.DurationVar(&reportInterval, "report-interval", cfg.ReportInterval.Std(), "period of the scheduled report")
	fs.StringVar(&expiryHours, "expiry-hours", cfg.ExpiryThresholdHours.String(), "hours before an open visit is flagged expired")
	fs.DurationVar(&sweepInterval, "sweep-interval", cfg.SweepInterval.Std(), "period of the expiration sweep")
	fs.StringVar(&timezone, "timezone", cfg.Timezone, `IANA timezone for dates and times ("Local" for host zone)`)
	fs.StringVar(&logLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&logFormat, "log-format", cfg.LogFormat, "log format (json, console)")
	fs.StringSliceVar(&corsOrigins, "cors-origins", nil, "allowed CORS origins")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout.Std(), "graceful shutdown timeout")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if rest := fs.Args(); len(rest) > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", rest[0])
	}

	if configPath == "" {
		configPath, _ = lookupEnv(EnvPrefix + "CONFIG")
	}
	if configPath != "" {
		if err := cfg.LoadFile(configPath); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(lookupEnv); err != nil {
		return nil, err
	}

	// Flags win only when given explicitly.
	if fs.Changed("addr") {
		cfg.Addr = addr
	}
	if fs.Changed("db") {
		cfg.DBPath = dbPath
	}
	if fs.Changed("reports-dir") {
		cfg.ReportsDir = reportsDir
	}
	if fs.Changed("report-formats") {
		cfg.ReportFormats = reportFormats
	}
	if fs.Changed("report-schedule") {
		cfg.ReportScheduleEnabled = reportSchedule
	}
	if fs.Changed("report-interval") {
		cfg.ReportInterval = Duration(reportInterval)
	}
	if fs.Changed("expiry-hours") {
		h, err := ParseHours(expiryHours)
		if err != nil {
			return nil, err
		}
		cfg.ExpiryThresholdHours = h
	}
	if fs.Changed("sweep-interval") {
		cfg.SweepInterval = Duration(sweepInterval)
	}
	if fs.Changed("timezone") {
		cfg.Timezone = timezone
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if fs.Changed("log-format") {
		cfg.LogFormat = logFormat
	}
	if fs.Changed("cors-origins") {
		cfg.CORSOrigins = corsOrigins
	}
	if fs.Changed("shutdown-timeout") {
		cfg.ShutdownTimeout = Duration(shutdownTimeout)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile merges a YAML file into c. Unknown keys are an error.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(lookupEnv func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookupEnv(EnvPrefix + key); ok {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookupEnv(EnvPrefix + key); ok {
			*dst = splitList(v)
		}
	}
	dur := func(key string, dst *Duration) error {
		v, ok := lookupEnv(EnvPrefix + key)
		if !ok {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = Duration(d)
		return nil
	}

	str("ADDR", &c.Addr)
	str("DB_PATH", &c.DBPath)
	str("REPORTS_DIR", &c.ReportsDir)
	list("REPORT_FORMATS", &c.ReportFormats)
	str("TIMEZONE", &c.Timezone)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	list("CORS_ORIGINS", &c.CORSOrigins)

	if v, ok := lookupEnv(EnvPrefix + "REPORT_SCHEDULE_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sREPORT_SCHEDULE_ENABLED: %w", EnvPrefix, err)
		}
		c.ReportScheduleEnabled = b
	}
	if v, ok := lookupEnv(EnvPrefix + "EXPIRY_THRESHOLD_HOURS"); ok {
		h, err := ParseHours(v)
		if err != nil {
			return fmt.Errorf("%sEXPIRY_THRESHOLD_HOURS: %w", EnvPrefix, err)
		}
		c.ExpiryThresholdHours = h
	}
	for key, dst := range map[string]*Duration{
		"REPORT_INTERVAL":  &c.ReportInterval,
		"SWEEP_INTERVAL":   &c.SweepInterval,
		"SHUTDOWN_TIMEOUT": &c.ShutdownTimeout,
	} {
		if err := dur(key, dst); err != nil {
			return err
		}
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("db_path is required"))
	}
	if c.ReportsDir == "" {
		errs = append(errs, errors.New("reports_dir is required"))
	}
	for _, f := range c.ReportFormats {
		switch strings.ToLower(strings.TrimSpace(f)) {
		case "csv", "xlsx":
		default:
			errs = append(errs, fmt.Errorf("unknown report format %q", f))
		}
	}
	if !c.ExpiryThresholdHours.IsPositive() {
		errs = append(errs, errors.New("expiry_threshold_hours must be positive"))
	}
	if c.SweepInterval.Std() <= 0 {
		errs = append(errs, errors.New("sweep_interval must be positive"))
	}
	if c.ReportInterval.Std() <= 0 {
		errs = append(errs, errors.New("report_interval must be positive"))
	}
	if c.ShutdownTimeout.Std() <= 0 {
		errs = append(errs, errors.New("shutdown_timeout must be positive"))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("unknown log_format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	switch c.Timezone {
	case "", "Local":
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}
