// Package config holds the run configuration shared by the CLI commands.
package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"ccdinspect/episode"
	"ccdinspect/fieldspec"
)

// EnvPrefix prefixes every environment variable, e.g. CCD_TIME_MODE.
const EnvPrefix = "CCD"

// Keys understood by Load. Flag names match them with '_' replaced by '-'.
const (
	KeyConfig         = "config"
	KeyInput          = "input"
	KeySpec           = "spec"
	KeyDataDir        = "data_dir"
	KeyTimeMode       = "time_mode"
	KeyKeyColumns     = "key_columns"
	KeyBy             = "by"
	KeyFields         = "fields"
	KeyDatatypes      = "datatypes"
	KeyWorkers        = "workers"
	KeyReport         = "report"
	KeyXLSX           = "xlsx"
	KeyDatabaseURL    = "database_url"
	KeyRunID          = "run_id"
	KeyLogLevel       = "log_level"
	KeyLogFormat      = "log_format"
	KeySyntheticSites = "synthetic_sites"
	KeySeed           = "seed"
)

var allKeys = []string{
	KeyInput, KeySpec, KeyDataDir, KeyTimeMode, KeyKeyColumns, KeyBy, KeyFields,
	KeyDatatypes, KeyWorkers, KeyReport, KeyXLSX, KeyDatabaseURL, KeyRunID,
	KeyLogLevel, KeyLogFormat, KeySyntheticSites, KeySeed,
}

// Config is one resolved run configuration.
type Config struct {
	Input          string   `mapstructure:"input"`
	Spec           string   `mapstructure:"spec"`
	DataDir        string   `mapstructure:"data_dir"`
	TimeMode       string   `mapstructure:"time_mode"`
	KeyColumns     []string `mapstructure:"key_columns"`
	By             string   `mapstructure:"by"`
	Fields         []string `mapstructure:"fields"`
	Datatypes      []string `mapstructure:"datatypes"`
	Workers        int      `mapstructure:"workers"`
	Report         string   `mapstructure:"report"`
	XLSX           string   `mapstructure:"xlsx"`
	DatabaseURL    string   `mapstructure:"database_url"`
	RunID          string   `mapstructure:"run_id"`
	LogLevel       string   `mapstructure:"log_level"`
	LogFormat      string   `mapstructure:"log_format"`
	SyntheticSites []string `mapstructure:"synthetic_sites"`
	Seed           uint64   `mapstructure:"seed"`
}

// SetDefaults installs the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyDataDir, "data")
	v.SetDefault(KeyTimeMode, string(episode.Relative))
	v.SetDefault(KeyKeyColumns, episode.DefaultKeyColumns)
	v.SetDefault(KeyBy, episode.ColSiteID)
	v.SetDefault(KeyDatatypes, []string{
		string(fieldspec.Numeric),
		string(fieldspec.List),
		string(fieldspec.ListLogical),
		string(fieldspec.Logical),
	})
	v.SetDefault(KeyWorkers, 4)
	v.SetDefault(KeyReport, "report.csv")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "json")
}

// Load resolves the configuration from v: bound flags first, then CCD_*
// environment variables, then the config file named by the "config" key,
// then defaults. A missing config file is only an error when one was
// named explicitly.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AllowEmptyEnv(true)
	v.AutomaticEnv()
	for _, k := range allKeys {
		if err := v.BindEnv(k); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", k, err)
		}
	}

	if path := v.GetString(KeyConfig); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.KeyColumns = splitList(cfg.KeyColumns)
	cfg.Fields = splitList(cfg.Fields)
	cfg.Datatypes = splitList(cfg.Datatypes)
	cfg.SyntheticSites = splitList(cfg.SyntheticSites)
	cfg.By = strings.TrimSpace(cfg.By)
	return cfg, nil
}

// splitList flattens comma-separated members and drops blanks, so a list
// given as one env var or one flag value reads the same as a YAML list.
func splitList(in []string) []string {
	var out []string
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// Validate checks the settings every command relies on.
func (c *Config) Validate() error {
	if _, err := c.Mode(); err != nil {
		return err
	}
	if len(c.KeyColumns) == 0 {
		return fmt.Errorf("key_columns must not be empty")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if _, err := c.DatatypeSet(); err != nil {
		return err
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("log_format must be \"json\" or \"console\", got %q", c.LogFormat)
	}
	return nil
}

// Mode returns the configured time mode.
func (c *Config) Mode() (episode.TimeMode, error) {
	return episode.ParseTimeMode(c.TimeMode)
}

// DatatypeSet parses the datatypes used to pick report fields.
func (c *Config) DatatypeSet() ([]fieldspec.Datatype, error) {
	out := make([]fieldspec.Datatype, 0, len(c.Datatypes))
	for _, s := range c.Datatypes {
		d, err := fieldspec.ParseDatatype(s)
		if err != nil {
			return nil, fmt.Errorf("datatypes: %w", err)
		}
		out = append(out, d)
	}
	return out, nil
}

// ReportFields returns the explicit field list, or every spec field whose
// datatype is in the configured set.
func (c *Config) ReportFields(spec *fieldspec.Spec) ([]string, error) {
	if len(c.Fields) > 0 {
		return c.Fields, nil
	}
	dts, err := c.DatatypeSet()
	if err != nil {
		return nil, err
	}
	return spec.Select(dts...), nil
}

// NewLogger builds the process logger writing to w, or stderr when w is nil.
func (c *Config) NewLogger(w io.Writer) (zerolog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}
	level, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log_level: %w", err)
	}
	if c.LogFormat == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}
