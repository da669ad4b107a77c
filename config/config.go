package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/dhcgn/mailsheet/filter"
	"github.com/dhcgn/mailsheet/model"
)

const envPrefix = "MAILSHEET_"

// Config captures every option of the service and its one-shot commands.
type Config struct {
	ConfigFile string

	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	UseTLS             bool
	InsecureSkipVerify bool
	Mailbox            string
	MboxPath           string

	Senders         []string
	Subject         string
	Extensions      []string
	MaxAttachmentMB int
	ScanLimit       int

	Interval       time.Duration
	RunTimeout     time.Duration
	ConnectTimeout time.Duration

	Listen      string
	DisplayRows int

	StateDir  string
	OutputDir string

	GCSBucket      string
	GCSProject     string
	GCSCredentials string

	SendGridKey string
	NotifyFrom  string
	NotifyTo    []string

	LogLevel  string
	LogFormat string
	LogDir    string
}

// Criteria returns the mailbox criteria applied to every scheduled run.
func (c Config) Criteria() model.Criteria {
	return model.Criteria{Senders: c.Senders, SubjectContains: c.Subject}
}

func (c Config) FilterOptions() filter.Options {
	return filter.Options{
		Senders:            c.Senders,
		SubjectContains:    c.Subject,
		Extensions:         c.Extensions,
		MaxAttachmentBytes: int64(c.MaxAttachmentMB) << 20,
	}
}

// Offline reports whether attachments come from a local mbox archive.
func (c Config) Offline() bool {
	return c.MboxPath != ""
}

// envNames lists the variables consulted for a flag, in priority order.
var envNames = map[string][]string{
	"imap-pass":    {"IMAP_PASS", envPrefix + "IMAP_PASS"},
	"sender":       {envPrefix + "SENDERS"},
	"sendgrid-key": {"SENDGRID_API_KEY", envPrefix + "SENDGRID_KEY"},
	"config":       {envPrefix + "CONFIG"},
}

func envFor(name string) []string {
	if names, ok := envNames[name]; ok {
		return names
	}
	return []string{envPrefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))}
}

// RegisterFlags attaches the shared flags as persistent flags of cmd.
func RegisterFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("config", "", "YAML file with option values (keys are flag names)")

	flags.String("imap-host", "", "IMAP server hostname")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to IMAP_PASS env var)")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("mailbox", "INBOX", "IMAP folder to search")
	flags.String("mbox", "", "Read messages from a local mbox archive instead of IMAP")

	flags.StringArray("sender", nil, "Sender substring to match in From (repeatable, OR-combined)")
	flags.String("subject", "", "Subject substring a message must contain")
	flags.StringSlice("extensions", filter.SupportedExtensions, "Accepted attachment extensions")
	flags.Int("max-attachment-mb", 25, "Skip attachments larger than this many MiB")
	flags.Int("scan-limit", 10, "Newest sender matches inspected for the subject filter")

	flags.Duration("interval", 15*time.Minute, "Time between scheduled runs")
	flags.Duration("run-timeout", 2*time.Minute, "Budget for one run (connect, search and fetch)")
	flags.Duration("connect-timeout", 30*time.Second, "IMAP dial timeout")

	flags.String("listen", "127.0.0.1:8080", "HTTP listen address")
	flags.Int("display-rows", 50, "Rows rendered by the table endpoint")

	flags.String("state-dir", "", "Directory for delivery state (memory only when empty)")
	flags.String("output-dir", "", "Write decoded attachments below this directory")

	flags.String("gcs-bucket", "", "Upload decoded attachments to this GCS bucket")
	flags.String("gcs-project", "", "GCS quota project")
	flags.String("gcs-credentials", "", "Service account JSON for GCS")

	flags.String("sendgrid-key", "", "SendGrid API key for run reports (falls back to SENDGRID_API_KEY)")
	flags.String("notify-from", "", "Sender address of run reports")
	flags.StringSlice("notify-to", nil, "Recipients of run reports")

	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-format", "text", "Log format: text or json")
	flags.String("log-dir", "", "Also write logs to a timestamped file in this directory")
}

// LoadDotEnv reads KEY=VALUE pairs from path into the environment. A missing
// file is not an error; variables already set win.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// LoadConfig resolves flags, environment and the optional YAML file into a
// validated Config. Precedence: flag, env, YAML, default.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()

	explicit := map[string]bool{}
	flags.Visit(func(f *pflag.Flag) { explicit[f.Name] = true })

	fromEnv := map[string]bool{}
	var envErr error
	flags.VisitAll(func(f *pflag.Flag) {
		if explicit[f.Name] || envErr != nil {
			return
		}
		for _, name := range envFor(f.Name) {
			value, ok := os.LookupEnv(name)
			if !ok || value == "" {
				continue
			}
			if err := setFromEnv(flags, f, value); err != nil {
				envErr = fmt.Errorf("%s: %w", name, err)
				return
			}
			fromEnv[f.Name] = true
			return
		}
	})
	if envErr != nil {
		return Config{}, envErr
	}

	configFile, err := flags.GetString("config")
	if err != nil {
		return Config{}, err
	}
	if configFile != "" {
		if err := applyFile(flags, configFile, func(name string) bool { return explicit[name] || fromEnv[name] }); err != nil {
			return Config{}, err
		}
	}

	cfg, err := read(flags)
	if err != nil {
		return Config{}, err
	}
	cfg.ConfigFile = configFile
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setFromEnv(flags *pflag.FlagSet, f *pflag.Flag, value string) error {
	if f.Value.Type() == "stringArray" {
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimSpace(item); item != "" {
				if err := flags.Set(f.Name, item); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return flags.Set(f.Name, value)
}

// applyFile sets every flag named in the YAML file unless skip reports it
// as already resolved.
func applyFile(flags *pflag.FlagSet, path string, skip func(string) bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var values map[string]any
	if err := yaml.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	for key, raw := range values {
		f := flags.Lookup(key)
		if f == nil {
			return fmt.Errorf("config file %s: unknown option %q", path, key)
		}
		if key == "config" || skip(key) || raw == nil {
			continue
		}

		items, isList := raw.([]any)
		switch {
		case isList && f.Value.Type() == "stringArray":
			for _, item := range items {
				if err := flags.Set(key, fmt.Sprint(item)); err != nil {
					return fmt.Errorf("config file %s: %s: %w", path, key, err)
				}
			}
		case isList:
			parts := make([]string, len(items))
			for i, item := range items {
				parts[i] = fmt.Sprint(item)
			}
			if err := flags.Set(key, strings.Join(parts, ",")); err != nil {
				return fmt.Errorf("config file %s: %s: %w", path, key, err)
			}
		default:
			if err := flags.Set(key, fmt.Sprint(raw)); err != nil {
				return fmt.Errorf("config file %s: %s: %w", path, key, err)
			}
		}
	}
	return nil
}

func read(flags *pflag.FlagSet) (Config, error) {
	var (
		cfg  Config
		errs []error
	)
	str := func(name string) string {
		v, err := flags.GetString(name)
		errs = append(errs, err)
		return strings.TrimSpace(v)
	}
	integer := func(name string) int {
		v, err := flags.GetInt(name)
		errs = append(errs, err)
		return v
	}
	boolean := func(name string) bool {
		v, err := flags.GetBool(name)
		errs = append(errs, err)
		return v
	}
	duration := func(name string) time.Duration {
		v, err := flags.GetDuration(name)
		errs = append(errs, err)
		return v
	}
	slice := func(name string) []string {
		v, err := flags.GetStringSlice(name)
		errs = append(errs, err)
		return v
	}
	array := func(name string) []string {
		v, err := flags.GetStringArray(name)
		errs = append(errs, err)
		return v
	}

	cfg.IMAPHost = str("imap-host")
	cfg.IMAPPort = integer("imap-port")
	cfg.IMAPUser = str("imap-user")
	cfg.IMAPPass = str("imap-pass")
	cfg.UseTLS = boolean("use-tls")
	cfg.InsecureSkipVerify = boolean("insecure-skip-verify")
	cfg.Mailbox = str("mailbox")
	cfg.MboxPath = str("mbox")

	cfg.Senders = array("sender")
	cfg.Subject = str("subject")
	cfg.Extensions = slice("extensions")
	cfg.MaxAttachmentMB = integer("max-attachment-mb")
	cfg.ScanLimit = integer("scan-limit")

	cfg.Interval = duration("interval")
	cfg.RunTimeout = duration("run-timeout")
	cfg.ConnectTimeout = duration("connect-timeout")

	cfg.Listen = str("listen")
	cfg.DisplayRows = integer("display-rows")

	cfg.StateDir = str("state-dir")
	cfg.OutputDir = str("output-dir")

	cfg.GCSBucket = str("gcs-bucket")
	cfg.GCSProject = str("gcs-project")
	cfg.GCSCredentials = str("gcs-credentials")

	cfg.SendGridKey = str("sendgrid-key")
	cfg.NotifyFrom = str("notify-from")
	cfg.NotifyTo = slice("notify-to")

	cfg.LogLevel = strings.ToLower(str("log-level"))
	cfg.LogFormat = strings.ToLower(str("log-format"))
	cfg.LogDir = str("log-dir")

	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}

	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	if cfg.StateDir != "" {
		cfg.StateDir = filepath.Clean(cfg.StateDir)
	}
	return cfg, nil
}

func validateConfig(cfg Config) error {
	if !cfg.Offline() {
		if cfg.IMAPHost == "" {
			return fmt.Errorf("--imap-host is required (or --mbox for offline mode)")
		}
		if cfg.IMAPUser == "" {
			return fmt.Errorf("--imap-user is required")
		}
		if cfg.IMAPPass == "" {
			return fmt.Errorf("IMAP password must be provided via --imap-pass or IMAP_PASS env var")
		}
		if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
			return fmt.Errorf("--imap-port must be between 1 and 65535")
		}
	}

	if _, err := filter.New(cfg.FilterOptions()); err != nil {
		return fmt.Errorf("--extensions: %w", err)
	}

	positive := []struct {
		name string
		ok   bool
	}{
		{"--max-attachment-mb", cfg.MaxAttachmentMB > 0},
		{"--scan-limit", cfg.ScanLimit > 0},
		{"--interval", cfg.Interval > 0},
		{"--run-timeout", cfg.RunTimeout > 0},
		{"--connect-timeout", cfg.ConnectTimeout > 0},
		{"--display-rows", cfg.DisplayRows > 0},
	}
	for _, p := range positive {
		if !p.ok {
			return fmt.Errorf("%s must be positive", p.name)
		}
	}

	if cfg.SendGridKey != "" && (cfg.NotifyFrom == "" || len(cfg.NotifyTo) == 0) {
		return fmt.Errorf("--notify-from and --notify-to are required with --sendgrid-key")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid --log-format: %s", cfg.LogFormat)
	}

	return nil
}
