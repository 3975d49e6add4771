package mailer

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SubmissionPort is the only port a Mailer dials (RFC 6409 message submission).
const SubmissionPort = 587

const (
	defaultHelloName = "localhost"
	defaultTimeout   = time.Minute
)

// Config holds the relay and the account a Mailer submits through.
type Config struct {
	Host      string        `yaml:"host"`       // SMTP relay host name or IP
	Username  string        `yaml:"username"`   // account name; also the envelope sender
	Password  string        `yaml:"password"`   //
	Timeout   time.Duration `yaml:"timeout"`    // bounds dial plus session; 0 leaves only the caller's context
	HelloName string        `yaml:"hello_name"` // name sent with EHLO; defaults to localhost

	// path to SMTP transcript: complete filepath, "-" for STDERR, or empty
	// to disable transcript logging
	SessionLog string `yaml:"session_log"`
}

// LoadConfig builds a Config from defaults, then the YAML file at path (if
// path is not empty), then MAILER_* environment variables.
func LoadConfig(path string) (Config, error) {

	cfg := Config{
		Timeout:   defaultTimeout,
		HelloName: defaultHelloName,
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// applyEnv overrides fields with non-empty MAILER_* variables.
func (cfg *Config) applyEnv(lookup func(string) (string, bool)) error {

	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
	}

	if v, ok := get("MAILER_SMTP_HOST"); ok {
		cfg.Host = v
	}
	if v, ok := get("MAILER_SMTP_USER"); ok {
		cfg.Username = v
	}
	if v, ok := lookup("MAILER_SMTP_PASSWORD"); ok && v != "" {
		cfg.Password = v
	}
	if v, ok := get("MAILER_HELO_NAME"); ok {
		cfg.HelloName = v
	}
	if v, ok := get("MAILER_SESSION_LOG"); ok {
		cfg.SessionLog = v
	}
	if v, ok := get("MAILER_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("MAILER_TIMEOUT: %w", err)
		}
		cfg.Timeout = d
	}
	return nil
}

// Validate reports missing or malformed settings.
func (cfg Config) Validate() error {
	switch {
	case cfg.Host == "":
		return fmt.Errorf("config: host is required")
	case cfg.Username == "":
		return fmt.Errorf("config: username is required")
	case cfg.Timeout < 0:
		return fmt.Errorf("config: timeout must not be negative")
	}
	for _, v := range []string{cfg.Host, cfg.Username, cfg.HelloName} {
		if err := validateLine(v); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	return nil
}

// openSessionLog returns the transcript wrapper named by SessionLog, and the
// file to close once the session ends (nil for STDERR or when disabled).
func (cfg Config) openSessionLog() (CreateTextprotoConnFn, io.Closer, error) {

	switch cfg.SessionLog {
	case "":
		return nil, nil, nil
	case "-":
		return TextprotoLoggedTo(os.Stderr), nil, nil
	}

	pF, err := os.OpenFile(cfg.SessionLog, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0660)
	if err != nil {
		return nil, nil, err
	}
	return TextprotoLoggedTo(pF), pF, nil
}
