package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CALLBRIDGE"

// Loader loads configuration.
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("callbridge.yaml").
//	    Load()
type Loader struct {
	configPath string
	envPrefix  string
	lookupEnv  func(string) (string, bool)
	validators []func(*Config) error
}

// NewLoader creates a loader that validates with Config.Validate.
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  EnvPrefix,
		lookupEnv:  os.LookupEnv,
		validators: []func(*Config) error{(*Config).Validate},
	}
}

// WithConfigPath sets the YAML file. A missing file is not an error.
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix sets the environment variable prefix.
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithEnvLookup replaces os.LookupEnv.
func (l *Loader) WithEnvLookup(fn func(string) (string, bool)) *Loader {
	l.lookupEnv = fn
	return l
}

// WithValidator adds a validator run after loading.
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// WithoutValidation drops all validators.
func (l *Loader) WithoutValidation() *Loader {
	l.validators = nil
	return l
}

// Load resolves defaults, the YAML file and the environment, then validates.
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}
	return cfg, nil
}

func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// setFieldsFromEnv walks the struct, recursing into nested sections.
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		tag := t.Field(i).Tag.Get("env")
		if tag == "" || tag == "-" {
			continue
		}
		key := prefix + "_" + tag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, key); err != nil {
				return err
			}
			continue
		}

		value, ok := l.lookupEnv(key)
		if !ok || value == "" {
			continue
		}
		if err := setFieldValue(field, value); err != nil {
			return fmt.Errorf("failed to set %s: %w", key, err)
		}
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int64:
		if field.Type() == durationType {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)

	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
	return nil
}

var e164 = regexp.MustCompile(`^\+\d{10,15}$`)

// Validate checks the configuration needed to serve calls.
func (c *Config) Validate() error {
	var errs []error

	if c.Twilio.AccountSID == "" || c.Twilio.AuthToken == "" {
		errs = append(errs, errors.New("twilio account_sid and auth_token are required"))
	}
	if !e164.MatchString(c.Twilio.PhoneNumber) {
		errs = append(errs, fmt.Errorf("twilio phone_number %q is not E.164", c.Twilio.PhoneNumber))
	}
	if c.Twilio.WebhookURL != "" && !strings.HasSuffix(c.Twilio.WebhookURL, "/twilio/incoming") {
		errs = append(errs, errors.New("twilio webhook_url must end with /twilio/incoming"))
	}
	if c.Twilio.StreamURL == "" {
		errs = append(errs, errors.New("twilio stream_url is required"))
	} else if u, err := url.Parse(c.Twilio.StreamURL); err != nil || (u.Scheme != "wss" && u.Scheme != "ws") {
		errs = append(errs, fmt.Errorf("twilio stream_url %q must be a ws:// or wss:// URL", c.Twilio.StreamURL))
	}

	if c.Agent.APIKey == "" {
		errs = append(errs, errors.New("agent api_key is required"))
	}
	if c.Agent.InputRate <= 0 || c.Agent.OutputRate <= 0 || c.Telephony.SampleRate <= 0 {
		errs = append(errs, errors.New("sample rates must be positive"))
	}
	if c.Agent.MaxRetries <= 0 {
		errs = append(errs, errors.New("agent max_retries must be positive"))
	}

	if c.Dispatcher.Enabled {
		if c.Ticketing.Domain == "" && c.Ticketing.BaseURL == "" {
			errs = append(errs, errors.New("ticketing domain is required when the dispatcher is enabled"))
		}
		if c.Ticketing.APIKey == "" {
			errs = append(errs, errors.New("ticketing api_key is required when the dispatcher is enabled"))
		}
		if c.Extraction.APIKey == "" {
			errs = append(errs, errors.New("extraction api_key is required when the dispatcher is enabled"))
		}
	}

	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log format %q must be json or console", c.Log.Format))
	}

	return errors.Join(errs...)
}
