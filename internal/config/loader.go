package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Load reads configuration from environment variables.
// It applies defaults for unset values and validates the result.
// Returns an error if required values are missing or validation fails.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := loadStruct(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration and panics on error.
// Use this only in main() where early termination is desired.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// loadStruct recursively populates struct fields from environment variables.
func loadStruct(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		// Skip unexported fields
		if !fieldVal.CanSet() {
			continue
		}

		// Recurse into nested structs
		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Time{}) {
			if err := loadStruct(fieldVal); err != nil {
				return err
			}
			continue
		}

		envKey := field.Tag.Get("env")
		if envKey == "" {
			continue
		}

		value := os.Getenv(envKey)

		// Try the alternate env var name if the primary is unset
		if value == "" {
			if altKey := field.Tag.Get("envAlt"); altKey != "" {
				value = os.Getenv(altKey)
			}
		}

		// Fall back to the declared default
		if value == "" {
			value = field.Tag.Get("default")
		}

		if value == "" {
			if field.Tag.Get("required") == "true" {
				return fmt.Errorf("required environment variable %s is not set", envKey)
			}
			continue
		}

		if err := setField(fieldVal, value); err != nil {
			return fmt.Errorf("invalid value for %s: %w", envKey, err)
		}
	}

	return nil
}

// setField converts a string value to the field's type and assigns it.
func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int64:
		// time.Duration gets parsed as a duration string
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration %q: %w", value, err)
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer %q: %w", value, err)
		}
		field.SetInt(n)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean %q: %w", value, err)
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			result := make([]string, 0, len(parts))
			for _, p := range parts {
				if trimmed := strings.TrimSpace(p); trimmed != "" {
					result = append(result, trimmed)
				}
			}
			field.Set(reflect.ValueOf(result))
			return nil
		}
		return fmt.Errorf("unsupported slice type %s", field.Type())

	default:
		return fmt.Errorf("unsupported field type %s", field.Kind())
	}

	return nil
}

// Validate checks that the configuration is internally consistent.
// It collects all problems rather than stopping at the first one.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT must be 1-65535, got %d", c.Server.Port))
	}

	if c.Database.URL != "" {
		if c.Database.MaxConns < 1 {
			errs = append(errs, fmt.Sprintf("DB_MAX_CONNS must be positive, got %d", c.Database.MaxConns))
		}
		if c.Database.MinConns < 0 || c.Database.MinConns > c.Database.MaxConns {
			errs = append(errs, fmt.Sprintf("DB_MAX_CONNS (%d) must be at least DB_MIN_CONNS (%d)", c.Database.MaxConns, c.Database.MinConns))
		}
	}

	if c.History.Path == "" {
		errs = append(errs, "HISTORY_PATH must not be empty")
	}
	if c.History.RetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("HISTORY_RETENTION_DAYS must be positive, got %d", c.History.RetentionDays))
	}
	if c.History.PruneInterval < time.Minute {
		errs = append(errs, fmt.Sprintf("HISTORY_PRUNE_INTERVAL must be at least 1m, got %s", c.History.PruneInterval))
	}

	if c.Import.MaxFileSize < 1 {
		errs = append(errs, fmt.Sprintf("IMPORT_MAX_FILE_SIZE must be positive, got %d", c.Import.MaxFileSize))
	}
	if c.Import.MaxConcurrent < 1 {
		errs = append(errs, fmt.Sprintf("IMPORT_MAX_CONCURRENT must be positive, got %d", c.Import.MaxConcurrent))
	}
	if c.Import.Workers < 1 {
		errs = append(errs, fmt.Sprintf("IMPORT_WORKERS must be positive, got %d", c.Import.Workers))
	}
	switch c.Import.Driver {
	case "", "process", "goroutine", "sequential":
	default:
		errs = append(errs, fmt.Sprintf("IMPORT_DRIVER must be process, goroutine, or sequential, got %q", c.Import.Driver))
	}
	if c.Import.ChunkSize < 1 {
		errs = append(errs, fmt.Sprintf("IMPORT_CHUNK_SIZE must be positive, got %d", c.Import.ChunkSize))
	}
	if c.Import.BatchSize < 1 {
		errs = append(errs, fmt.Sprintf("IMPORT_BATCH_SIZE must be positive, got %d", c.Import.BatchSize))
	}
	if c.Import.Timeout < time.Second {
		errs = append(errs, fmt.Sprintf("IMPORT_TIMEOUT must be at least 1s, got %s", c.Import.Timeout))
	}

	switch c.Export.Format {
	case "csv", "tsv", "xlsx":
	default:
		errs = append(errs, fmt.Sprintf("EXPORT_FORMAT must be csv, tsv, or xlsx, got %q", c.Export.Format))
	}
	if c.Export.ChunkSize < 1 {
		errs = append(errs, fmt.Sprintf("EXPORT_CHUNK_SIZE must be positive, got %d", c.Export.ChunkSize))
	}

	if c.Rate.Enabled {
		if c.Rate.RequestsPerMinute < 1 {
			errs = append(errs, fmt.Sprintf("RATE_LIMIT_REQUESTS_PER_MINUTE must be positive, got %d", c.Rate.RequestsPerMinute))
		}
		if c.Rate.ImportLimit < 1 {
			errs = append(errs, fmt.Sprintf("RATE_LIMIT_IMPORT must be positive, got %d", c.Rate.ImportLimit))
		}
	}

	if c.Security.RequireAPIKey && len(c.Security.APIKeys) == 0 {
		errs = append(errs, "REQUIRE_API_KEY is set but API_KEYS is empty")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("LOG_LEVEL must be debug, info, warn, or error, got %q", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("LOG_FORMAT must be text or json, got %q", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// String returns a human-readable summary of the config with secrets masked.
func (c *Config) String() string {
	var sb strings.Builder

	sb.WriteString("Configuration:\n")
	sb.WriteString(fmt.Sprintf("  Server: %s (read=%s write=%s idle=%s)\n",
		c.Server.Addr(), c.Server.ReadTimeout, c.Server.WriteTimeout, c.Server.IdleTimeout))

	dbURL := "(not configured)"
	if c.Database.URL != "" {
		dbURL = "[MASKED]"
	}
	sb.WriteString(fmt.Sprintf("  Database: %s (conns=%d-%d)\n", dbURL, c.Database.MinConns, c.Database.MaxConns))

	sb.WriteString(fmt.Sprintf("  History: %s (retention=%dd prune=%s)\n",
		c.History.Path, c.History.RetentionDays, c.History.PruneInterval))
	sb.WriteString(fmt.Sprintf("  Import: workers=%d driver=%q chunk=%d batch=%d concurrent=%d timeout=%s\n",
		c.Import.Workers, c.Import.Driver, c.Import.ChunkSize, c.Import.BatchSize, c.Import.MaxConcurrent, c.Import.Timeout))
	sb.WriteString(fmt.Sprintf("  Export: format=%s chunk=%d\n", c.Export.Format, c.Export.ChunkSize))
	sb.WriteString(fmt.Sprintf("  Rate limiting: enabled=%t (%d/min, import %d/min)\n",
		c.Rate.Enabled, c.Rate.RequestsPerMinute, c.Rate.ImportLimit))

	apiKeys := "(none)"
	if len(c.Security.APIKeys) > 0 {
		apiKeys = fmt.Sprintf("[%d keys]", len(c.Security.APIKeys))
	}
	sb.WriteString(fmt.Sprintf("  Security: require_api_key=%t keys=%s\n", c.Security.RequireAPIKey, apiKeys))
	sb.WriteString(fmt.Sprintf("  Logging: %s/%s", c.Logging.Level, c.Logging.Format))
	if c.Logging.File != "" {
		sb.WriteString(" file=" + c.Logging.File)
	}

	return sb.String()
}
