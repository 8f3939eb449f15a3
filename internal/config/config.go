package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultPath is the config file read when none is named.
	DefaultPath = "config.yaml"

	defaultRowDelay       = 5 * time.Second
	defaultRequestTimeout = 60 * time.Second
)

// Config is the importer configuration. Values come from the YAML file first,
// then environment variables (including a .env file) override them.
type Config struct {
	CKAN             CKAN   `yaml:"ckan"`
	MetadataFilepath string `yaml:"metadata_filepath"`
	Import           Import `yaml:"import"`
	Gemini           Gemini `yaml:"gemini"`
}

// CKAN is the target catalog.
type CKAN struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
	// CAPath is an optional PEM bundle used as the TLS trust store.
	CAPath string `yaml:"ca_path"`
}

type Import struct {
	RowDelay            time.Duration `yaml:"row_delay"`
	RequestTimeout      time.Duration `yaml:"request_timeout"`
	MaxRetries          int           `yaml:"max_retries"`
	VerifyOrganizations bool          `yaml:"verify_organizations"`
	// ContributorDetails is raw, markdown or table.
	ContributorDetails string `yaml:"contributor_details"`
}

// Gemini configures the optional description summarizer. It is enabled when
// both APIKey and Model are set.
type Gemini struct {
	APIKey            string `yaml:"api_key"`
	Model             string `yaml:"model"`
	BaseURL           string `yaml:"base_url"`
	MaxRetries        int    `yaml:"max_retries"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
}

// Enabled reports whether the summarizer should be constructed.
func (g Gemini) Enabled() bool {
	return strings.TrimSpace(g.APIKey) != "" && strings.TrimSpace(g.Model) != ""
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Gemini: Gemini{MaxRetries: 2},
		Import: Import{
			RowDelay:           defaultRowDelay,
			RequestTimeout:     defaultRequestTimeout,
			ContributorDetails: "raw",
		},
	}
}

// LoadDotEnv loads KEY=VALUE pairs from paths into the process environment
// without overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads the YAML file at path (if any) and applies environment
// overrides. A missing file is an error only when mustExist is true.
func Load(path string, mustExist bool) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, fs.ErrNotExist) && !mustExist:
		default:
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	envString("CKAN_URL", &cfg.CKAN.URL)
	envString("CKAN_API_KEY", &cfg.CKAN.APIKey)
	envString("CKAN_CA_PATH", &cfg.CKAN.CAPath)
	envString("METADATA_FILEPATH", &cfg.MetadataFilepath)
	envString("CONTRIBUTOR_DETAILS", &cfg.Import.ContributorDetails)
	envString("GEMINI_API_KEY", &cfg.Gemini.APIKey)
	envString("GEMINI_MODEL", &cfg.Gemini.Model)
	envString("GEMINI_BASE_URL", &cfg.Gemini.BaseURL)

	var err error
	if cfg.Import.RowDelay, err = envDuration("ROW_DELAY", cfg.Import.RowDelay); err != nil {
		return err
	}
	if cfg.Import.RequestTimeout, err = envDuration("REQUEST_TIMEOUT", cfg.Import.RequestTimeout); err != nil {
		return err
	}
	if cfg.Import.MaxRetries, err = envInt("MAX_RETRIES", cfg.Import.MaxRetries); err != nil {
		return err
	}
	if cfg.Import.VerifyOrganizations, err = envBool("VERIFY_ORGS", cfg.Import.VerifyOrganizations); err != nil {
		return err
	}
	if cfg.Gemini.MaxRetries, err = envInt("GEMINI_MAX_RETRIES", cfg.Gemini.MaxRetries); err != nil {
		return err
	}
	if cfg.Gemini.RequestsPerMinute, err = envInt("GEMINI_RPM", cfg.Gemini.RequestsPerMinute); err != nil {
		return err
	}
	return nil
}

// Validate checks what an import run needs: the catalog URL and API key and
// the metadata file.
func (c Config) Validate() error {
	var missing []string
	if strings.TrimSpace(c.CKAN.URL) == "" {
		missing = append(missing, "ckan.url (CKAN_URL)")
	}
	if strings.TrimSpace(c.CKAN.APIKey) == "" {
		missing = append(missing, "ckan.api_key (CKAN_API_KEY)")
	}
	if strings.TrimSpace(c.MetadataFilepath) == "" {
		missing = append(missing, "metadata_filepath (METADATA_FILEPATH)")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config: %s", strings.Join(missing, ", "))
	}
	if c.Import.MaxRetries < 0 {
		return fmt.Errorf("import.max_retries must be >= 0, got %d", c.Import.MaxRetries)
	}
	return nil
}

func envString(varName string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(varName)); v != "" {
		*dst = v
	}
}

func envInt(varName string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

func envDuration(varName string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}

func envBool(varName string, fallback bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(varName))
	if v == "" {
		return fallback, nil
	}
	out, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s=%q: %w", varName, v, err)
	}
	return out, nil
}
