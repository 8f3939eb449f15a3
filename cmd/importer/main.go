package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pose-ckan/catalog-import/internal/config"
	"github.com/pose-ckan/catalog-import/internal/importer"
	"github.com/pose-ckan/catalog-import/internal/normalize"
	"github.com/pose-ckan/catalog-import/internal/summarize/gemini"
	"github.com/pose-ckan/catalog-import/internal/version"
	"github.com/pose-ckan/catalog-import/pkg/ckan"
	localio "github.com/pose-ckan/catalog-import/pkg/pipeline/io/local"
	"github.com/pose-ckan/catalog-import/pkg/pipeline/redact"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}

	switch os.Args[1] {
	case "help", "-h", "--help":
		usage(os.Stdout)
		return
	case "version":
		_, _ = fmt.Fprintln(os.Stdout, version.Current)
		return
	case "run":
		os.Exit(runImport(ctx, os.Args[2:]))
	case "normalize":
		os.Exit(runNormalize(ctx, os.Args[2:]))
	default:
		_, _ = fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		usage(os.Stderr)
		os.Exit(2)
	}
}

// commonFlags are shared by run and normalize.
type commonFlags struct {
	configPath         string
	dotenvPath         string
	input              string
	contributorDetails string
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", defaultString("CONFIG_FILE", ""), "YAML config file (default config.yaml if present; env: CONFIG_FILE)")
	fs.StringVar(&c.dotenvPath, "dotenv", ".env", "Optional .env file loaded before reading the environment")
	fs.StringVar(&c.input, "input", "", "Metadata CSV path (overrides metadata_filepath / METADATA_FILEPATH)")
	fs.StringVar(&c.contributorDetails, "contributor-details", "", "contributor_details rendering: raw, markdown or table (env: CONTRIBUTOR_DETAILS)")
}

func (c *commonFlags) load() (config.Config, error) {
	if err := config.LoadDotEnv(c.dotenvPath); err != nil {
		return config.Config{}, err
	}
	path, mustExist := c.configPath, true
	if path == "" {
		path, mustExist = config.DefaultPath, false
	}
	cfg, err := config.Load(path, mustExist)
	if err != nil {
		return config.Config{}, err
	}
	if c.input != "" {
		cfg.MetadataFilepath = c.input
	}
	if c.contributorDetails != "" {
		cfg.Import.ContributorDetails = c.contributorDetails
	}
	return cfg, nil
}

func runImport(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var common commonFlags
	common.register(fs)
	var rowDelay time.Duration
	var requestTimeout time.Duration
	var maxRetries int
	var verifyOrgs bool
	fs.DurationVar(&rowDelay, "delay", -1, "Pause before each row (default 5s; env: ROW_DELAY)")
	fs.DurationVar(&requestTimeout, "request-timeout", 0, "Per-row request timeout (default 60s; env: REQUEST_TIMEOUT)")
	fs.IntVar(&maxRetries, "max-retries", -1, "Retries for throttled/unavailable responses, 0 disables (env: MAX_RETRIES)")
	fs.BoolVar(&verifyOrgs, "verify-orgs", false, "Check organizations exist before creating datasets (env: VERIFY_ORGS)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := common.load()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "config error: %s\n", redact.Secrets(err.Error()))
		return 2
	}
	if rowDelay >= 0 {
		cfg.Import.RowDelay = rowDelay
	}
	if requestTimeout > 0 {
		cfg.Import.RequestTimeout = requestTimeout
	}
	if maxRetries >= 0 {
		cfg.Import.MaxRetries = maxRetries
	}
	if verifyOrgs {
		cfg.Import.VerifyOrganizations = true
	}
	if err := cfg.Validate(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "config error: %s\n", redact.Secrets(err.Error()))
		return 2
	}

	normalizer, err := buildNormalizer(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "config error: %s\n", redact.Secrets(err.Error()))
		return 2
	}

	logger := log.New(os.Stdout, "", log.LstdFlags)
	client, err := ckan.NewClient(cfg.CKAN.URL, cfg.CKAN.APIKey, cfg.CKAN.CAPath,
		ckan.WithLogger(logger),
		ckan.WithUserAgent(version.UserAgent()),
		ckan.WithStructuredFields(normalize.StructuredFields...),
		ckan.WithTimeout(cfg.Import.RequestTimeout),
	)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "ckan client error: %s\n", redact.Secrets(err.Error()))
		return 2
	}

	delay := cfg.Import.RowDelay
	if delay == 0 {
		// An explicit zero disables pacing; the importer reads zero as "default".
		delay = -1
	}
	imp := importer.New(client, normalizer, importer.Options{
		RowDelay:            delay,
		RequestTimeout:      cfg.Import.RequestTimeout,
		MaxRetries:          cfg.Import.MaxRetries,
		VerifyOrganizations: cfg.Import.VerifyOrganizations,
		Logger:              logger,
	})

	sum, err := imp.RunFile(ctx, cfg.MetadataFilepath)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			_, _ = fmt.Fprintf(os.Stderr, "import interrupted after %d rows (ok=%d failed=%d)\n", sum.Processed, sum.OK, sum.Failed)
			return 130
		}
		_, _ = fmt.Fprintf(os.Stderr, "import failed: %s\n", redact.Secrets(err.Error()))
		return 1
	}
	_, _ = fmt.Fprintf(os.Stdout, "import finished: processed=%d ok=%d failed=%d\n", sum.Processed, sum.OK, sum.Failed)
	return 0
}

// dryRunLine is one line of normalize output.
type dryRunLine struct {
	Line    int         `json:"line"`
	Kind    string      `json:"kind"`
	Action  string      `json:"action"`
	Org     string      `json:"org_fallback,omitempty"`
	Payload ckan.Fields `json:"payload,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func runNormalize(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("normalize", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var common commonFlags
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := common.load()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "config error: %s\n", redact.Secrets(err.Error()))
		return 2
	}
	if strings.TrimSpace(cfg.MetadataFilepath) == "" {
		_, _ = fmt.Fprintln(os.Stderr, "normalize requires --input or metadata_filepath")
		return 2
	}
	normalizer, err := buildNormalizer(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "config error: %s\n", redact.Secrets(err.Error()))
		return 2
	}

	f, err := os.Open(cfg.MetadataFilepath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "open input: %s\n", err)
		return 1
	}
	defer func() {
		_ = f.Close()
	}()
	records, err := localio.ReadRowsCSV(f)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "read input: %s\n", err)
		return 1
	}

	enc := json.NewEncoder(os.Stdout)
	for i, rec := range records {
		row := normalize.Row(rec)
		line := dryRunLine{Line: i + 1, Kind: importer.Classify(row).String()}
		var payload ckan.Fields
		switch importer.Classify(row) {
		case importer.KindResourceUpdate:
			line.Action = "resource_patch"
			payload, err = normalize.ResourcePatch(row)
		case importer.KindResourceCreate:
			line.Action = "resource_create"
			payload, err = normalize.ResourceCreate(row)
		default:
			line.Action = "package_create"
			var ds normalize.Dataset
			ds, err = normalizer.Dataset(ctx, row)
			payload = ds.Fields
			if err == nil && !ds.OrgMapped {
				line.Org = ds.Owner
			}
		}
		if err != nil {
			line.Error = redact.Secrets(err.Error())
		} else {
			line.Payload = payload
		}
		if err := enc.Encode(line); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "write output: %s\n", err)
			return 1
		}
	}
	return 0
}

func buildNormalizer(ctx context.Context, cfg config.Config) (*normalize.Normalizer, error) {
	mode, err := normalize.ParseDetailsMode(cfg.Import.ContributorDetails)
	if err != nil {
		return nil, err
	}
	opts := normalize.Options{DetailsMode: mode}
	if cfg.Gemini.Enabled() {
		s, err := gemini.New(ctx, gemini.Config{
			APIKey:            cfg.Gemini.APIKey,
			Model:             cfg.Gemini.Model,
			BaseURL:           cfg.Gemini.BaseURL,
			MaxRetries:        cfg.Gemini.MaxRetries,
			RequestTimeout:    cfg.Import.RequestTimeout,
			RequestsPerMinute: cfg.Gemini.RequestsPerMinute,
		})
		if err != nil {
			return nil, fmt.Errorf("gemini: %w", err)
		}
		opts.Summarizer = s
	}
	return normalize.New(opts), nil
}

func usage(w *os.File) {
	_, _ = fmt.Fprintf(w, `importer: load CKAN extension metadata from CSV into a CKAN catalog

Usage:
  importer <command> [flags]

Commands:
  run        Import every row of the metadata CSV (one row every 5s by default)
  normalize  Print the payload each row would produce, as JSON lines, without calling CKAN
  version    Print the version

Examples:
  importer run --config config.yaml
  importer normalize --input extensions.csv --contributor-details markdown

Configuration (config.yaml, overridden by environment / .env):
  ckan.url            CKAN_URL            Catalog base URL (e.g. https://catalog.example.org)
  ckan.api_key        CKAN_API_KEY        API token sent as the Authorization header
  ckan.ca_path        CKAN_CA_PATH        Optional PEM trust store
  metadata_filepath   METADATA_FILEPATH   Input CSV
  import.row_delay    ROW_DELAY           Pause before each row (default 5s)
  import.max_retries  MAX_RETRIES         Retries for 429/502/503/504 (default 0)
  import.verify_organizations VERIFY_ORGS Check organizations with organization_show

Environment (optional Gemini summarizer for descriptions without a sentence):
  GEMINI_API_KEY   Gemini API key
  GEMINI_MODEL     Gemini model name
  GEMINI_BASE_URL  Optional base URL override (proxies/testing)
  GEMINI_MAX_RETRIES  Retries after 429/5xx replies (default 2)
  GEMINI_RPM       Requests per minute cap (default none)

`)
}

func defaultString(envVar string, fallback string) string {
	v := strings.TrimSpace(os.Getenv(envVar))
	if v == "" {
		return fallback
	}
	return v
}
