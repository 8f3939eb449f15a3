package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/pose-ckan/catalog-import/internal/normalize"
	"github.com/pose-ckan/catalog-import/pkg/ckan"
	"github.com/pose-ckan/catalog-import/pkg/pipeline/core"
	localio "github.com/pose-ckan/catalog-import/pkg/pipeline/io/local"
	"github.com/pose-ckan/catalog-import/pkg/pipeline/redact"
	"github.com/pose-ckan/catalog-import/pkg/pipeline/worker"
)

// DefaultRowDelay is the pause taken before every row.
const DefaultRowDelay = 5 * time.Second

// Kind is the action a row requests.
type Kind int

const (
	KindDatasetCreate Kind = iota
	KindResourceCreate
	KindResourceUpdate
)

func (k Kind) String() string {
	switch k {
	case KindDatasetCreate:
		return "dataset_create"
	case KindResourceCreate:
		return "resource_create"
	case KindResourceUpdate:
		return "resource_update"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Classify picks the action for a row: resource_id wins over package_id, and
// a row with neither creates a dataset.
func Classify(row normalize.Row) Kind {
	switch {
	case row.Has("resource_id"):
		return KindResourceUpdate
	case row.Has("package_id"):
		return KindResourceCreate
	default:
		return KindDatasetCreate
	}
}

// ActionClient is the subset of *ckan.Client the importer calls.
type ActionClient interface {
	Action(ctx context.Context, name string, fields ckan.Fields, file *ckan.File) (*ckan.Response, error)
	OrganizationExists(ctx context.Context, slug string) (bool, error)
}

// Options configures a run.
type Options struct {
	// RowDelay is the pause before each row. Zero means DefaultRowDelay;
	// negative disables pacing.
	RowDelay time.Duration
	// RequestTimeout bounds each attempt at a row. A retry gets a fresh timeout.
	RequestTimeout time.Duration
	// MaxRetries is the number of extra attempts for a row whose first call
	// failed transiently. Zero keeps the one-attempt behavior.
	MaxRetries int
	// VerifyOrganizations checks mapped organizations with organization_show
	// and falls back to "other" when they do not exist.
	VerifyOrganizations bool
	Logger              *log.Logger
}

// Counts tallies row outcomes.
type Counts struct {
	OK     int
	Failed int
}

// Failure describes a row that was not imported.
type Failure struct {
	// Line is the 1-based data row number (the header is not counted).
	Line int
	Kind Kind
	Err  error
}

// Summary reports a finished (or interrupted) run.
type Summary struct {
	RunID     string
	Processed int
	OK        int
	Failed    int
	ByKind    map[Kind]Counts
	Failures  []Failure
	Duration  time.Duration
}

// Outcome is what a successfully imported row produced.
type Outcome struct {
	Kind Kind
	// Actions lists the action calls made for the row, in order.
	Actions []string
	// ID is the created or updated entity: the dataset name or the resource id.
	ID string
}

// Importer submits CSV rows to a catalog one at a time.
type Importer struct {
	client     ActionClient
	normalizer *normalize.Normalizer
	opts       Options
	logger     *log.Logger
}

// New returns an Importer. A nil normalizer uses default normalization.
func New(client ActionClient, normalizer *normalize.Normalizer, opts Options) *Importer {
	if normalizer == nil {
		normalizer = normalize.New(normalize.Options{})
	}
	if opts.RowDelay == 0 {
		opts.RowDelay = DefaultRowDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "", log.LstdFlags)
	}
	return &Importer{client: client, normalizer: normalizer, opts: opts, logger: logger}
}

type rowJob struct {
	line int
	row  normalize.Row
}

// RunFile reads the CSV at path and imports its rows.
func (im *Importer) RunFile(ctx context.Context, path string) (Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return Summary{}, err
	}
	defer func() {
		_ = f.Close()
	}()
	return im.RunReader(ctx, f)
}

// RunReader reads CSV rows from r and imports them.
func (im *Importer) RunReader(ctx context.Context, r io.Reader) (Summary, error) {
	records, err := localio.ReadRowsCSV(r)
	if err != nil {
		return Summary{}, err
	}
	rows := make([]normalize.Row, 0, len(records))
	for _, rec := range records {
		rows = append(rows, normalize.Row(rec))
	}
	return im.Run(ctx, rows)
}

// Run imports rows sequentially, pausing before each one. A failing row is
// logged and counted; the run continues with the next row. The returned error
// is non-nil only when the run itself stops early (cancellation).
func (im *Importer) Run(ctx context.Context, rows []normalize.Row) (Summary, error) {
	runID := uuid.NewString()
	logf := func(format string, args ...any) {
		prefix := make([]any, 0, len(args)+1)
		prefix = append(prefix, runID)
		prefix = append(prefix, args...)
		im.logger.Printf("run=%s "+format, prefix...)
	}
	runStart := time.Now()

	summary := Summary{RunID: runID, ByKind: make(map[Kind]Counts)}

	jobs := make([]rowJob, 0, len(rows))
	for i, row := range rows {
		jobs = append(jobs, rowJob{line: i + 1, row: row})
	}

	interval := im.opts.RowDelay
	if interval < 0 {
		interval = 0
	}
	logf(
		"import start: rows=%d delay=%s timeout=%s maxRetries=%d verifyOrgs=%t",
		len(rows),
		interval,
		im.opts.RequestTimeout,
		im.opts.MaxRetries,
		im.opts.VerifyOrganizations,
	)

	process := func(ctx context.Context, job rowJob) (Outcome, error) {
		return im.processRow(ctx, job, logf)
	}
	onResult := func(res worker.Result[rowJob, Outcome]) error {
		job := res.Input
		kind := Classify(job.row)
		summary.Processed++
		c := summary.ByKind[kind]
		if res.Err != nil {
			summary.Failed++
			c.Failed++
			summary.Failures = append(summary.Failures, Failure{Line: job.line, Kind: kind, Err: res.Err})
			logf("row=%d kind=%s error=%s", job.line, kind, redact.Secrets(res.Err.Error()))
			logf("row=%d failed row: %s", job.line, redact.Secrets(job.row.String()))
		} else {
			summary.OK++
			c.OK++
			logf("row=%d kind=%s ok id=%s actions=%v", job.line, kind, res.Output.ID, res.Output.Actions)
		}
		summary.ByKind[kind] = c
		return nil
	}

	_, err := worker.ProcessAllWithCallback(ctx, jobs, process, onResult, worker.Options{
		Workers:           1,
		MaxRetries:        im.opts.MaxRetries,
		RequestTimeout:    im.opts.RequestTimeout,
		Interval:          interval,
		FailurePolicy:     worker.FailurePolicyPartialOutput,
		BackoffJitterFrac: 0.2,
	})
	summary.Duration = time.Since(runStart)
	if err != nil {
		logf("import stopped after %d/%d rows: %s", summary.Processed, len(rows), redact.Secrets(err.Error()))
		return summary, err
	}
	logf(
		"import done: processed=%d ok=%d failed=%d duration=%s",
		summary.Processed,
		summary.OK,
		summary.Failed,
		summary.Duration.Round(time.Millisecond),
	)
	return summary, nil
}

func (im *Importer) processRow(ctx context.Context, job rowJob, logf func(string, ...any)) (Outcome, error) {
	switch kind := Classify(job.row); kind {
	case KindResourceUpdate:
		fields, err := normalize.ResourcePatch(job.row)
		if err != nil {
			return Outcome{}, err
		}
		resp, err := im.client.Action(ctx, "resource_patch", fields, normalize.Upload(job.row))
		if err != nil {
			return Outcome{}, retryable(err)
		}
		return Outcome{Kind: kind, Actions: []string{"resource_patch"}, ID: resultID(resp)}, nil

	case KindResourceCreate:
		fields, err := normalize.ResourceCreate(job.row)
		if err != nil {
			return Outcome{}, err
		}
		resp, err := im.client.Action(ctx, "resource_create", fields, normalize.Upload(job.row))
		if err != nil {
			return Outcome{}, retryable(err)
		}
		return Outcome{Kind: kind, Actions: []string{"resource_create"}, ID: resultID(resp)}, nil

	default:
		return im.createDataset(ctx, job, logf)
	}
}

func (im *Importer) createDataset(ctx context.Context, job rowJob, logf func(string, ...any)) (Outcome, error) {
	ds, err := im.normalizer.Dataset(ctx, job.row)
	if err != nil {
		return Outcome{}, err
	}
	out := Outcome{Kind: KindDatasetCreate}

	if !ds.OrgMapped {
		logf("row=%d organization %q not found, using 'other' instead", job.line, ds.Owner)
	} else if im.opts.VerifyOrganizations {
		out.Actions = append(out.Actions, "organization_show")
		exists, err := im.client.OrganizationExists(ctx, ds.Org)
		if err != nil {
			return Outcome{}, retryable(fmt.Errorf("verify organization %q: %w", ds.Org, err))
		}
		if !exists {
			logf("row=%d organization %q not found, using 'other' instead", job.line, ds.Org)
			ds.SetOrganization(normalize.FallbackOrganization)
		}
	}
	logf("row=%d owner org reformatted to %s from %s", job.line, ds.Org, ds.Owner)

	if _, err := im.client.Action(ctx, "package_create", ds.Fields, nil); err != nil {
		return Outcome{}, retryable(err)
	}
	out.Actions = append(out.Actions, "package_create")
	out.ID = ds.Name()

	// The dataset exists from here on, so a retry of the row would conflict.
	res, ok, err := normalize.FollowUpResource(job.row, ds)
	if err != nil {
		return Outcome{}, fmt.Errorf("follow-up resource: %w", err)
	}
	if !ok {
		return out, nil
	}
	if _, err := im.client.Action(ctx, "resource_create", res, normalize.Upload(job.row)); err != nil {
		return Outcome{}, noRetry(fmt.Errorf("follow-up resource_create for %q: %w", out.ID, err))
	}
	out.Actions = append(out.Actions, "resource_create")
	return out, nil
}

// retryable marks throttling and gateway failures as transient so the worker
// may retry them when retries are enabled.
func retryable(err error) error {
	var he *ckan.HTTPError
	if !errors.As(err, &he) {
		return err
	}
	switch he.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return &core.TransientError{Err: err}
	default:
		return err
	}
}

// noRetry caps retries at zero even for errors the worker would otherwise
// treat as transient (timeouts).
func noRetry(err error) error {
	return &core.LimitedTransientError{Err: err, ExtraRetries: 0}
}

func resultID(resp *ckan.Response) string {
	if resp == nil || len(resp.Result) == 0 {
		return ""
	}
	var r struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(resp.Result, &r); err != nil {
		return ""
	}
	if r.ID != "" {
		return r.ID
	}
	return r.Name
}
