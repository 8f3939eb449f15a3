package importer_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pose-ckan/catalog-import/internal/importer"
	"github.com/pose-ckan/catalog-import/internal/normalize"
	"github.com/pose-ckan/catalog-import/pkg/ckan"
	"github.com/pose-ckan/catalog-import/pkg/mockckan"
)

type harness struct {
	mock *mockckan.Server
	imp  *importer.Importer
	logs *bytes.Buffer
}

func newHarness(t *testing.T, opts importer.Options) harness {
	t.Helper()
	mock := mockckan.New(t.TempDir())
	mock.RequireAPIKey("test-key")
	srv := httptest.NewServer(mock.Handler())
	t.Cleanup(srv.Close)

	var logs bytes.Buffer
	logger := log.New(&logs, "", 0)
	client, err := ckan.NewClient(srv.URL, "test-key", "",
		ckan.WithHTTPClient(srv.Client()),
		ckan.WithStructuredFields(normalize.StructuredFields...),
		ckan.WithLogger(logger),
	)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if opts.RowDelay == 0 {
		opts.RowDelay = -1
	}
	opts.Logger = logger
	return harness{
		mock: mock,
		imp:  importer.New(client, nil, opts),
		logs: &logs,
	}
}

func actions(calls []mockckan.Call) []string {
	out := make([]string, 0, len(calls))
	for _, c := range calls {
		out = append(out, c.Action)
	}
	return out
}

func TestClassify(t *testing.T) {
	cases := []struct {
		row  normalize.Row
		want importer.Kind
	}{
		{row: normalize.Row{"resource_id": "r1", "package_id": "p1"}, want: importer.KindResourceUpdate},
		{row: normalize.Row{"resource_id": "", "package_id": "p1"}, want: importer.KindResourceCreate},
		{row: normalize.Row{"title": "Foo"}, want: importer.KindDatasetCreate},
		{row: normalize.Row{"resource_id": "", "package_id": ""}, want: importer.KindDatasetCreate},
	}
	for _, tc := range cases {
		if got := importer.Classify(tc.row); got != tc.want {
			t.Fatalf("Classify(%v)=%s want %s", tc.row, got, tc.want)
		}
	}
}

func TestRun_DispatchesEachKindAndContinuesAfterFailure(t *testing.T) {
	h := newHarness(t, importer.Options{})
	h.mock.CreatePackage("existing")
	h.mock.CreateResource("res-old", "existing")

	rows := []normalize.Row{
		{
			"title":                "ckanext-foo",
			"description":          "",
			"detailed_description": "Great tool. Does X.",
			"owner_org":            "ckan",
			"contributors":         "Alice, Bob,,Carol",
			"tags":                 "a, b",
			"resource_name":        "README",
			"file_type":            "md",
		},
		{"package_id": "missing", "resource_name": "data", "description": "d", "file_type": "CSV"},
		{"package_id": "existing", "resource_name": "data", "description": "d", "file_type": "CSV", "url": "https://example.org/d.csv"},
		{"resource_id": "res-old", "package_id": "existing", "resource_name": "renamed", "description": "d2", "file_type": "JSON"},
	}

	sum, err := h.imp.Run(context.Background(), rows)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Processed != 4 || sum.OK != 3 || sum.Failed != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if len(sum.Failures) != 1 || sum.Failures[0].Line != 2 || sum.Failures[0].Kind != importer.KindResourceCreate {
		t.Fatalf("unexpected failures: %+v", sum.Failures)
	}
	var he *ckan.HTTPError
	if !errors.As(sum.Failures[0].Err, &he) || he.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 HTTPError, got %v", sum.Failures[0].Err)
	}
	if c := sum.ByKind[importer.KindDatasetCreate]; c.OK != 1 {
		t.Fatalf("unexpected dataset counts: %+v", c)
	}

	got := strings.Join(actions(h.mock.Calls()), ",")
	want := "package_create,resource_create,resource_create,resource_create,resource_patch"
	if got != want {
		t.Fatalf("actions=%s want %s", got, want)
	}

	pkg, ok := h.mock.Package("ckanext-foo")
	if !ok {
		t.Fatalf("package not created")
	}
	if pkg["notes"] != "Great tool." || pkg["owner_org"] != "ckan" || pkg["type"] != "extension" {
		t.Fatalf("unexpected package: %#v", pkg)
	}
	contributors, ok := pkg["contributors"].([]any)
	if !ok || len(contributors) != 3 || contributors[2] != "Carol" {
		t.Fatalf("contributors should be sent as a list: %#v", pkg["contributors"])
	}
	tags, ok := pkg["tags"].([]any)
	if !ok || len(tags) != 2 {
		t.Fatalf("tags should be sent as a list: %#v", pkg["tags"])
	}
	for k, v := range pkg {
		if v == "" {
			t.Fatalf("package carries empty value for %q", k)
		}
	}

	res, ok := h.mock.Resource("res-old")
	if !ok || res["name"] != "renamed" || res["format"] != "JSON" {
		t.Fatalf("resource not patched: %#v", res)
	}

	logs := h.logs.String()
	if !strings.Contains(logs, "row=2 kind=resource_create error=") {
		t.Fatalf("expected failure log line, got:\n%s", logs)
	}
	if !strings.Contains(logs, "owner org reformatted to ckan from ckan") {
		t.Fatalf("expected org log line, got:\n%s", logs)
	}
	if !strings.Contains(logs, "action=package_create status=200") {
		t.Fatalf("expected response echo, got:\n%s", logs)
	}
}

func TestRun_FollowUpResourceUsesDatasetName(t *testing.T) {
	h := newHarness(t, importer.Options{})
	rows := []normalize.Row{{"title": "foo", "owner_org": "okfn", "resource_name": "docs"}}
	if _, err := h.imp.Run(context.Background(), rows); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	calls := h.mock.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 calls, got %v", actions(calls))
	}
	if calls[1].Body["package_id"] != "foo" || calls[1].Body["name"] != "docs" {
		t.Fatalf("unexpected follow-up body: %#v", calls[1].Body)
	}
}

func TestRun_UnmappedOrganizationFallsBackToOther(t *testing.T) {
	h := newHarness(t, importer.Options{})
	rows := []normalize.Row{{"title": "foo", "owner_org": "unknown-org"}}
	if _, err := h.imp.Run(context.Background(), rows); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pkg, ok := h.mock.Package("foo")
	if !ok || pkg["owner_org"] != "other" {
		t.Fatalf("unexpected package: %#v", pkg)
	}
	if !strings.Contains(h.logs.String(), `organization "unknown-org" not found, using 'other' instead`) {
		t.Fatalf("expected fallback notice, got:\n%s", h.logs.String())
	}
}

func TestRun_VerifyOrganizations(t *testing.T) {
	h := newHarness(t, importer.Options{VerifyOrganizations: true})
	h.mock.CreateOrganization("other")
	h.mock.CreateOrganization("okfn")

	rows := []normalize.Row{
		{"title": "one", "owner_org": "ckan"},
		{"title": "two", "owner_org": "okfn"},
	}
	sum, err := h.imp.Run(context.Background(), rows)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.OK != 2 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if pkg, _ := h.mock.Package("one"); pkg["owner_org"] != "other" {
		t.Fatalf("missing organization should fall back: %#v", pkg)
	}
	if pkg, _ := h.mock.Package("two"); pkg["owner_org"] != "okfn" {
		t.Fatalf("existing organization should be kept: %#v", pkg)
	}
	got := strings.Join(actions(h.mock.Calls()), ",")
	if got != "organization_show,package_create,organization_show,package_create" {
		t.Fatalf("unexpected actions: %s", got)
	}
}

func TestRun_FailedRowIsLoggedRedacted(t *testing.T) {
	h := newHarness(t, importer.Options{})
	rows := []normalize.Row{
		{"title": "x", "ckan_version": "[broken", "notes": "api_key=supersecret"},
	}
	sum, err := h.imp.Run(context.Background(), rows)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Failed != 1 {
		t.Fatalf("expected one failure, got %+v", sum)
	}
	if len(h.mock.Calls()) != 0 {
		t.Fatalf("a row that fails to normalize must not be submitted")
	}
	logs := h.logs.String()
	if !strings.Contains(logs, "row=1 failed row:") || !strings.Contains(logs, "ckan_version") {
		t.Fatalf("expected the raw row in the log, got:\n%s", logs)
	}
	if strings.Contains(logs, "supersecret") {
		t.Fatalf("secret leaked into logs:\n%s", logs)
	}
}

func TestRun_UploadPathSendsMultipart(t *testing.T) {
	h := newHarness(t, importer.Options{})
	h.mock.CreatePackage("existing")

	path := filepath.Join(t.TempDir(), "data.csv")
	if err := os.WriteFile(path, []byte("a,b\n1,2\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	rows := []normalize.Row{{
		"package_id":    "existing",
		"resource_name": "data",
		"description":   "d",
		"file_type":     "CSV",
		"upload_path":   path,
	}}
	if _, err := h.imp.Run(context.Background(), rows); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	calls := h.mock.Calls()
	if len(calls) != 1 || calls[0].Upload == nil {
		t.Fatalf("expected a multipart upload, got %#v", calls)
	}
	if calls[0].Upload.Filename != "data.csv" || string(calls[0].Upload.Bytes) != "a,b\n1,2\n" {
		t.Fatalf("unexpected upload: %+v", calls[0].Upload)
	}
	if !strings.HasPrefix(calls[0].ContentType, "multipart/form-data") {
		t.Fatalf("unexpected content type %q", calls[0].ContentType)
	}
}

func TestRun_RetriesTransientFailuresWhenEnabled(t *testing.T) {
	h := newHarness(t, importer.Options{MaxRetries: 1})
	h.mock.FailAction("package_create", http.StatusServiceUnavailable, "", "try later")

	sum, err := h.imp.Run(context.Background(), []normalize.Row{{"title": "foo"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.Failed != 1 {
		t.Fatalf("expected failure, got %+v", sum)
	}
	if n := len(h.mock.Calls()); n != 2 {
		t.Fatalf("expected one retry (2 calls), got %d", n)
	}
}

func TestRun_NoRetryByDefault(t *testing.T) {
	h := newHarness(t, importer.Options{})
	h.mock.FailAction("package_create", http.StatusServiceUnavailable, "", "try later")

	if _, err := h.imp.Run(context.Background(), []normalize.Row{{"title": "foo"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := len(h.mock.Calls()); n != 1 {
		t.Fatalf("expected a single attempt, got %d", n)
	}
}

func TestRun_PausesBeforeEveryRow(t *testing.T) {
	h := newHarness(t, importer.Options{RowDelay: 40 * time.Millisecond})
	rows := []normalize.Row{{"title": "a"}, {"title": "b"}}

	start := time.Now()
	if _, err := h.imp.Run(context.Background(), rows); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 75*time.Millisecond {
		t.Fatalf("expected a pause before each of 2 rows, elapsed %s", elapsed)
	}
}

func TestRun_PauseIsNotShortenedBySlowCalls(t *testing.T) {
	const (
		delay   = 40 * time.Millisecond
		latency = 100 * time.Millisecond
	)
	handler := mockckan.New(t.TempDir()).Handler()
	var mu sync.Mutex
	var arrived, answered []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		arrived = append(arrived, time.Now())
		mu.Unlock()
		time.Sleep(latency)
		handler.ServeHTTP(w, r)
		mu.Lock()
		answered = append(answered, time.Now())
		mu.Unlock()
	}))
	t.Cleanup(srv.Close)

	client, err := ckan.NewClient(srv.URL, "test-key", "", ckan.WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	imp := importer.New(client, nil, importer.Options{
		RowDelay: delay,
		Logger:   log.New(io.Discard, "", 0),
	})
	rows := []normalize.Row{{"title": "a"}, {"title": "b"}, {"title": "c"}}
	if _, err := imp.Run(context.Background(), rows); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(arrived) != 3 {
		t.Fatalf("expected 3 requests, got %d", len(arrived))
	}
	slack := 5 * time.Millisecond
	for i := 1; i < len(arrived); i++ {
		if gap := arrived[i].Sub(answered[i-1]); gap < delay-slack {
			t.Fatalf("row %d was sent %s after the previous response, want >= %s", i+1, gap, delay)
		}
	}
}

func TestRun_CancelledDuringPauseSubmitsNothing(t *testing.T) {
	h := newHarness(t, importer.Options{RowDelay: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	sum, err := h.imp.Run(ctx, []normalize.Row{{"title": "a"}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if sum.Processed != 0 || len(h.mock.Calls()) != 0 {
		t.Fatalf("nothing should be submitted: %+v calls=%d", sum, len(h.mock.Calls()))
	}
}

func TestRunFile(t *testing.T) {
	h := newHarness(t, importer.Options{})
	path := filepath.Join(t.TempDir(), "metadata.csv")
	csv := "title,owner_org,description,detailed_description,contributors\n" +
		"Foo,DataShades,,\"Great tool. Does X.\",\"Alice, Bob\"\n"
	if err := os.WriteFile(path, []byte(csv), 0o644); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	sum, err := h.imp.RunFile(context.Background(), path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sum.OK != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	pkg, ok := h.mock.Package("Foo")
	if !ok || pkg["owner_org"] != "link-digital" || pkg["notes"] != "Great tool." {
		t.Fatalf("unexpected package: %#v", pkg)
	}

	if _, err := h.imp.RunFile(context.Background(), filepath.Join(t.TempDir(), "missing.csv")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
