package normalize

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pose-ckan/catalog-import/pkg/ckan"
)

// DetailsMode selects how contributor_details is sent to the catalog.
type DetailsMode string

const (
	// DetailsRaw sends the column text unchanged.
	DetailsRaw DetailsMode = "raw"
	// DetailsMarkdown sends the FormatContributors rendering.
	DetailsMarkdown DetailsMode = "markdown"
	// DetailsTable sends the ContributorTable rendering.
	DetailsTable DetailsMode = "table"
)

// ParseDetailsMode accepts raw, markdown or table (case-insensitive). Empty means raw.
func ParseDetailsMode(s string) (DetailsMode, error) {
	switch m := DetailsMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return DetailsRaw, nil
	case DetailsRaw, DetailsMarkdown, DetailsTable:
		return m, nil
	default:
		return "", fmt.Errorf("unknown contributor details mode %q (want raw, markdown or table)", s)
	}
}

// StructuredFields are the dataset fields the catalog accepts as JSON lists
// or objects. Every other field is sent as text.
var StructuredFields = []string{"tags", "extras", "contributors", "ckan_version"}

const (
	defaultDatasetType = "extension"
	defaultGroup       = "test"
)

// ErrNoDatasetName is returned when a follow-up resource is requested for a
// dataset payload that carries no name.
var ErrNoDatasetName = errors.New("dataset payload has no name")

// Options configures a Normalizer. The zero value reproduces the import
// script's behavior.
type Options struct {
	// Summarizer, if set, is consulted for short descriptions whose detailed
	// description has no sentence terminator.
	Summarizer  Summarizer
	DetailsMode DetailsMode
	// DatasetType and Group default to "extension" and "test".
	DatasetType string
	Group       string
}

// Normalizer turns raw rows into catalog payloads.
type Normalizer struct {
	opts Options
}

// New returns a Normalizer with defaults applied to opts.
func New(opts Options) *Normalizer {
	if opts.DetailsMode == "" {
		opts.DetailsMode = DetailsRaw
	}
	if opts.DatasetType == "" {
		opts.DatasetType = defaultDatasetType
	}
	if opts.Group == "" {
		opts.Group = defaultGroup
	}
	return &Normalizer{opts: opts}
}

// Dataset is a normalized package_create payload plus what the caller needs
// to log about it.
type Dataset struct {
	Fields ckan.Fields
	// Owner is the raw owner_org column; Org is the slug it mapped to.
	Owner     string
	Org       string
	OrgMapped bool
}

// Name is the dataset slug, or "" when the row had no title.
func (d Dataset) Name() string {
	s, _ := d.Fields.Scalar("name")
	return s
}

// SetOrganization replaces the owning organization slug.
func (d *Dataset) SetOrganization(slug string) {
	d.Org = slug
	d.Fields.SetScalar("owner_org", slug)
}

// DatasetPayload normalizes row with default options.
func DatasetPayload(row Row) (ckan.Fields, error) {
	d, err := New(Options{}).Dataset(context.Background(), row)
	if err != nil {
		return nil, err
	}
	return d.Fields, nil
}

// Dataset builds the package_create payload for row. Keys whose value is the
// empty string are omitted.
func (n *Normalizer) Dataset(ctx context.Context, row Row) (Dataset, error) {
	version, err := CKANVersion(row.Get("ckan_version"))
	if err != nil {
		return Dataset{}, err
	}
	details, err := n.contributorDetails(row.Get("contributor_details"))
	if err != nil {
		return Dataset{}, err
	}

	owner := row.Get("owner_org")
	org, mapped := MapOrganization(owner)

	f := ckan.Fields{}
	f.SetScalar("name", row.Get("title"))
	f.SetScalar("title", row.Get("title"))
	f.SetScalar("notes", describe(ctx, row, n.opts.Summarizer))
	f.SetScalar("detailed_info", row.Get("detailed_description"))
	f.SetScalar("owner_org", org)
	f.SetScalar("license", row.Get("license"))
	f.SetStructured("tags", TagObjects(ParseTags(row.Get("tags"))))
	f.SetScalar("url", row.Get("github_url"))
	f.SetScalar("contact_name", row.Get("maintainers_list"))
	f.SetScalar("contact_email", MaintainerEmails(row.Get("maintainers")))
	f.SetScalar("extension_type", row.Get("extension_type"))
	f.SetScalar("is_archived", row.Get("is_archived"))
	f.SetScalar("archive_reason", row.Get("archive_reason"))
	f.SetScalar("organization_url", row.Get("organization_url"))
	f.SetScalar("language_stats", row.Get("language_stats"))
	f.SetScalar("repository_size", row.Get("repository_size"))
	f.SetScalar("forks_count", row.Get("forks_count"))
	f.SetScalar("total_releases", row.Get("total_releases"))
	f.SetScalar("latest_release", row.Get("latest_release_version"))
	f.SetScalar("release_date", row.Get("latest_release_date"))
	f["ckan_version"] = version
	f.SetScalar("stars", row.Get("stars"))
	f.SetScalar("last_update", row.Get("last_update"))
	f.SetScalar("open_issues", row.Get("open_issues"))
	f.SetScalar("contributors_count", row.Get("contributors_count"))
	f.SetStructured("contributors", ParseContributors(row.Get("contributors")))
	f.SetScalar("contributor_details", details)
	if extras := Extras(row); extras != nil {
		f.SetStructured("extras", extras)
	}
	f.SetScalar("type", n.opts.DatasetType)
	f.SetScalar("group", n.opts.Group)

	return Dataset{
		Fields:    f.Compact(),
		Owner:     owner,
		Org:       org,
		OrgMapped: mapped,
	}, nil
}

func (n *Normalizer) contributorDetails(raw string) (string, error) {
	if raw == "" {
		return "", nil
	}
	switch n.opts.DetailsMode {
	case DetailsMarkdown:
		return FormatContributors(raw), nil
	case DetailsTable:
		s, err := ContributorTable(raw)
		if err != nil {
			return "", fmt.Errorf("contributor_details: %w", err)
		}
		return s, nil
	default:
		return raw, nil
	}
}

// ResourcePatch builds the resource_patch payload for a row carrying
// resource_id. Every column except url must be present.
func ResourcePatch(row Row) (ckan.Fields, error) {
	vals, err := row.Require("resource_id", "package_id", "resource_name", "description", "file_type")
	if err != nil {
		return nil, fmt.Errorf("resource update: %w", err)
	}
	return ckan.Fields{
		"id":          ckan.ScalarField(vals[0]),
		"package_id":  ckan.ScalarField(vals[1]),
		"name":        ckan.ScalarField(vals[2]),
		"description": ckan.ScalarField(vals[3]),
		"format":      ckan.ScalarField(vals[4]),
		"url":         ckan.ScalarField(row.Get("url")),
	}, nil
}

// ResourceCreate builds the resource_create payload for a row carrying
// package_id. Every column except url must be present.
func ResourceCreate(row Row) (ckan.Fields, error) {
	vals, err := row.Require("package_id", "resource_name", "description", "file_type")
	if err != nil {
		return nil, fmt.Errorf("resource create: %w", err)
	}
	return ckan.Fields{
		"package_id":  ckan.ScalarField(vals[0]),
		"name":        ckan.ScalarField(vals[1]),
		"description": ckan.ScalarField(vals[2]),
		"format":      ckan.ScalarField(vals[3]),
		"url":         ckan.ScalarField(row.Get("url")),
	}, nil
}

// FollowUpResource builds the resource attached to a freshly created dataset.
// It returns ok=false when the row names no resource.
func FollowUpResource(row Row, ds Dataset) (ckan.Fields, bool, error) {
	if !row.Has("resource_name") {
		return nil, false, nil
	}
	name := ds.Name()
	if name == "" {
		return nil, true, ErrNoDatasetName
	}
	return ckan.Fields{
		"package_id":  ckan.ScalarField(name),
		"name":        ckan.ScalarField(row.Get("resource_name")),
		"description": ckan.ScalarField(row.Get("description")),
		"format":      ckan.ScalarField(row.Get("file_type")),
		"url":         ckan.ScalarField(row.Get("url")),
	}, true, nil
}

// Upload returns the file to attach to a resource call, or nil when the row
// has no upload_path.
func Upload(row Row) *ckan.File {
	p := strings.TrimSpace(row.Get("upload_path"))
	if p == "" {
		return nil
	}
	return &ckan.File{Name: row.Get("upload_name"), Path: p}
}
