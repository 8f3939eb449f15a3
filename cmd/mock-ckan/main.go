package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/pose-ckan/catalog-import/pkg/mockckan"
)

func main() {
	addr := defaultString("MOCK_CKAN_ADDR", ":5000")
	uploadDir := defaultString("MOCK_CKAN_UPLOAD_DIR", "/data/uploads")
	apiKey := defaultString("MOCK_CKAN_API_KEY", "")
	orgs := defaultString("MOCK_CKAN_ORGANIZATIONS", "")
	packages := defaultString("MOCK_CKAN_PACKAGES", "")

	fs := flag.NewFlagSet("mock-ckan", flag.ExitOnError)
	fs.StringVar(&addr, "addr", addr, "Listen address")
	fs.StringVar(&uploadDir, "upload-dir", uploadDir, "Directory to persist uploaded resource files")
	fs.StringVar(&apiKey, "api-key", apiKey, "Required Authorization header value; empty disables the check (env: MOCK_CKAN_API_KEY)")
	fs.StringVar(&orgs, "organizations", orgs, "Comma-separated organization slugs known to organization_show (env: MOCK_CKAN_ORGANIZATIONS)")
	fs.StringVar(&packages, "packages", packages, "Comma-separated package names to seed (env: MOCK_CKAN_PACKAGES)")
	_ = fs.Parse(os.Args[1:])

	srv := mockckan.New(uploadDir)
	srv.RequireAPIKey(apiKey)
	for _, slug := range splitCSV(orgs) {
		srv.CreateOrganization(slug)
	}
	for _, name := range splitCSV(packages) {
		srv.CreatePackage(name)
	}

	_, _ = fmt.Fprintf(os.Stdout, "mock-ckan listening on %s (upload=%s)\n", addr, uploadDir)
	if err := http.ListenAndServe(addr, srv.Handler()); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		v := strings.TrimSpace(p)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

func defaultString(envVar string, fallback string) string {
	v := strings.TrimSpace(os.Getenv(envVar))
	if v == "" {
		return fallback
	}
	return v
}
