package mockckan

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Call records a request made to the mock service.
type Call struct {
	Action        string
	ContentType   string
	Authorization string
	// Body is the decoded JSON object, or the form values of a multipart request.
	Body map[string]any
	// Upload is set for multipart requests carrying an "upload" part.
	Upload *Upload
}

// Upload records a file sent with a multipart action call.
type Upload struct {
	Filename    string
	ContentType string
	Bytes       []byte
}

// Server implements a minimal CKAN action API surface:
// package_create, package_show, resource_create, resource_patch and organization_show.
type Server struct {
	uploadDir string

	mu    sync.Mutex
	calls []Call

	expectedAuthorization string

	organizations map[string]struct{}
	packages      map[string]map[string]any
	resources     map[string]map[string]any
	nextResource  int

	failures map[string]failure
}

type failure struct {
	status    int
	errorType string
	message   string
}

// New constructs a new mock server. Uploaded files are persisted under uploadDir
// when it is non-empty.
func New(uploadDir string) *Server {
	return &Server{
		uploadDir:     uploadDir,
		organizations: make(map[string]struct{}),
		packages:      make(map[string]map[string]any),
		resources:     make(map[string]map[string]any),
		nextResource:  1,
		failures:      make(map[string]failure),
	}
}

// RequireAPIKey enforces that requests carry Authorization equal to key.
// If key is empty, authorization is not enforced.
func (s *Server) RequireAPIKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expectedAuthorization = strings.TrimSpace(key)
}

// CreateOrganization registers an organization slug for organization_show.
func (s *Server) CreateOrganization(slug string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.organizations[strings.TrimSpace(slug)] = struct{}{}
}

// CreatePackage seeds an existing package so resource calls can reference it.
func (s *Server) CreatePackage(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packages[name] = map[string]any{"name": name, "id": name}
}

// CreateResource seeds an existing resource so resource_patch can update it.
func (s *Server) CreateResource(id, packageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources[id] = map[string]any{"id": id, "package_id": packageID}
}

// FailAction makes every call to action answer with status and a CKAN error envelope.
func (s *Server) FailAction(action string, status int, errorType, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[action] = failure{status: status, errorType: errorType, message: message}
}

// Handler returns an http.Handler that serves the mock API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/action/", s.handleAction)
	return mux
}

// Calls returns a snapshot of calls made to the server.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// Package returns the stored package by name.
func (s *Server) Package(name string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.packages[name]
	return p, ok
}

// Resource returns the stored resource by id.
func (s *Server) Resource(id string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[id]
	return r, ok
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	action := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/action/"), "/")
	if action == "" || strings.Contains(action, "/") {
		writeError(w, http.StatusNotFound, "Not Found Error", "unknown action")
		return
	}

	call, err := decodeCall(r, action)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Validation Error", err.Error())
		return
	}
	s.recordCall(call)

	if !s.authorize(r) {
		writeError(w, http.StatusForbidden, "Authorization Error", "Access denied")
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Validation Error", "POST required")
		return
	}

	s.mu.Lock()
	f, failing := s.failures[action]
	s.mu.Unlock()
	if failing {
		writeError(w, f.status, f.errorType, f.message)
		return
	}

	if call.Upload != nil {
		if err := s.persistUpload(call.Upload); err != nil {
			writeError(w, http.StatusInternalServerError, "Internal Error", err.Error())
			return
		}
	}

	switch action {
	case "package_create":
		s.packageCreate(w, call.Body)
	case "package_show":
		s.packageShow(w, call.Body)
	case "resource_create":
		s.resourceCreate(w, call)
	case "resource_patch":
		s.resourcePatch(w, call.Body)
	case "organization_show":
		s.organizationShow(w, call.Body)
	default:
		writeError(w, http.StatusBadRequest, "Bad request", fmt.Sprintf("Action name not known: %s", action))
	}
}

func (s *Server) recordCall(c Call) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, c)
}

func (s *Server) authorize(r *http.Request) bool {
	s.mu.Lock()
	expected := s.expectedAuthorization
	s.mu.Unlock()

	if expected == "" {
		return true
	}
	return r.Header.Get("Authorization") == expected
}

func decodeCall(r *http.Request, action string) (Call, error) {
	call := Call{
		Action:        action,
		ContentType:   r.Header.Get("Content-Type"),
		Authorization: r.Header.Get("Authorization"),
		Body:          map[string]any{},
	}
	mediaType, _, _ := mime.ParseMediaType(call.ContentType)
	switch mediaType {
	case "multipart/form-data":
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			return call, fmt.Errorf("parse multipart: %w", err)
		}
		for k, vals := range r.MultipartForm.Value {
			if len(vals) > 0 {
				call.Body[k] = vals[0]
			}
		}
		if fhs := r.MultipartForm.File["upload"]; len(fhs) > 0 {
			fh := fhs[0]
			f, err := fh.Open()
			if err != nil {
				return call, err
			}
			b, err := io.ReadAll(f)
			_ = f.Close()
			if err != nil {
				return call, err
			}
			call.Upload = &Upload{
				Filename:    fh.Filename,
				ContentType: fh.Header.Get("Content-Type"),
				Bytes:       b,
			}
		}
	default:
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return call, err
		}
		if len(strings.TrimSpace(string(b))) == 0 {
			return call, nil
		}
		if err := json.Unmarshal(b, &call.Body); err != nil {
			return call, fmt.Errorf("parse json body: %w", err)
		}
	}
	return call, nil
}

func (s *Server) packageCreate(w http.ResponseWriter, body map[string]any) {
	name, _ := body["name"].(string)
	if strings.TrimSpace(name) == "" {
		writeValidation(w, "name", "Missing value")
		return
	}
	s.mu.Lock()
	if _, exists := s.packages[name]; exists {
		s.mu.Unlock()
		writeValidation(w, "name", "That URL is already in use.")
		return
	}
	if org, ok := body["owner_org"].(string); ok && len(s.organizations) > 0 {
		if _, known := s.organizations[org]; !known {
			s.mu.Unlock()
			writeValidation(w, "owner_org", "Organization does not exist")
			return
		}
	}
	pkg := make(map[string]any, len(body)+1)
	for k, v := range body {
		pkg[k] = v
	}
	pkg["id"] = name
	s.packages[name] = pkg
	s.mu.Unlock()
	writeResult(w, pkg)
}

func (s *Server) packageShow(w http.ResponseWriter, body map[string]any) {
	id, _ := body["id"].(string)
	pkg, ok := s.Package(id)
	if !ok {
		writeError(w, http.StatusNotFound, "Not Found Error", "Not found")
		return
	}
	writeResult(w, pkg)
}

func (s *Server) resourceCreate(w http.ResponseWriter, call Call) {
	pkgID, _ := call.Body["package_id"].(string)
	s.mu.Lock()
	if _, ok := s.packages[pkgID]; !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "Not Found Error", "Package was not found.")
		return
	}
	id := fmt.Sprintf("res-%d", s.nextResource)
	s.nextResource++
	res := make(map[string]any, len(call.Body)+1)
	for k, v := range call.Body {
		res[k] = v
	}
	res["id"] = id
	if call.Upload != nil {
		res["url"] = call.Upload.Filename
		res["url_type"] = "upload"
	}
	s.resources[id] = res
	s.mu.Unlock()
	writeResult(w, res)
}

func (s *Server) resourcePatch(w http.ResponseWriter, body map[string]any) {
	id, _ := body["id"].(string)
	s.mu.Lock()
	res, ok := s.resources[id]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusNotFound, "Not Found Error", "Resource was not found.")
		return
	}
	for k, v := range body {
		res[k] = v
	}
	s.mu.Unlock()
	writeResult(w, res)
}

func (s *Server) organizationShow(w http.ResponseWriter, body map[string]any) {
	id, _ := body["id"].(string)
	s.mu.Lock()
	_, ok := s.organizations[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "Not Found Error", "Not found")
		return
	}
	writeResult(w, map[string]any{"name": id, "id": id})
}

func (s *Server) persistUpload(u *Upload) error {
	if s.uploadDir == "" {
		return nil
	}
	name := filepath.Base(u.Filename)
	if name == "." || name == "/" || name == "" {
		return fmt.Errorf("invalid upload filename %q", u.Filename)
	}
	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.uploadDir, name), u.Bytes, 0o644)
}

func writeResult(w http.ResponseWriter, result any) {
	writeJSON(w, http.StatusOK, map[string]any{
		"help":    "mock",
		"success": true,
		"result":  result,
	})
}

func writeValidation(w http.ResponseWriter, field, message string) {
	writeJSON(w, http.StatusConflict, map[string]any{
		"help":    "mock",
		"success": false,
		"error": map[string]any{
			"__type": "Validation Error",
			field:    []string{message},
		},
	})
}

func writeError(w http.ResponseWriter, status int, errorType, message string) {
	writeJSON(w, status, map[string]any{
		"help":    "mock",
		"success": false,
		"error": map[string]any{
			"__type":  errorType,
			"message": message,
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
