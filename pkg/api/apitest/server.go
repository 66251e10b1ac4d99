// Package apitest provides an in-process fake of the control plane and its
// presigned storage endpoint for tests.
package apitest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-chi/chi/v5"
)

const (
	storageBucket = "glc-builds"
	presignExpiry = 15 * time.Minute
	gib           = int64(1) << 30
)

// User is an account the fake accepts an API key for.
type User struct {
	ID       string
	Username string
	Email    string
	Token    string
	Roles    []string
	PlanName string
}

// Plan bounds what the quota check allows.
type Plan struct {
	Name                  string
	MaxCompressedSizeGB   int
	MaxUncompressedSizeGB int
}

// Status is one entry of the scripted status sequence.
type Status struct {
	Status        string
	StageProgress int
	ErrorMessage  string
}

// Server is a fake control plane plus storage endpoint.
type Server struct {
	// URL is the control-plane base URL.
	URL string
	// StorageURL is the base URL of the presigned storage endpoint.
	StorageURL string

	control *httptest.Server
	storage *httptest.Server
	presign *s3.PresignClient

	mu              sync.Mutex
	pascalCase      bool
	users           map[string]User
	apps            []map[string]any
	plan            Plan
	statuses        []Status
	statusFailures  int
	storageStatus   int
	holdUploads     chan struct{}
	overrides       map[string]http.HandlerFunc
	nextBuildID     int64
	builds          map[int64]map[string]any
	calls           map[string]int
	uploaded        map[string][]byte
	uploadStarted   chan struct{}
	cancelledBuilds []int64
}

// New starts a fake with a default user ("glc_valid" → "tok123"), one app
// and a 5/10 GB plan. Both listeners are closed on test cleanup.
func New(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		users: map[string]User{
			"glc_valid": {
				ID:       "u-1",
				Username: "alice",
				Email:    "a@b.com",
				Token:    "tok123",
				Roles:    []string{"User"},
				PlanName: "Free",
			},
		},
		apps: []map[string]any{
			{"id": 7, "name": "Space Game", "description": "A game in space", "buildCount": 3, "isOwnedByUser": true},
		},
		plan:          Plan{Name: "Free", MaxCompressedSizeGB: 5, MaxUncompressedSizeGB: 10},
		statuses:      []Status{{Status: "Completed", StageProgress: 100}},
		storageStatus: http.StatusOK,
		overrides:     make(map[string]http.HandlerFunc, 4),
		nextBuildID:   100,
		builds:        make(map[int64]map[string]any, 4),
		calls:         make(map[string]int, 8),
		uploaded:      make(map[string][]byte, 2),
		uploadStarted: make(chan struct{}, 1),
	}

	s.storage = httptest.NewServer(s.storageRouter())
	s.control = httptest.NewServer(s.controlRouter())
	s.URL = s.control.URL
	s.StorageURL = s.storage.URL

	s3Client := s3.New(s3.Options{
		Region:       "us-east-1",
		BaseEndpoint: aws.String(s.storage.URL),
		UsePathStyle: true,
		Credentials:  credentials.NewStaticCredentialsProvider("test", "test", ""),
	})
	s.presign = s3.NewPresignClient(s3Client)

	t.Cleanup(func() {
		s.ReleaseUploads()
		s.control.Close()
		s.storage.Close()
	})

	return s
}

// UsePascalCase switches every response field to UpperCamel keys.
func (s *Server) UsePascalCase(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pascalCase = on
}

// AddUser registers an API key.
func (s *Server) AddUser(apiKey string, u User) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.users[apiKey] = u
}

// SetPlan replaces the plan limits.
func (s *Server) SetPlan(p Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.plan = p
}

// SetStatuses scripts the status returned by successive polls. The last
// entry repeats once the script is exhausted.
func (s *Server) SetStatuses(statuses ...Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.statuses = statuses
}

// FailStatusPolls makes the next n status polls answer 503.
func (s *Server) FailStatusPolls(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.statusFailures = n
}

// SetStorageStatus sets the HTTP status the storage endpoint answers PUTs with.
func (s *Server) SetStorageStatus(code int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.storageStatus = code
}

// HoldUploads makes the storage endpoint read the body and then wait for
// ReleaseUploads or client disconnect before answering.
func (s *Server) HoldUploads() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.holdUploads = make(chan struct{})
}

// ReleaseUploads lets held uploads answer.
func (s *Server) ReleaseUploads() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.holdUploads != nil {
		close(s.holdUploads)
		s.holdUploads = nil
	}
}

// UploadStarted is signalled when the storage endpoint has read a full body.
func (s *Server) UploadStarted() <-chan struct{} {
	return s.uploadStarted
}

// Override replaces the handler for "METHOD /path" on the control plane.
// The path is the chi route pattern, e.g. "POST /api/cli/build/file-ready".
func (s *Server) Override(route string, h http.HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.overrides[route] = h
}

// Calls returns how many times the route was hit.
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.calls[route]
}

// Uploaded returns the bytes stored under key.
func (s *Server) Uploaded(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.uploaded[key]

	return b, ok
}

// CancelledBuilds returns the build ids cancellation was requested for.
func (s *Server) CancelledBuilds() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]int64(nil), s.cancelledBuilds...)
}

// PresignPut returns a presigned PUT URL for key on the fake storage.
func (s *Server) PresignPut(ctx context.Context, key string) (string, error) {
	req, err := s.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(storageBucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(presignExpiry))
	if err != nil {
		return "", fmt.Errorf("presigning put: %w", err)
	}

	return req.URL, nil
}

// Route names for Calls and Override.
const (
	RouteLogin       = "POST /api/cli/build/login-interactive"
	RouteListApps    = "GET /api/cli/build/list-apps"
	RouteCanUpload   = "GET /api/cli/build/can-upload"
	RouteStartUpload = "POST /api/cli/build/start-upload"
	RouteFileReady   = "POST /api/cli/build/file-ready"
	RouteStatus      = "GET /api/cli/build/status/{id}"
	RouteCancelBuild = "POST /api/AppBuild/cancelByBuildId/{id}"
	RouteStoragePut  = "PUT /{bucket}/*"
)

func (s *Server) controlRouter() http.Handler {
	r := chi.NewRouter()

	r.Method(http.MethodPost, "/api/cli/build/login-interactive", s.route(RouteLogin, false, s.handleLogin))

	r.Group(func(r chi.Router) {
		r.Method(http.MethodGet, "/api/cli/build/list-apps", s.route(RouteListApps, true, s.handleListApps))
		r.Method(http.MethodGet, "/api/cli/build/can-upload", s.route(RouteCanUpload, true, s.handleCanUpload))
		r.Method(http.MethodPost, "/api/cli/build/start-upload", s.route(RouteStartUpload, true, s.handleStartUpload))
		r.Method(http.MethodPost, "/api/cli/build/file-ready", s.route(RouteFileReady, true, s.handleFileReady))
		r.Method(http.MethodGet, "/api/cli/build/status/{id}", s.route(RouteStatus, true, s.handleStatus))
		r.Method(http.MethodPost, "/api/AppBuild/cancelByBuildId/{id}", s.route(RouteCancelBuild, true, s.handleCancelBuild))
	})

	return r
}

func (s *Server) storageRouter() http.Handler {
	r := chi.NewRouter()
	r.Put("/{bucket}/*", s.handleStoragePut)

	return r
}

// route counts the call, applies an override, and checks the bearer token.
func (s *Server) route(name string, auth bool, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls[name]++
		override := s.overrides[name]
		s.mu.Unlock()

		if override != nil {
			override(w, r)

			return
		}

		if auth && !s.authorized(r) {
			s.writeFailure(w, http.StatusUnauthorized, "Unauthorized")

			return
		}

		h(w, r)
	})
}

func (s *Server) authorized(r *http.Request) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.Token == token {
			return true
		}
	}

	return false
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeFailure(w, http.StatusBadRequest, "Invalid request body")

		return
	}

	s.mu.Lock()
	u, ok := s.users[body["apiKey"]]
	s.mu.Unlock()

	if !ok {
		s.writeFailure(w, http.StatusUnauthorized, "Invalid API key")

		return
	}

	s.writeResult(w, map[string]any{
		"id":       u.ID,
		"username": u.Username,
		"email":    u.Email,
		"token":    u.Token,
		"roles":    u.Roles,
		"subscription": map[string]any{
			"plan": map[string]any{"name": u.PlanName},
		},
	})
}

func (s *Server) handleListApps(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	apps := make([]any, 0, len(s.apps))
	for _, a := range s.apps {
		apps = append(apps, a)
	}
	s.mu.Unlock()

	s.writeResult(w, map[string]any{"apps": apps})
}

func (s *Server) handleCanUpload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fileSize, _ := strconv.ParseInt(q.Get("fileSizeBytes"), 10, 64)
	uncompressed, _ := strconv.ParseInt(q.Get("uncompressedSizeBytes"), 10, 64)

	s.mu.Lock()
	plan := s.plan
	s.mu.Unlock()

	canUpload := fileSize <= int64(plan.MaxCompressedSizeGB)*gib &&
		uncompressed <= int64(plan.MaxUncompressedSizeGB)*gib

	s.writeResult(w, map[string]any{
		"canUpload":             canUpload,
		"fileSizeBytes":         fileSize,
		"uncompressedSizeBytes": uncompressed,
		"planName":              plan.Name,
		"maxCompressedSizeGB":   plan.MaxCompressedSizeGB,
		"maxUncompressedSizeGB": plan.MaxUncompressedSizeGB,
	})
}

func (s *Server) handleStartUpload(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AppID                int64  `json:"appId"`
		FileName             string `json:"fileName"`
		FileSize             int64  `json:"fileSize"`
		UncompressedFileSize int64  `json:"uncompressedFileSize"`
		BuildNotes           string `json:"buildNotes"`
	}

	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeFailure(w, http.StatusBadRequest, "Invalid request body")

		return
	}

	s.mu.Lock()
	s.nextBuildID++
	id := s.nextBuildID
	s.builds[id] = map[string]any{
		"appId":      body.AppID,
		"fileName":   body.FileName,
		"buildNotes": body.BuildNotes,
		"fileSize":   body.UncompressedFileSize,
	}
	s.mu.Unlock()

	key := fmt.Sprintf("apps/%d/builds/%d/%s", body.AppID, id, body.FileName)

	uploadURL, err := s.PresignPut(r.Context(), key)
	if err != nil {
		s.writeFailure(w, http.StatusInternalServerError, err.Error())

		return
	}

	s.writeResult(w, map[string]any{
		"appBuildId": id,
		"uploadUrl":  uploadURL,
		"key":        key,
		"finalUrl":   s.storage.URL + "/" + storageBucket + "/" + key,
	})
}

func (s *Server) handleFileReady(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AppBuildID int64  `json:"appBuildId"`
		Key        string `json:"key"`
	}

	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeFailure(w, http.StatusBadRequest, "Invalid request body")

		return
	}

	if _, ok := s.Uploaded(body.Key); !ok {
		s.writeFailure(w, http.StatusConflict, "File not found in storage")

		return
	}

	s.writeResult(w, map[string]any{"appBuildId": body.AppBuildID})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeFailure(w, http.StatusBadRequest, "Invalid build id")

		return
	}

	s.mu.Lock()

	if s.statusFailures > 0 {
		s.statusFailures--
		s.mu.Unlock()

		s.writeFailure(w, http.StatusServiceUnavailable, "Service unavailable")

		return
	}

	var st Status
	if len(s.statuses) > 0 {
		st = s.statuses[0]
		if len(s.statuses) > 1 {
			s.statuses = s.statuses[1:]
		}
	}

	build := s.builds[id]
	s.mu.Unlock()

	result := map[string]any{
		"appBuildId":         id,
		"status":             st.Status,
		"errorMessage":       st.ErrorMessage,
		"stageProgress":      st.StageProgress,
		"compressedFileSize": 0,
	}

	for k, v := range build {
		result[k] = v
	}

	s.writeResult(w, result)
}

func (s *Server) handleCancelBuild(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeFailure(w, http.StatusBadRequest, "Invalid build id")

		return
	}

	// Subsequent polls observe the cancellation.
	s.mu.Lock()
	s.cancelledBuilds = append(s.cancelledBuilds, id)
	s.statuses = []Status{{Status: "Cancelled"}}
	s.mu.Unlock()

	s.writeResult(w, map[string]any{"appBuildId": id})
}

func (s *Server) handleStoragePut(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.calls[RouteStoragePut]++
	status := s.storageStatus
	hold := s.holdUploads
	s.mu.Unlock()

	if r.URL.Query().Get("X-Amz-Signature") == "" {
		http.Error(w, "missing signature", http.StatusForbidden)

		return
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		return
	}

	select {
	case s.uploadStarted <- struct{}{}:
	default:
	}

	if hold != nil {
		select {
		case <-hold:
		case <-r.Context().Done():
			return
		}
	}

	if status != http.StatusOK {
		http.Error(w, "rejected", status)

		return
	}

	key := strings.TrimPrefix(chi.URLParam(r, "*"), "/")

	s.mu.Lock()
	s.uploaded[key] = data
	s.mu.Unlock()

	w.WriteHeader(http.StatusOK)
}

// WriteEnvelope writes a raw envelope; tests use it from Override handlers.
func WriteEnvelope(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeResult(w http.ResponseWriter, result map[string]any) {
	s.writeEnvelope(w, http.StatusOK, map[string]any{
		"isSuccess":     true,
		"result":        result,
		"errorMessages": []string{},
	})
}

func (s *Server) writeFailure(w http.ResponseWriter, status int, msg string) {
	s.writeEnvelope(w, status, map[string]any{
		"isSuccess":     false,
		"result":        nil,
		"errorMessages": []string{msg},
	})
}

func (s *Server) writeEnvelope(w http.ResponseWriter, status int, body map[string]any) {
	s.mu.Lock()
	pascal := s.pascalCase
	s.mu.Unlock()

	var v any = body
	if pascal {
		v = pascalKeys(body)
	}

	WriteEnvelope(w, status, v)
}

func pascalKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			r, size := utf8.DecodeRuneInString(k)
			out[string(unicode.ToUpper(r))+k[size:]] = pascalKeys(val)
		}

		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = pascalKeys(val)
		}

		return out
	default:
		return v
	}
}
