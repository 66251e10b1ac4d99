package settings

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"sync"

	"github.com/gamelaunchercloud/glc/pkg/fsutil"
	"github.com/mitchellh/mapstructure"
	"github.com/sirupsen/logrus"
	"github.com/zalando/go-keyring"
)

// Well-known keys of the settings document.
const (
	KeyAuthToken = "authToken"
	KeyUserEmail = "userEmail"
	KeyUserPlan  = "userPlan"
	KeyAPIURL    = "apiUrl"

	keyAPIKeyPrefix = "apiKey."
)

// DefaultFileName is the settings document name.
const DefaultFileName = "glc_config.json"

// DefaultKeyringService is the OS keyring service name for the auth token.
const DefaultKeyringService = "glc"

// APIKeyKey returns the key holding the API key for an environment.
func APIKeyKey(environment string) string {
	return keyAPIKeyPrefix + environment
}

// Profile is the typed view of the session keys.
type Profile struct {
	AuthToken string `mapstructure:"authToken"`
	UserEmail string `mapstructure:"userEmail"`
	UserPlan  string `mapstructure:"userPlan"`
	APIURL    string `mapstructure:"apiUrl"`
}

// Store is a persistent string key-value document.
type Store interface {
	Get(key string) (string, bool)
	Set(key, value string)
	Delete(key string)
	// Save writes the document atomically with owner-only permissions.
	Save() error
	Path() string
	// Profile decodes the session keys.
	Profile() (*Profile, error)
	// ClearSession removes the token, email and plan. It does not save.
	ClearSession()
}

// Options configures a Store.
type Options struct {
	// Path of the JSON document.
	Path string
	// UseKeyring keeps the auth token in the OS keyring instead of the file.
	UseKeyring bool
	// KeyringService defaults to DefaultKeyringService.
	KeyringService string
}

// Compile-time interface check.
var _ Store = (*fileStore)(nil)

type fileStore struct {
	log  logrus.FieldLogger
	opts Options

	mu     sync.RWMutex
	values map[string]string
}

// Open loads the document at opts.Path. A missing file is an empty store.
func Open(log logrus.FieldLogger, opts Options) (Store, error) {
	if opts.Path == "" {
		return nil, errors.New("settings path is required")
	}

	if opts.KeyringService == "" {
		opts.KeyringService = DefaultKeyringService
	}

	s := &fileStore{
		log:    log.WithField("component", "settings"),
		opts:   opts,
		values: make(map[string]string, 8),
	}

	if err := s.load(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *fileStore) load() error {
	data, err := os.ReadFile(s.opts.Path)
	if errors.Is(err, fs.ErrNotExist) {
		s.log.WithField("path", s.opts.Path).Debug("No settings file, starting empty")
	} else if err != nil {
		return fmt.Errorf("reading settings: %w", err)
	}

	if len(bytes.TrimSpace(data)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()

		var raw map[string]any
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("parsing settings %s: %w", s.opts.Path, err)
		}

		for k, v := range raw {
			if str, ok := stringify(v); ok {
				s.values[k] = str
			}
		}
	}

	if s.opts.UseKeyring {
		token, err := keyring.Get(s.opts.KeyringService, KeyAuthToken)

		switch {
		case err == nil:
			s.values[KeyAuthToken] = token
		case errors.Is(err, keyring.ErrNotFound):
		default:
			s.log.WithError(err).Warn("Could not read auth token from keyring")
		}
	}

	return nil
}

func stringify(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}

func (s *fileStore) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.values[key]

	return v, ok
}

func (s *fileStore) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = value
}

func (s *fileStore) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.values, key)
}

func (s *fileStore) Path() string {
	return s.opts.Path
}

func (s *fileStore) ClearSession() {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.values, KeyAuthToken)
	delete(s.values, KeyUserEmail)
	delete(s.values, KeyUserPlan)
}

func (s *fileStore) Profile() (*Profile, error) {
	s.mu.RLock()
	input := make(map[string]any, len(s.values))

	for k, v := range s.values {
		input[k] = v
	}
	s.mu.RUnlock()

	var p Profile
	if err := mapstructure.Decode(input, &p); err != nil {
		return nil, fmt.Errorf("decoding profile: %w", err)
	}

	return &p, nil
}

func (s *fileStore) Save() error {
	s.mu.RLock()
	out := make(map[string]string, len(s.values))

	for k, v := range s.values {
		out[k] = v
	}
	s.mu.RUnlock()

	if s.opts.UseKeyring {
		if err := s.saveToken(out); err != nil {
			return err
		}

		delete(out, KeyAuthToken)
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}

	if err := fsutil.WriteFileAtomic(s.opts.Path, append(data, '\n'), 0o600, 0o700); err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}

	s.log.WithField("path", s.opts.Path).Debug("Settings saved")

	return nil
}

func (s *fileStore) saveToken(values map[string]string) error {
	token, ok := values[KeyAuthToken]
	if ok && token != "" {
		if err := keyring.Set(s.opts.KeyringService, KeyAuthToken, token); err != nil {
			return fmt.Errorf("storing auth token in keyring: %w", err)
		}

		return nil
	}

	err := keyring.Delete(s.opts.KeyringService, KeyAuthToken)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("removing auth token from keyring: %w", err)
	}

	return nil
}
