package applyfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

type Settings struct {
	Parsing   ParsingSettings `json:"parsing"`
	Dashboard map[string]any  `json:"dashboard"`
	API       APISettings     `json:"api"`
}

type ParsingSettings struct {
	RejectionKeywords   []string `json:"rejectionKeywords"`
	InterviewKeywords   []string `json:"interviewKeywords"`
	OfferKeywords       []string `json:"offerKeywords"`
	NotSelectedKeywords []string `json:"notSelectedKeywords"`
	NoResponseKeywords  []string `json:"noResponseKeywords"`
	InProgressKeywords  []string `json:"inProgressKeywords"`
	NoResponseDays      int      `json:"noResponseDays"`
	EnableCustom        bool     `json:"enableCustom"`
	CustomKeywords      []string `json:"customKeywords"`
}

type APISettings struct {
	GeminiKey string `json:"geminiKey"`
}

const defaultRefreshInterval = 5 * time.Minute

func DefaultSettings() Settings {
	return Settings{
		Parsing: ParsingSettings{
			RejectionKeywords:   []string{"unfortunately", "not selected", "regret to inform", "not moving forward", "not a fit"},
			InterviewKeywords:   []string{"interview", "calendar invite", "schedule a call", "technical discussion", "screening"},
			OfferKeywords:       []string{"offer", "position", "congrats", "welcome aboard", "joining", "compensation"},
			NotSelectedKeywords: []string{"not selected", "other candidates", "better fit", "not proceeding"},
			NoResponseKeywords:  []string{"following up", "checking in", "haven't heard back"},
			InProgressKeywords:  []string{"application received", "under review", "processing", "screening"},
			NoResponseDays:      7,
			CustomKeywords:      []string{},
		},
		Dashboard: map[string]any{
			"refreshInterval": float64(defaultRefreshInterval / time.Minute),
		},
		API: APISettings{},
	}
}

// RefreshInterval is the dashboard poll period; the setting is in minutes.
func (s Settings) RefreshInterval() time.Duration {
	if raw, ok := s.Dashboard["refreshInterval"].(float64); ok && raw > 0 {
		return time.Duration(raw * float64(time.Minute))
	}
	return defaultRefreshInterval
}

// ClassificationConfig is the slice of settings the classifier reads.
type ClassificationConfig struct {
	RejectionKeywords []string
	InterviewKeywords []string
	OfferKeywords     []string
	AIKey             string
}

func (s Settings) ClassificationConfig() ClassificationConfig {
	return ClassificationConfig{
		RejectionKeywords: append([]string(nil), s.Parsing.RejectionKeywords...),
		InterviewKeywords: append([]string(nil), s.Parsing.InterviewKeywords...),
		OfferKeywords:     append([]string(nil), s.Parsing.OfferKeywords...),
		AIKey:             strings.TrimSpace(s.API.GeminiKey),
	}
}

// MergeSettings overlays a posted settings document on the defaults. Top
// level sections are replaced whole; the api section is merged key by key.
func MergeSettings(posted []byte) (Settings, error) {
	var patch map[string]json.RawMessage
	if err := json.Unmarshal(posted, &patch); err != nil {
		return Settings{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	out := DefaultSettings()
	if raw, ok := patch["parsing"]; ok {
		var parsing ParsingSettings
		if err := json.Unmarshal(raw, &parsing); err != nil {
			return Settings{}, fmt.Errorf("%w: parsing: %v", ErrInvalidInput, err)
		}
		out.Parsing = parsing
	}
	if raw, ok := patch["dashboard"]; ok {
		var dashboard map[string]any
		if err := json.Unmarshal(raw, &dashboard); err != nil {
			return Settings{}, fmt.Errorf("%w: dashboard: %v", ErrInvalidInput, err)
		}
		out.Dashboard = dashboard
	}
	if raw, ok := patch["api"]; ok {
		if err := json.Unmarshal(raw, &out.API); err != nil {
			return Settings{}, fmt.Errorf("%w: api: %v", ErrInvalidInput, err)
		}
	}
	return out, nil
}

// SettingsStore serves the current settings document, backed by a JSON file
// when a path is configured.
type SettingsStore struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	current Settings
}

func NewSettingsStore(path string, logger *slog.Logger) *SettingsStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SettingsStore{
		path:    strings.TrimSpace(path),
		logger:  logger,
		current: DefaultSettings(),
	}
	if err := s.Reload(); err != nil {
		logger.Warn("settings file unreadable, using defaults", slog.String("path", s.path), slog.Any("error", err))
	}
	return s
}

func (s *SettingsStore) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *SettingsStore) ClassificationConfig() ClassificationConfig {
	return s.Settings().ClassificationConfig()
}

// Reload re-reads the settings file. A missing file resets to defaults.
func (s *SettingsStore) Reload() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.set(DefaultSettings())
			return nil
		}
		return err
	}
	settings, err := MergeSettings(data)
	if err != nil {
		return err
	}
	s.set(settings)
	return nil
}

// Update merges a posted document over the defaults and persists it.
func (s *SettingsStore) Update(posted []byte) (Settings, error) {
	settings, err := MergeSettings(posted)
	if err != nil {
		return Settings{}, err
	}
	if s.path != "" {
		data, err := json.MarshalIndent(settings, "", "  ")
		if err != nil {
			return Settings{}, err
		}
		if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
			return Settings{}, err
		}
		if err := writeFileAtomic(s.path, data, 0o600); err != nil {
			return Settings{}, err
		}
	}
	s.set(settings)
	return settings, nil
}

// Watch reloads the settings whenever the file changes on disk, until ctx is
// done. The parent directory is watched so editors that replace the file by
// rename are still picked up.
func (s *SettingsStore) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			if err := s.Reload(); err != nil {
				s.logger.Warn("settings reload failed", slog.String("path", s.path), slog.Any("error", err))
				continue
			}
			s.logger.Info("settings reloaded", slog.String("path", s.path))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("settings watcher error", slog.Any("error", err))
		}
	}
}

func (s *SettingsStore) set(settings Settings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = settings
}
