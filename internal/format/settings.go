// Package format holds the message-render settings used when posting to a
// channel. Settings live in an optional JSON file that is schema-validated
// and hot-reloaded, so formatting can be tuned without a restart.
package format

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/sirupsen/logrus"
)

type Settings struct {
	EmbedColor      int    `json:"embedColor"`
	TimestampLayout string `json:"timestampLayout"`
	MaxImages       int    `json:"maxImages"`
	Footer          string `json:"footer"`
}

func DefaultSettings() Settings {
	return Settings{
		EmbedColor:      0x1877F2,
		TimestampLayout: "2. 1. 15:04",
		MaxImages:       4,
		Footer:          "",
	}
}

const settingsSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"additionalProperties": false,
	"properties": {
		"embedColor": {"type": "integer", "minimum": 0, "maximum": 16777215},
		"timestampLayout": {"type": "string", "minLength": 1},
		"maxImages": {"type": "integer", "minimum": 0, "maximum": 10},
		"footer": {"type": "string"}
	}
}`

// Source serves the current settings and keeps them fresh while Watch runs.
// An invalid update is logged and the previous settings stay in effect.
type Source struct {
	mu      sync.RWMutex
	path    string
	current Settings
	schema  *jsonschema.Schema
	logger  *logrus.Logger
}

func NewSource(path string, logger *logrus.Logger) (*Source, error) {
	if logger == nil {
		logger = logrus.New()
	}
	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}
	s := &Source{
		path:    strings.TrimSpace(path),
		current: DefaultSettings(),
		schema:  schema,
		logger:  logger,
	}
	if s.path != "" {
		settings, err := s.load()
		if err != nil {
			return nil, err
		}
		s.current = settings
	}
	return s, nil
}

func compileSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(settingsSchema))
	if err != nil {
		return nil, fmt.Errorf("format: parse settings schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("settings.schema.json", doc); err != nil {
		return nil, fmt.Errorf("format: register settings schema: %w", err)
	}
	schema, err := compiler.Compile("settings.schema.json")
	if err != nil {
		return nil, fmt.Errorf("format: compile settings schema: %w", err)
	}
	return schema, nil
}

func (s *Source) Current() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *Source) load() (Settings, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return Settings{}, fmt.Errorf("format: read %s: %w", s.path, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Settings{}, fmt.Errorf("format: parse %s: %w", s.path, err)
	}
	if err := s.schema.Validate(doc); err != nil {
		return Settings{}, fmt.Errorf("format: validate %s: %w", s.path, err)
	}
	settings := DefaultSettings()
	if err := json.Unmarshal(raw, &settings); err != nil {
		return Settings{}, fmt.Errorf("format: decode %s: %w", s.path, err)
	}
	return settings, nil
}

// Reload re-reads the settings file, keeping the previous settings when the
// new content does not validate.
func (s *Source) Reload() error {
	if s.path == "" {
		return nil
	}
	settings, err := s.load()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.current = settings
	s.mu.Unlock()
	return nil
}

// Watch blocks until ctx is done, reloading the settings file whenever it
// is rewritten. Editors often replace the file, so the watch is on the
// parent directory.
func (s *Source) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("format: start watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("format: watch %s: %w", dir, err)
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
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if err := s.Reload(); err != nil {
				s.logger.WithError(err).Warn("format settings update rejected, keeping previous settings")
				continue
			}
			s.logger.WithField("path", s.path).Info("format settings reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.WithError(err).Warn("format settings watcher error")
		}
	}
}
