package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// providersDocument is the layout of a providers file.
type providersDocument struct {
	Providers []ProviderSpec `yaml:"providers"`
}

// LoadProvidersFile reads provider specs from a YAML file. Unknown keys
// are rejected so that typos do not silently drop settings, and the
// document must satisfy the embedded providers schema.
func LoadProvidersFile(path string) ([]ProviderSpec, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open providers file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return decodeProviders(f, path)
}

func decodeProviders(r io.Reader, name string) ([]ProviderSpec, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read providers file %s: %w", name, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var doc providersDocument
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse providers file %s: %w", name, err)
	}
	seen := make(map[string]bool, len(doc.Providers))
	for _, p := range doc.Providers {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("%s: provider %q configured twice", name, p.ID)
		}
		seen[p.ID] = true
	}
	if err := validateProvidersYAML(data); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return doc.Providers, nil
}

// reloadDebounce absorbs the burst of events editors emit on save.
const reloadDebounce = 250 * time.Millisecond

// WatchProvidersFile calls onChange with the parsed specs each time path
// changes, until ctx is done. The parent directory is watched so atomic
// rename-over saves are seen. Parse failures are logged and the previous
// configuration stays in force.
func WatchProvidersFile(ctx context.Context, path string, logger *zap.Logger, onChange func([]ProviderSpec)) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	go func() {
		defer func() { _ = w.Close() }()
		var timer *time.Timer
		var fire <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.NewTimer(reloadDebounce)
				} else {
					timer.Reset(reloadDebounce)
				}
				fire = timer.C
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("Providers file watch error", zap.Error(err))
			case <-fire:
				fire = nil
				specs, err := LoadProvidersFile(abs)
				if err != nil {
					logger.Error("Providers file reload failed", zap.String("path", abs), zap.Error(err))
					continue
				}
				logger.Info("Providers file reloaded", zap.String("path", abs), zap.Int("providers", len(specs)))
				onChange(specs)
			}
		}
	}()
	return nil
}
