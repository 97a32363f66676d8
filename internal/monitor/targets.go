package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-remediator/internal/models"
)

// TargetSpec is one entry of the targets file.
type TargetSpec struct {
	ProjectID           string  `yaml:"projectId"`
	ServiceID           string  `yaml:"serviceId"`
	EnvironmentID       string  `yaml:"environmentId"`
	Name                string  `yaml:"name"`
	AutoRemediate       *bool   `yaml:"autoRemediate"`
	ConfidenceThreshold float64 `yaml:"confidenceThreshold"`
	DefaultMemoryMB     int     `yaml:"defaultMemoryMB"`
	DefaultReplicas     int     `yaml:"defaultReplicas"`
	LogFilter           string  `yaml:"logFilter"`
}

// Target returns the monitored target.
func (s TargetSpec) Target() models.Target {
	return models.Target{
		ProjectID:     s.ProjectID,
		ServiceID:     s.ServiceID,
		EnvironmentID: s.EnvironmentID,
		Name:          s.Name,
	}
}

// Config returns the service configuration to persist. autoRemediate applies
// when the entry leaves the field out.
func (s TargetSpec) Config(autoRemediate bool) models.ServiceConfig {
	if s.AutoRemediate != nil {
		autoRemediate = *s.AutoRemediate
	}
	return models.ServiceConfig{
		ServiceID:           s.ServiceID,
		ProjectID:           s.ProjectID,
		EnvironmentID:       s.EnvironmentID,
		Name:                s.Name,
		AutoRemediate:       autoRemediate,
		ConfidenceThreshold: s.ConfidenceThreshold,
		DefaultMemoryMB:     s.DefaultMemoryMB,
		DefaultReplicas:     s.DefaultReplicas,
		LogFilter:           s.LogFilter,
	}
}

type targetsFile struct {
	Targets []TargetSpec `yaml:"targets"`
}

// LoadTargets reads a YAML targets file.
func LoadTargets(path string) ([]TargetSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read targets file: %w", err)
	}
	var file targetsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse targets file: %w", err)
	}
	return file.Targets, nil
}

const reloadDebounce = 250 * time.Millisecond

// WatchTargets reconciles the fleet whenever path changes, until ctx is
// cancelled. The parent directory is watched so editors that replace the
// file are still seen.
func (m *Manager) WatchTargets(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create targets watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve targets path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	debounce := time.NewTimer(reloadDebounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce.Reset(reloadDebounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("targets watcher error", slog.Any("error", err))
		case <-debounce.C:
			targets, err := LoadTargets(abs)
			if err != nil {
				m.logger.Warn("targets reload failed, keeping current fleet", slog.Any("error", err))
				continue
			}
			m.logger.Info("targets file changed, reconciling", slog.Int("targets", len(targets)))
			m.Reconcile(ctx, targets)
		}
	}
}
