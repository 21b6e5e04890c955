// Package directory provides org-chart and role-membership adapters used by
// the approver resolver.
package directory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/pitabwire/approvals/internal/observability"
)

// Data is the static directory document.
type Data struct {
	Employees   map[string]Employee   `yaml:"employees"`
	Departments map[string]Department `yaml:"departments"`
	Roles       map[string][]string   `yaml:"roles"`
}

// Employee is one person in the static directory. Active defaults to true.
type Employee struct {
	Manager    string `yaml:"manager"`
	Department string `yaml:"department"`
	Active     *bool  `yaml:"active"`
}

// IsActive reports whether the employee is active.
func (e Employee) IsActive() bool {
	return e.Active == nil || *e.Active
}

// Department names its head.
type Department struct {
	Head string `yaml:"head"`
}

// Static answers directory and role questions from an in-memory document,
// optionally loaded from and kept in sync with a YAML file. It implements
// model.Directory and model.RoleService.
type Static struct {
	path    string
	data    atomic.Pointer[Data]
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewStatic wraps an in-memory document.
func NewStatic(data Data) *Static {
	s := &Static{logger: zap.NewNop()}
	s.data.Store(&data)
	return s
}

// LoadStatic reads the directory document at path.
func LoadStatic(path string, logger *zap.Logger, metrics *observability.Metrics) (*Static, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Static{path: path, logger: logger, metrics: metrics}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the backing file. The previous document stays in effect
// if the file cannot be read or parsed.
func (s *Static) Reload() error {
	if s.path == "" {
		return fmt.Errorf("directory: no backing file")
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("directory: reading %s: %w", s.path, err)
	}
	var data Data
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("directory: parsing %s: %w", s.path, err)
	}
	s.data.Store(&data)
	return nil
}

// Replace swaps the in-memory document.
func (s *Static) Replace(data Data) {
	s.data.Store(&data)
}

// GetManager returns the employee's manager, or "" when there is none.
func (s *Static) GetManager(_ context.Context, employeeID string) (string, error) {
	emp, ok := s.data.Load().Employees[employeeID]
	if !ok {
		return "", nil
	}
	return s.activeOrEmpty(emp.Manager), nil
}

// GetDepartmentHead returns the head of the employee's department, or "".
func (s *Static) GetDepartmentHead(_ context.Context, employeeID string) (string, error) {
	d := s.data.Load()
	emp, ok := d.Employees[employeeID]
	if !ok || emp.Department == "" {
		return "", nil
	}
	return s.activeOrEmpty(d.Departments[emp.Department].Head), nil
}

// MembersOf returns the active members of a role in sorted order.
func (s *Static) MembersOf(_ context.Context, roleID string) ([]string, error) {
	var out []string
	for _, id := range s.data.Load().Roles[roleID] {
		if s.activeOrEmpty(id) != "" {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

// activeOrEmpty filters out employees marked inactive. People missing from
// the employees map are treated as active.
func (s *Static) activeOrEmpty(id string) string {
	if id == "" {
		return ""
	}
	if emp, ok := s.data.Load().Employees[id]; ok && !emp.IsActive() {
		return ""
	}
	return id
}

// HealthCheck always succeeds once a document is loaded.
func (s *Static) HealthCheck(context.Context) error {
	if s.data.Load() == nil {
		return fmt.Errorf("directory: not loaded")
	}
	return nil
}

// Watch reloads the document whenever the backing file is written or
// recreated, until ctx is cancelled. The parent directory is watched so
// editors that replace the file by rename are picked up.
func (s *Static) Watch(ctx context.Context) error {
	if s.path == "" {
		return fmt.Errorf("directory: no backing file to watch")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("directory: create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(s.path)); err != nil {
		w.Close()
		return fmt.Errorf("directory: watch %s: %w", filepath.Dir(s.path), err)
	}

	target := filepath.Clean(s.path)
	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
					continue
				}
				if err := s.Reload(); err != nil {
					s.logger.Warn("directory reload failed", zap.String("path", s.path), zap.Error(err))
					s.metrics.RecordDirectoryReload("failure")
					continue
				}
				s.logger.Info("directory reloaded", zap.String("path", s.path))
				s.metrics.RecordDirectoryReload("success")
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Warn("directory watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
