// Package registry implements Kiln's named, lifecycle-managed adapter
// collection, generalized from the teacher's Dispatcher handler map
// (register/unregister under a lock, snapshot-then-iterate for reads).
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kilnfleet/kiln/internal/eventbus"
	"github.com/kilnfleet/kiln/internal/kerrors"
	"github.com/kilnfleet/kiln/internal/printer"
	"github.com/kilnfleet/kiln/internal/storage"
)

// entry pairs a live adapter with its durable record.
type entry struct {
	adapter printer.Adapter
	record  *storage.Printer
}

// Registry is the thread-safe printer catalogue.
type Registry struct {
	mu         sync.RWMutex
	printers   map[string]*entry
	defaultName string
	repo       storage.PrinterRepository
	bus        *eventbus.Bus
}

// New builds a Registry backed by repo, publishing lifecycle events on
// bus (bus may be nil in tests that don't care about notification).
func New(repo storage.PrinterRepository, bus *eventbus.Bus) *Registry {
	return &Registry{printers: make(map[string]*entry), repo: repo, bus: bus}
}

// Register adds or replaces a named adapter, persists its durable
// record, and emits printer.online.
func (r *Registry) Register(ctx context.Context, name string, adapter printer.Adapter, record *storage.Printer) error {
	if err := r.repo.UpsertPrinter(ctx, record); err != nil {
		return err
	}

	r.mu.Lock()
	r.printers[name] = &entry{adapter: adapter, record: record}
	if r.defaultName == "" {
		r.defaultName = name
	}
	r.mu.Unlock()

	r.publish(ctx, eventbus.EventPrinterOnline, name, nil)
	return nil
}

// Unregister removes a printer by name and emits printer.offline.
func (r *Registry) Unregister(ctx context.Context, name string) error {
	r.mu.Lock()
	_, existed := r.printers[name]
	delete(r.printers, name)
	if r.defaultName == name {
		r.defaultName = r.firstNameLocked()
	}
	r.mu.Unlock()

	if !existed {
		return kerrors.New(kerrors.KindNotFound, "printer not registered").WithDetail("printer", name)
	}
	if err := r.repo.DeletePrinter(ctx, name); err != nil {
		return err
	}
	r.publish(ctx, eventbus.EventPrinterOffline, name, nil)
	return nil
}

func (r *Registry) firstNameLocked() string {
	var names []string
	for n := range r.printers {
		names = append(names, n)
	}
	sort.Strings(names)
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (printer.Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.printers[name]
	if !ok {
		return nil, kerrors.New(kerrors.KindNotFound, "printer not registered").WithDetail("printer", name)
	}
	return e.adapter, nil
}

// GetDefault returns the adapter registered as default, supporting
// sugared CLI commands that omit an explicit printer name.
func (r *Registry) GetDefault() (printer.Adapter, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.defaultName == "" {
		return nil, "", kerrors.New(kerrors.KindNotFound, "no default printer registered")
	}
	e := r.printers[r.defaultName]
	return e.adapter, r.defaultName, nil
}

// SetDefault designates name as the default printer.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.printers[name]; !ok {
		return kerrors.New(kerrors.KindNotFound, "printer not registered").WithDetail("printer", name)
	}
	r.defaultName = name
	return nil
}

// List returns the durable records of every registered printer, sorted
// by name for deterministic output.
func (r *Registry) List() []*storage.Printer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*storage.Printer, 0, len(r.printers))
	for _, e := range r.printers {
		out = append(out, e.record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns every registered printer's name, unsorted, for
// consumers (like the safety coordinator) that only need membership.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.printers))
	for n := range r.printers {
		out = append(out, n)
	}
	return out
}

func (r *Registry) publish(ctx context.Context, t eventbus.EventType, name string, data map[string]any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(ctx, &eventbus.Event{
		Type:      t,
		PrinterID: name,
		Data:      data,
		Timestamp: time.Now(),
	})
}
