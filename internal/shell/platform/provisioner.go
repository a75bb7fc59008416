package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/artpar/stackpipe/internal/core/graph"
	"github.com/artpar/stackpipe/internal/core/resource"
	"github.com/artpar/stackpipe/internal/core/stack"
	"github.com/artpar/stackpipe/internal/shell/store"
)

// handleIDKey stores Handle.ID alongside the outputs of a resource record.
const handleIDKey = "id"

// Report summarizes one provisioning pass.
type Report struct {
	Created   []string `json:"created"`
	Updated   []string `json:"updated"`
	Unchanged []string `json:"unchanged"`

	// Removed lists recorded resources that left the stack and were
	// destroyed, dependents first.
	Removed []string `json:"removed,omitempty"`

	// Orphaned lists resources that left the stack but have no recorded
	// descriptor to destroy them with. They stay in place.
	Orphaned []string `json:"orphaned,omitempty"`
}

// Provisioner materializes a stack's descriptors in dependency order and
// records every handle so later passes and pipeline runs can find them.
type Provisioner struct {
	platform *Platform
	store    store.Store
	stack    string
	logger   *slog.Logger
}

// NewProvisioner creates a provisioner for one named stack.
func NewProvisioner(p *Platform, s store.Store, stackName string, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{
		platform: p,
		store:    s,
		stack:    stackName,
		logger:   logger.With("component", "provisioner", "stack", stackName, "platform", p.Name),
	}
}

// Provision plans the descriptors and materializes them in order. A planning
// error (cycle, unresolved reference, unsupported kind) is returned before
// anything is materialized. Descriptors whose stored config hash matches and
// whose dependencies did not change are skipped. Recorded resources that are
// no longer in descriptors are destroyed last, dependents first.
func (p *Provisioner) Provision(ctx context.Context, descriptors []resource.Descriptor) (*Report, error) {
	order, err := graph.Plan(descriptors)
	if err != nil {
		return nil, err
	}
	for _, d := range order {
		if _, err := p.platform.Materializer(d.Kind); err != nil {
			return nil, err
		}
	}

	report := &Report{}
	resolved := make(Resolved, len(order))
	changed := make(map[string]bool)

	for _, d := range order {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		cfg, err := d.Decode()
		if err != nil {
			return report, err
		}
		deps, err := d.Dependencies()
		if err != nil {
			return report, err
		}

		hash := d.Hash()
		existing, err := p.loadHandle(ctx, d.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return report, err
		}

		depChanged := false
		for _, dep := range deps {
			if changed[dep] {
				depChanged = true
				break
			}
		}

		if existing != nil && existing.record.ConfigHash == hash && existing.record.Kind == string(d.Kind) && !depChanged {
			resolved[d.ID] = existing.handle
			report.Unchanged = append(report.Unchanged, d.ID)
			p.logger.Debug("resource unchanged", "resource", d.ID, "kind", d.Kind)
			continue
		}

		req := Request{
			Stack:      p.stack,
			Descriptor: d,
			Config:     cfg,
			Deps:       resolved.subset(deps),
		}
		if existing != nil {
			h := existing.handle
			req.Existing = &h
		}

		m, _ := p.platform.Materializer(d.Kind)
		handle, err := m.Materialize(ctx, req)
		if err != nil {
			p.logger.Error("materialize failed", "resource", d.ID, "kind", d.Kind, "error", err)
			return report, fmt.Errorf("failed to materialize %s %s: %w", d.Kind, d.ID, err)
		}
		handle.Kind = d.Kind

		if err := p.saveHandle(ctx, d, hash, handle); err != nil {
			return report, err
		}

		resolved[d.ID] = handle
		changed[d.ID] = true
		if existing != nil {
			report.Updated = append(report.Updated, d.ID)
			p.logger.Info("resource updated", "resource", d.ID, "kind", d.Kind, "handle", handle.ID)
		} else {
			report.Created = append(report.Created, d.ID)
			p.logger.Info("resource created", "resource", d.ID, "kind", d.Kind, "handle", handle.ID)
		}
	}

	if err := p.removeOrphans(ctx, order, resolved, report); err != nil {
		return report, err
	}
	return report, nil
}

// removeOrphans destroys recorded resources missing from current. Orphans
// may depend on current resources and on each other, so they are ordered
// together with current and destroyed in reverse.
func (p *Provisioner) removeOrphans(ctx context.Context, current []resource.Descriptor, resolved Resolved, report *Report) error {
	records, err := p.store.ListResources(ctx, p.stack)
	if err != nil {
		return err
	}

	keep := make(map[string]bool, len(current))
	for _, d := range current {
		keep[d.ID] = true
	}
	all := append([]resource.Descriptor(nil), current...)
	handles := make(Resolved, len(records))
	for id, h := range resolved {
		handles[id] = h
	}
	orphans := make(map[string]bool)
	for i := range records {
		rec := &records[i]
		if keep[rec.ID] {
			continue
		}
		if rec.Descriptor == nil {
			p.logger.Warn("resource left the stack but has no recorded descriptor, leaving it in place", "resource", rec.ID, "kind", rec.Kind)
			report.Orphaned = append(report.Orphaned, rec.ID)
			continue
		}
		all = append(all, *rec.Descriptor)
		handles[rec.ID] = handleFromRecord(rec)
		orphans[rec.ID] = true
	}
	if len(orphans) == 0 {
		return nil
	}

	order, err := graph.Teardown(all)
	if err != nil {
		return fmt.Errorf("failed to order removed resources: %w", err)
	}
	for _, d := range order {
		if !orphans[d.ID] {
			continue
		}
		if err := p.destroy(ctx, d, handles); err != nil {
			return err
		}
		report.Removed = append(report.Removed, d.ID)
		p.logger.Info("resource removed from stack", "resource", d.ID, "kind", d.Kind)
	}
	return nil
}

// Teardown destroys materialized descriptors in reverse dependency order.
// Descriptors that were never materialized are skipped.
func (p *Provisioner) Teardown(ctx context.Context, descriptors []resource.Descriptor) ([]string, error) {
	order, err := graph.Teardown(descriptors)
	if err != nil {
		return nil, err
	}

	resolved := make(Resolved)
	for _, d := range descriptors {
		loaded, err := p.loadHandle(ctx, d.ID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		resolved[d.ID] = loaded.handle
	}

	var destroyed []string
	for _, d := range order {
		if _, ok := resolved[d.ID]; !ok {
			continue
		}
		if err := p.destroy(ctx, d, resolved); err != nil {
			return destroyed, err
		}
		destroyed = append(destroyed, d.ID)
		p.logger.Info("resource destroyed", "resource", d.ID, "kind", d.Kind)
	}

	return destroyed, nil
}

// destroy tears down one materialized descriptor and forgets its record.
func (p *Provisioner) destroy(ctx context.Context, d resource.Descriptor, resolved Resolved) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m, err := p.platform.Materializer(d.Kind)
	if err != nil {
		return err
	}
	cfg, err := d.Decode()
	if err != nil {
		return err
	}
	deps, err := d.Dependencies()
	if err != nil {
		return err
	}

	h := resolved[d.ID]
	req := Request{
		Stack:      p.stack,
		Descriptor: d,
		Config:     cfg,
		Deps:       resolved.subset(deps),
		Existing:   &h,
	}
	if err := m.Destroy(ctx, req); err != nil {
		p.logger.Error("destroy failed", "resource", d.ID, "kind", d.Kind, "error", err)
		return fmt.Errorf("failed to destroy %s %s: %w", d.Kind, d.ID, err)
	}
	if err := p.store.DeleteResource(ctx, p.stack, d.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	return nil
}

// Handle returns the recorded handle of a materialized descriptor.
func (p *Provisioner) Handle(ctx context.Context, id string) (Handle, error) {
	loaded, err := p.loadHandle(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return Handle{}, fmt.Errorf("%w: %s", ErrNotProvisioned, id)
	}
	if err != nil {
		return Handle{}, err
	}
	return loaded.handle, nil
}

// Outputs resolves stack outputs against the recorded handles.
func (p *Provisioner) Outputs(ctx context.Context, outputs []stack.Output) (map[string]string, error) {
	values := make(map[string]string, len(outputs))
	for _, o := range outputs {
		h, err := p.Handle(ctx, o.Resource)
		if err != nil {
			return nil, err
		}
		v, ok := h.Output(o.Key)
		if !ok {
			return nil, fmt.Errorf("%w: %s has no %q", ErrUnknownOutput, o.Resource, o.Key)
		}
		values[o.Name] = v
	}
	return values, nil
}

// =============================================================================
// Records
// =============================================================================

type loadedHandle struct {
	record *store.ResourceRecord
	handle Handle
}

func (p *Provisioner) loadHandle(ctx context.Context, id string) (*loadedHandle, error) {
	rec, err := p.store.GetResource(ctx, p.stack, id)
	if err != nil {
		return nil, err
	}
	return &loadedHandle{record: rec, handle: handleFromRecord(rec)}, nil
}

func handleFromRecord(rec *store.ResourceRecord) Handle {
	outputs := make(map[string]string, len(rec.Outputs))
	for k, v := range rec.Outputs {
		if k != handleIDKey {
			outputs[k] = v
		}
	}
	return Handle{
		ID:      rec.Outputs[handleIDKey],
		Kind:    resource.Kind(rec.Kind),
		Outputs: outputs,
	}
}

func (p *Provisioner) saveHandle(ctx context.Context, d resource.Descriptor, hash string, h Handle) error {
	outputs := make(map[string]string, len(h.Outputs)+1)
	for k, v := range h.Outputs {
		outputs[k] = v
	}
	outputs[handleIDKey] = h.ID

	return p.store.SaveResource(ctx, &store.ResourceRecord{
		Stack:      p.stack,
		ID:         d.ID,
		Kind:       string(d.Kind),
		ConfigHash: hash,
		Outputs:    outputs,
		Descriptor: &d,
	})
}

func (r Resolved) subset(ids []string) Resolved {
	out := make(Resolved, len(ids))
	for _, id := range ids {
		if h, ok := r[id]; ok {
			out[id] = h
		}
	}
	return out
}
