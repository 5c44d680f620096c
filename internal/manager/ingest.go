package manager

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/engramdev/engram/internal/errs"
	"github.com/engramdev/engram/internal/model"
	"github.com/engramdev/engram/internal/pipeline"
)

// IngestOptions shape one Ingest call.
type IngestOptions struct {
	// AutoApprove commits decisions that would otherwise wait for
	// confirmation.
	AutoApprove bool
}

// IngestResult reports what one Ingest run did.
type IngestResult struct {
	Outcome      *pipeline.Outcome
	CommittedIDs []string
	// Pending holds decisions that require confirmation and were not
	// committed.
	Pending []model.Decision
	Skipped int
}

// Ingest runs the full pipeline over the messages and commits the resulting
// decision plan in order. Decisions flagged for confirmation are returned
// in Pending unless AutoApprove is set. If some commits succeed and others
// fail, the result carries what landed and the error is PartialCommit.
func (m *Manager) Ingest(ctx context.Context, scope model.Scope, messages []model.Message, opts IngestOptions) (*IngestResult, error) {
	if err := m.requireReasoner(); err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return nil, errs.New(errs.KindValidation, "no messages")
	}
	release, err := m.acquireAddSlot()
	if err != nil {
		return nil, err
	}
	defer release()

	outcome, err := m.orch.Run(ctx, scope, messages)
	if err != nil {
		return &IngestResult{Outcome: outcome}, err
	}

	result := &IngestResult{Outcome: outcome}
	var failures []string
	var firstErr error

	for i, d := range outcome.Decisions {
		if d.RequiresConfirmation && !opts.AutoApprove {
			result.Pending = append(result.Pending, d)
			continue
		}
		if d.Action == model.ActionNoop {
			result.Skipped++
			continue
		}

		id, err := m.commitDecision(ctx, scope, d)
		if err != nil {
			log.Printf("[manager] ingest %s: decision %d (%s) failed: %v", outcome.RunID, i, d.Action, err)
			failures = append(failures, commitLabel(d))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if id != "" {
			result.CommittedIDs = append(result.CommittedIDs, id)
		}
	}

	if len(failures) > 0 {
		if len(result.CommittedIDs) == 0 {
			return result, firstErr
		}
		return result, errs.Wrap(errs.KindPartialCommit,
			fmt.Sprintf("committed %d of %d decisions; failed: %s",
				len(result.CommittedIDs), len(result.CommittedIDs)+len(failures), strings.Join(failures, ", ")),
			firstErr)
	}

	if len(result.CommittedIDs) > 0 {
		m.bg.Add(1)
		go func() {
			defer m.bg.Done()
			if _, err := m.comp.MaybeCompress(m.bgCtx); err != nil {
				log.Printf("[manager] back-pressure compression: %v", err)
			}
		}()
	}
	return result, nil
}

// Confirm commits a single previously pending decision.
func (m *Manager) Confirm(ctx context.Context, scope model.Scope, d model.Decision) (string, error) {
	if d.Action == model.ActionNoop {
		return "", nil
	}
	return m.commitDecision(ctx, scope, d)
}

func commitLabel(d model.Decision) string {
	if d.TargetID != "" {
		return string(d.Action) + ":" + d.TargetID
	}
	return string(d.Action)
}

// commitDecision applies one planned action and returns the id it produced
// or mutated.
func (m *Manager) commitDecision(ctx context.Context, scope model.Scope, d model.Decision) (string, error) {
	switch d.Action {
	case model.ActionAdd:
		return m.commitAdd(ctx, scope, d)
	case model.ActionUpdate:
		return m.commitUpdate(ctx, d)
	case model.ActionMerge:
		return m.commitMerge(ctx, scope, d)
	case model.ActionSupersede:
		return m.commitSupersede(ctx, scope, d)
	case model.ActionNoop:
		return "", nil
	default:
		return "", errs.Newf(errs.KindInternal, "unknown action %q", d.Action)
	}
}

func (m *Manager) commitAdd(ctx context.Context, scope model.Scope, d model.Decision) (string, error) {
	mem, err := model.NewMemory(m.ids.NewID(), scope, d.Type, d.Content, d.Importance, m.clock.Now())
	if err != nil {
		return "", err
	}
	mem.Metadata = d.Metadata
	mem.Entities = d.Entities
	mem.Relations = d.Relations
	if len(d.Metadata) > 0 {
		mem.Hash = model.ContentHash(mem.Content, mem.Metadata)
	}

	created, err := m.createMemory(ctx, mem)
	if err != nil {
		return "", err
	}
	return created.ID, nil
}

func (m *Manager) commitUpdate(ctx context.Context, d model.Decision) (string, error) {
	if d.TargetID == "" || d.Patch == nil {
		return "", errs.New(errs.KindValidation, "update decision missing target or patch")
	}
	mem, err := m.Update(ctx, d.TargetID, *d.Patch)
	if err != nil {
		return "", err
	}
	return mem.ID, nil
}

// commitMerge writes the merged memory first, then retires every source
// with a redirect to it.
func (m *Manager) commitMerge(ctx context.Context, scope model.Scope, d model.Decision) (string, error) {
	if len(d.MergeIDs) == 0 || d.NewContent == "" {
		return "", errs.New(errs.KindValidation, "merge decision missing sources or content")
	}
	unlock := m.lockAll(d.MergeIDs)
	defer unlock()

	merged, err := model.NewMemory(m.ids.NewID(), scope, d.Type, d.NewContent, d.Importance, m.clock.Now())
	if err != nil {
		return "", err
	}
	merged.Entities = d.Entities
	merged.Relations = d.Relations

	created, err := m.createMemory(ctx, merged)
	if err != nil {
		return "", err
	}

	for _, id := range d.MergeIDs {
		if err := m.retire(ctx, id, created.ID, model.StateMerged, model.ChangeMerged); err != nil {
			return created.ID, fmt.Errorf("retire merged source %s: %w", id, err)
		}
	}
	return created.ID, nil
}

// commitSupersede stores the replacement, then retires the old memory with
// a redirect so stale ids still resolve.
func (m *Manager) commitSupersede(ctx context.Context, scope model.Scope, d model.Decision) (string, error) {
	if d.TargetID == "" {
		return "", errs.New(errs.KindValidation, "supersede decision missing target")
	}
	unlock := m.lockAll(append([]string{d.TargetID}, d.AffectedIDs...))
	defer unlock()

	replacement, err := model.NewMemory(m.ids.NewID(), scope, d.Type, d.Content, d.Importance, m.clock.Now())
	if err != nil {
		return "", err
	}
	replacement.Entities = d.Entities
	replacement.Relations = d.Relations

	created, err := m.createMemory(ctx, replacement)
	if err != nil {
		return "", err
	}
	if err := m.retire(ctx, d.TargetID, created.ID, model.StateSuperseded, model.ChangeSuperseded); err != nil {
		return created.ID, fmt.Errorf("retire superseded %s: %w", d.TargetID, err)
	}
	return created.ID, nil
}

// retire moves a memory out of the active set, pointing readers at its
// replacement.
func (m *Manager) retire(ctx context.Context, id, redirectTo string, state model.State, kind model.HistoryChangeKind) error {
	mem, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if mem.Retired() {
		return nil
	}

	before := mem.Clone()
	mem.State = state
	mem.RedirectID = redirectTo
	mem.Version++
	if err := m.store.Update(ctx, mem, before.Version); err != nil {
		return err
	}
	if err := m.tracker.Record(ctx, model.HistoryEntry{
		MemoryID:  mem.ID,
		Version:   mem.Version,
		Kind:      kind,
		Timestamp: m.clock.Now(),
		Before:    before,
		After:     mem,
	}); err != nil {
		return err
	}
	if err := m.index.Delete(ctx, mem.Scope, mem.ID); err != nil {
		log.Printf("[manager] index delete %s: %v", mem.ID, err)
	}
	m.queries.invalidate(mem.Scope)
	return nil
}
