package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/garden-co/cojson/internal/core"
	"github.com/garden-co/cojson/internal/ir"
	"github.com/garden-co/cojson/internal/store"
)

// CreateBranch creates branch name of source, owned by owner (or by the
// source's group when owner is nil), and returns its id. The id depends
// only on (source, name, owner), so creating the same branch twice, here
// or on another node, yields the same value.
func (n *Node) CreateBranch(ctx context.Context, sourceID ir.RawCoID, name string, owner *Group) (ir.RawCoID, error) {
	source, err := n.Load(ctx, sourceID)
	if err != nil {
		return "", fmt.Errorf("create branch %q: %w", name, err)
	}
	ownerID := source.Header().Ruleset.Group
	if owner != nil {
		ownerID = owner.ID()
	}
	if ownerID == "" {
		return "", fmt.Errorf("create branch %q of %s: %w", name, sourceID, ErrNoOwner)
	}

	h := core.BranchHeader(source.Header(), sourceID, name, ownerID)
	id, err := ir.IDForHeader(h)
	if err != nil {
		return "", fmt.Errorf("create branch %q: %w", name, err)
	}
	branch, err := n.manager.LoadLocal(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if branch, err = n.create(h); err != nil {
			return "", fmt.Errorf("create branch %q: %w", name, err)
		}
	case errors.Is(err, store.ErrTombstoned):
		return "", fmt.Errorf("create branch %q: %w", name, ErrDeleted)
	case err != nil:
		return "", fmt.Errorf("create branch %q: %w", name, err)
	}
	if branch.IsStarted() {
		return id, nil
	}

	if err := core.StartBranch(source, branch, n.identity); err != nil {
		return "", fmt.Errorf("create branch %q: %w", name, err)
	}
	n.manager.Changed(branch.ID(), source.ID())
	n.logger.Info("branch created", "source", sourceID, "branch", id, "name", name)
	return id, nil
}

// Branches lists the branches recorded on a value.
func (n *Node) Branches(ctx context.Context, id ir.RawCoID) ([]core.BranchPointer, error) {
	c, err := n.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.Branches(), nil
}

// MergeBranch replays the branch's unmerged transactions onto its
// source. When the source does not yet hold everything the branch forked
// from, it waits (bounded by ctx) for that content to arrive. It returns
// the number of transactions merged; merging twice is a no-op.
func (n *Node) MergeBranch(ctx context.Context, branchID ir.RawCoID) (int, error) {
	branch, err := n.Load(ctx, branchID)
	if err != nil {
		return 0, fmt.Errorf("merge %s: %w", branchID, err)
	}
	_, sourceID, ok := branch.Header().BranchInfo()
	if !ok {
		return 0, fmt.Errorf("merge %s: %w", branchID, core.ErrNotABranch)
	}
	target, err := n.Load(ctx, sourceID)
	if err != nil {
		return 0, fmt.Errorf("merge %s: %w", branchID, err)
	}

	var fork ir.SessionCounts
	if err := waitUntil(ctx, branch, func() bool {
		fork, ok = branch.ForkState()
		return ok
	}); err != nil {
		return 0, fmt.Errorf("merge %s: branch commit: %w", branchID, err)
	}
	forked := ir.KnownState{ID: sourceID, Sessions: fork}
	if err := waitUntil(ctx, target, func() bool {
		return forked.IsSubsetOf(target.KnownState())
	}); err != nil {
		return 0, fmt.Errorf("merge %s: source content: %w", branchID, err)
	}

	merged, err := core.MergeBranch(branch, target, n.identity)
	if err != nil {
		return 0, err
	}
	if merged > 0 {
		n.manager.Changed(target.ID())
		n.logger.Info("branch merged", "branch", branchID, "target", sourceID, "transactions", merged)
	}
	return merged, nil
}
