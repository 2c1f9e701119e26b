package core

import (
	"errors"
	"fmt"
	"maps"

	"github.com/garden-co/cojson/internal/ir"
)

// ErrNotABranch is returned when merging a CoValue that is not a branch of
// the target.
var ErrNotABranch = errors.New("not a branch of target")

// BranchHeader returns the header of branch name of source, owned by owner.
// The header has no uniqueness, so the id is a pure function of
// (source, name, owner) and repeated requests find the same branch.
func BranchHeader(source ir.CoValueHeader, sourceID ir.RawCoID, name string, owner ir.RawCoID) ir.CoValueHeader {
	return ir.CoValueHeader{
		Type:    source.Type,
		Ruleset: ir.Ruleset{Type: ir.RulesetOwnedByGroup, Group: owner},
		Meta: ir.Object{
			MetaBranch: ir.String(name),
			"source":   ir.String(sourceID),
		},
	}
}

// IsStarted reports whether any transaction was written to the core.
func (c *Core) IsStarted() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, log := range c.sessions {
		if log.Len() > 0 {
			return true
		}
	}
	return false
}

// StartBranch writes the branch commit (the source's known sessions at
// fork time) on branch and the branch pointer on source. A branch that
// already holds transactions is left alone.
func StartBranch(source, branch *Core, id Identity) error {
	name, sourceID, ok := branch.Header().BranchInfo()
	if !ok || sourceID != source.ID() {
		return fmt.Errorf("start branch %s: %w", branch.ID(), ErrNotABranch)
	}
	if branch.IsStarted() {
		return nil
	}

	fork := source.KnownState().Sessions
	commitMeta := ir.Object{MetaBranch: fork.ToValue()}
	if _, err := branch.MakeTransaction(id, ir.Array{}, commitMeta); err != nil {
		return fmt.Errorf("branch commit: %w", err)
	}

	pointerMeta := ir.Object{
		MetaBranchCreated: ir.String(name),
		MetaBranchID:      ir.String(branch.ID()),
		MetaOwner:         ir.String(branch.Header().Ruleset.Group),
	}
	if _, err := source.MakeTransaction(id, ir.Array{}, pointerMeta); err != nil {
		return fmt.Errorf("branch pointer: %w", err)
	}
	return nil
}

// ForkState returns the source's known sessions recorded by the branch
// commit. It reports false until the commit is present and readable.
func (c *Core) ForkState() (ir.SessionCounts, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decodeNewLocked()
	fork, ok := c.forkStateLocked()
	return fork.Clone(), ok
}

// BranchPointer is a readable record of a branch created from a CoValue.
type BranchPointer struct {
	Name  string
	ID    ir.RawCoID
	Owner ir.RawCoID
}

// Branches lists the branch pointers recorded on the core.
func (c *Core) Branches() []BranchPointer {
	var out []BranchPointer
	seen := map[ir.RawCoID]bool{}
	for _, tx := range c.ValidTransactions(nil).Transactions {
		name, ok := tx.Meta.Str(MetaBranchCreated)
		if !ok {
			continue
		}
		id, _ := tx.Meta.Str(MetaBranchID)
		owner, _ := tx.Meta.Str(MetaOwner)
		if seen[ir.RawCoID(id)] {
			continue
		}
		seen[ir.RawCoID(id)] = true
		out = append(out, BranchPointer{Name: name, ID: ir.RawCoID(id), Owner: ir.RawCoID(owner)})
	}
	return out
}

// mergedCounts returns how many transactions of each branch session were
// already merged into the core, from the merge meta of earlier merges.
func (c *Core) mergedCounts(branch ir.RawCoID) ir.SessionCounts {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decodeNewLocked()

	merged := ir.KnownState{Sessions: ir.SessionCounts{}}
	for _, d := range c.decoded {
		b, ok := d.meta.Str(MetaMergeBranch)
		if !ok || ir.RawCoID(b) != branch {
			continue
		}
		if counts, ok := d.meta.Obj(MetaMerge); ok {
			merged.Combine(ir.KnownState{Sessions: ir.SessionCountsFromValue(counts)})
		}
	}
	return merged.Sessions
}

// MergeBranch replays the branch transactions not merged before onto
// target, as new transactions of id. The first replayed transaction of
// each run is tagged {merge, b, s, i} and the last one mergeEnd, which is
// what lets list positions created on the branch resolve on the target.
// Returns the number of replayed transactions; zero means nothing was new
// and nothing was written.
func MergeBranch(branch, target *Core, id Identity) (int, error) {
	_, sourceID, ok := branch.Header().BranchInfo()
	if !ok || sourceID != target.ID() {
		return 0, fmt.Errorf("merge %s into %s: %w", branch.ID(), target.ID(), ErrNotABranch)
	}

	merged := target.mergedCounts(branch.ID())
	branchState := branch.KnownState().Sessions

	branch.mu.Lock()
	branch.decodeNewLocked()
	var drafts []draft
	for _, sid := range branchState.SortedSessions() {
		var run []ir.ValidTransaction
		flush := func() {
			for k, tx := range run {
				// Replayed transactions keep their own meta; the markers go on top.
				meta := maps.Clone(tx.Meta)
				if (k == 0 || k == len(run)-1) && meta == nil {
					meta = ir.Object{}
				}
				if k == 0 {
					meta[MetaMerge] = branchState.ToValue()
					meta[MetaMergeBranch] = ir.String(branch.ID())
					meta[MetaMergeSession] = ir.String(sid)
					meta[MetaMergeIndex] = ir.Int(tx.TxID.TxIndex)
				}
				if k == len(run)-1 {
					meta[MetaMergeEnd] = ir.Bool(true)
				}
				drafts = append(drafts, draft{changes: tx.Changes, meta: meta, madeAt: tx.MadeAt})
			}
			run = nil
		}

		for _, tx := range branch.ownDecodedLocked(sid) {
			if tx.TxID.TxIndex < merged[sid] || tx.Meta.Has(MetaBranch) {
				continue
			}
			// Runs map indexes one-to-one; a skipped index starts a new run.
			if len(run) > 0 && run[len(run)-1].TxID.TxIndex+1 != tx.TxID.TxIndex {
				flush()
			}
			run = append(run, tx)
		}
		flush()
	}
	branch.mu.Unlock()

	if len(drafts) == 0 {
		return 0, nil
	}
	if _, err := target.makeTransactions(id, drafts); err != nil {
		return 0, fmt.Errorf("merge %s: %w", branch.ID(), err)
	}
	return len(drafts), nil
}
