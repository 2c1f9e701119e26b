package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/garden-co/cojson/internal/crypto"
	"github.com/garden-co/cojson/internal/ir"
	"github.com/garden-co/cojson/internal/node"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	Unsynced bool
}

// InspectResult describes one stored value.
type InspectResult struct {
	ID      ir.RawCoID       `json:"id"`
	Type    ir.CoValueType   `json:"type,omitempty"`
	Group   ir.RawCoID       `json:"group,omitempty"`
	Known   ir.SessionCounts `json:"known,omitempty"`
	Deleted bool             `json:"deleted,omitempty"`
	Value   ir.Value         `json:"value,omitempty"`
}

func (r InspectResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "id:      %s\n", r.ID)
	if r.Deleted {
		b.WriteString("deleted: true")
		return b.String()
	}
	fmt.Fprintf(&b, "type:    %s\n", r.Type)
	if r.Group != "" {
		fmt.Fprintf(&b, "group:   %s\n", r.Group)
	}
	b.WriteString("sessions:\n")
	for _, sid := range sortedSessions(r.Known) {
		fmt.Fprintf(&b, "  %s %d\n", sid, r.Known[sid])
	}
	value, err := ir.MarshalCanonical(r.Value)
	if err != nil {
		value = []byte(err.Error())
	}
	fmt.Fprintf(&b, "value:   %s", value)
	return b.String()
}

// UnsyncedResult lists values not yet confirmed by a server peer.
type UnsyncedResult struct {
	IDs []ir.RawCoID `json:"ids"`
}

func (r UnsyncedResult) String() string {
	if len(r.IDs) == 0 {
		return "all values synced"
	}
	lines := make([]string, len(r.IDs))
	for i, id := range r.IDs {
		lines[i] = string(id)
	}
	return strings.Join(lines, "\n")
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect [id]",
		Short: "Show a stored value",
		Long: `Show what the configured storage holds for a value: its header, the
transaction count of every session and the materialized content.

Private content is shown only when the config's agentSecretFile belongs
to a member of the owning group.

Example:
  cojson inspect -c node.yaml co_zAbc...
  cojson inspect -c node.yaml --unsynced --format json`,
		Args: func(cmd *cobra.Command, args []string) error {
			if opts.Unsynced {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			var id ir.RawCoID
			if len(args) == 1 {
				id = ir.RawCoID(args[0])
			}
			return runInspect(cmd, opts, id)
		},
	}
	cmd.Flags().BoolVar(&opts.Unsynced, "unsynced", false, "list values a server has not confirmed")
	return cmd
}

func runInspect(cmd *cobra.Command, opts *InspectOptions, id ir.RawCoID) error {
	out := opts.formatter(cmd)
	cfg, err := opts.loadConfig()
	if err != nil {
		return out.Fail(ExitCommandError, CodeConfig, "invalid config", err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if opts.Verbose {
		logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	storage, err := openStorage(cfg.Storage, logger)
	if err != nil {
		return out.Fail(ExitCommandError, CodeStorage, "cannot open storage", err)
	}
	defer storage.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if opts.Unsynced {
		ids, err := storage.UnsyncedIDs(ctx)
		if err != nil {
			return out.Fail(ExitFailure, CodeStorage, "cannot list unsynced values", err)
		}
		return out.Success(UnsyncedResult{IDs: ids})
	}

	provider := crypto.NewDefault()
	secret, _, err := loadAgentSecret(provider, cfg.AgentSecretFile)
	if err != nil {
		return out.Fail(ExitCommandError, CodeAgentSecret, "cannot load agent secret", err)
	}
	n, err := node.New(provider, secret,
		node.WithStorage(storage),
		node.WithLogger(logger),
		node.WithLoadRetries(0, 0),
	)
	if err != nil {
		return out.Fail(ExitFailure, CodeAgentSecret, "cannot start node", err)
	}
	defer n.Close()

	res, err := inspect(ctx, n, id)
	switch {
	case errors.Is(err, node.ErrDeleted):
		return out.Success(InspectResult{ID: id, Deleted: true})
	case errors.Is(err, node.ErrUnavailable):
		return out.Fail(ExitFailure, CodeNotFound, fmt.Sprintf("%s not in storage", id), err)
	case err != nil:
		return out.Fail(ExitFailure, CodeUnreadable, fmt.Sprintf("cannot read %s", id), err)
	}
	return out.Success(res)
}

func inspect(ctx context.Context, n *node.Node, id ir.RawCoID) (InspectResult, error) {
	c, err := n.Load(ctx, id)
	if err != nil {
		return InspectResult{}, err
	}
	r, err := n.Resolve(ctx, id)
	if err != nil {
		return InspectResult{}, err
	}
	h := c.Header()
	return InspectResult{
		ID:    id,
		Type:  h.Type,
		Group: h.Ruleset.Group,
		Known: c.KnownState().Sessions,
		Value: r.Value(),
	}, nil
}

func sortedSessions(counts ir.SessionCounts) []ir.SessionID {
	out := make([]ir.SessionID, 0, len(counts))
	for sid := range counts {
		out = append(out, sid)
	}
	slices.Sort(out)
	return out
}
