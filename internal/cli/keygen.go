package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/garden-co/cojson/internal/crypto"
	"github.com/garden-co/cojson/internal/ir"
)

// KeygenOptions holds flags for the keygen command.
type KeygenOptions struct {
	*RootOptions
	Output string
}

// KeygenResult is printed by keygen.
type KeygenResult struct {
	Agent  ir.AgentID `json:"agent"`
	Secret string     `json:"secret,omitempty"`
	File   string     `json:"file,omitempty"`
}

func (r KeygenResult) String() string {
	if r.File != "" {
		return fmt.Sprintf("agent:  %s\nsecret: written to %s", r.Agent, r.File)
	}
	return fmt.Sprintf("agent:  %s\nsecret: %s", r.Agent, r.Secret)
}

// NewKeygenCommand creates the keygen command.
func NewKeygenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &KeygenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an agent secret",
		Long: `Generate a new agent secret and print it with the public agent id.

With --output the secret is written to a file (mode 0600) instead of
being printed; point agentSecretFile in the node config at it.

Example:
  cojson keygen
  cojson keygen -o ./agent.secret`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeygen(cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write the secret to this file")
	return cmd
}

func runKeygen(cmd *cobra.Command, opts *KeygenOptions) error {
	out := opts.formatter(cmd)
	p := crypto.NewDefault()
	secret, err := crypto.NewAgentSecret(p)
	if err != nil {
		return out.Fail(ExitFailure, CodeAgentSecret, "generate agent secret", err)
	}
	agent, err := crypto.AgentIDOf(p, secret)
	if err != nil {
		return out.Fail(ExitFailure, CodeAgentSecret, "derive agent id", err)
	}

	res := KeygenResult{Agent: agent, Secret: string(secret)}
	if opts.Output != "" {
		if err := os.WriteFile(opts.Output, []byte(string(secret)+"\n"), 0o600); err != nil {
			return out.Fail(ExitCommandError, CodeAgentSecret, "write agent secret", err)
		}
		res.Secret, res.File = "", opts.Output
	}
	return out.Success(res)
}
