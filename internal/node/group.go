package node

import (
	"errors"
	"fmt"
	"sort"

	"github.com/garden-co/cojson/internal/crdt"
	"github.com/garden-co/cojson/internal/ir"
)

// Role is a member's role in a group. Roles are recorded, not enforced.
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleWriter  Role = "writer"
	RoleReader  Role = "reader"
	RoleRevoked Role = "revoked"
)

const fieldReadKey = "readKey"

// ErrNoReadKey is returned when the node cannot unseal a group's current
// read key.
var ErrNoReadKey = errors.New("no access to group read key")

func keyField(id ir.KeyID, agent ir.AgentID) string {
	return string(id) + "_for_" + string(agent)
}

func sealNonce(group ir.RawCoID, id ir.KeyID, agent ir.AgentID) ir.Value {
	return ir.Object{
		"in":  ir.String(group),
		"key": ir.String(id),
		"for": ir.String(agent),
	}
}

// Group is a group CoValue: member roles plus the read keys of the
// values it owns, each sealed for every member.
type Group struct {
	node *Node
	m    *crdt.Map
}

// ID returns the group's id.
func (g *Group) ID() ir.RawCoID { return g.m.ID() }

// Role returns the recorded role of agent.
func (g *Group) Role(agent ir.AgentID) (Role, bool) {
	v, ok := g.m.Get(string(agent))
	s, isString := v.(ir.String)
	if !ok || !isString {
		return "", false
	}
	return Role(s), true
}

// Members returns every agent with a recorded role, revoked ones included.
func (g *Group) Members() map[ir.AgentID]Role {
	out := map[ir.AgentID]Role{}
	for _, key := range g.m.Keys() {
		agent := ir.AgentID(key)
		if !agent.Valid() {
			continue
		}
		if role, ok := g.Role(agent); ok {
			out[agent] = role
		}
	}
	return out
}

// ReadKey returns the id of the group's current read key.
func (g *Group) ReadKey() (ir.KeyID, bool) {
	v, ok := g.m.Get(fieldReadKey)
	s, isString := v.(ir.String)
	return ir.KeyID(s), ok && isString
}

// AddMember records agent's role and seals the current read key for it.
func (g *Group) AddMember(agent ir.AgentID, role Role) error {
	if !agent.Valid() {
		return fmt.Errorf("add member: invalid agent id %q", agent)
	}
	keyID, secret, ok := g.node.keys.WriteKey(g.ID())
	if !ok {
		return fmt.Errorf("add member to %s: %w", g.ID(), ErrNoReadKey)
	}
	sealed, err := g.node.provider.Seal(g.node.sealer, agent.SealerID(), []byte(secret), sealNonce(g.ID(), keyID, agent))
	if err != nil {
		return fmt.Errorf("add member to %s: %w", g.ID(), err)
	}
	return g.m.SetMany(ir.Object{
		string(agent):          ir.String(role),
		keyField(keyID, agent): g.sealedEntry(sealed),
	})
}

// RemoveMember marks agent revoked and rotates the read key so later
// writes are unreadable to it. Earlier content stays readable.
func (g *Group) RemoveMember(agent ir.AgentID) error {
	if _, ok := g.Role(agent); !ok {
		return fmt.Errorf("remove member from %s: %s is not a member", g.ID(), agent)
	}
	if err := g.m.Set(string(agent), ir.String(RoleRevoked)); err != nil {
		return err
	}
	_, err := g.RotateReadKey()
	return err
}

// RotateReadKey generates a new read key and seals it for every member
// that is not revoked.
func (g *Group) RotateReadKey() (ir.KeyID, error) {
	n := g.node
	keyID, secret, err := n.provider.NewKeySecret()
	if err != nil {
		return "", fmt.Errorf("rotate %s: %w", g.ID(), err)
	}
	n.keys.remember(keyID, secret)

	members := g.Members()
	agents := make([]ir.AgentID, 0, len(members))
	for agent, role := range members {
		if role != RoleRevoked {
			agents = append(agents, agent)
		}
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i] < agents[j] })

	update := ir.Object{fieldReadKey: ir.String(keyID)}
	for _, agent := range agents {
		sealed, err := n.provider.Seal(n.sealer, agent.SealerID(), []byte(secret), sealNonce(g.ID(), keyID, agent))
		if err != nil {
			return "", fmt.Errorf("rotate %s: seal for %s: %w", g.ID(), agent, err)
		}
		update[keyField(keyID, agent)] = g.sealedEntry(sealed)
	}
	if err := g.m.SetMany(update); err != nil {
		return "", err
	}
	return keyID, nil
}

func (g *Group) sealedEntry(sealed string) ir.Object {
	return ir.Object{"sealed": ir.String(sealed), "by": ir.String(g.node.agent)}
}
