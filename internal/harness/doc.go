// Package harness runs multi-node sync scenarios against real nodes
// connected by in-memory links.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: offline_edits_merge
//	description: "Two devices edit while offline and converge on reconnect"
//	nodes: [server, alice, bob]
//	links:
//	  - { client: alice, server: server }
//	  - { client: bob, server: server }
//	steps:
//	  - { op: create, node: alice, name: doc, type: comap }
//	  - { op: set, node: alice, value: doc, key: title, data: "draft" }
//	  - { op: sync }
//	  - { op: disconnect, node: bob, peer: server }
//	  - { op: set, node: bob, value: doc, key: title, data: "final" }
//	  - { op: connect, node: bob, peer: server }
//	  - { op: sync }
//	assertions:
//	  - { type: converged, value: doc }
//	  - { type: value, node: alice, value: doc, expect: { title: final } }
//
// # Operations
//
//   - create: new value of type comap, colist, costream or coplaintext,
//     optionally owned by a group
//   - group, add_member, remove_member: group management
//   - set, delete: map keys
//   - append, prepend: list items, stream items (append only), text
//   - connect, disconnect: links; a node may be either end
//   - sync: load every value on the nodes in scope and wait until they
//     hold identical sessions
//   - branch, merge: create a named branch of a group-owned value and
//     merge it back
//
// # Assertion Types
//
//   - converged: every node in scope holds the same sessions, and the
//     nodes holding the read key see the same value
//   - value: a node's materialized value equals expect
//   - missing_key: a node's map view lacks key (used for unreadable
//     private content)
//   - transactions: a node holds exactly count transactions of a value
//
// # Deterministic Snapshots
//
// Agents are random per run, but all nodes share one madeAt clock, so
// the order of steps decides every last-writer-wins outcome. The golden
// snapshot holds only materialized views, keyed by node and value handle,
// never ids or sessions.
package harness
