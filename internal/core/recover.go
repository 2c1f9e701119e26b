package core

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/garden-co/cojson/internal/crypto"
	"github.com/garden-co/cojson/internal/ir"
	"github.com/garden-co/cojson/internal/session"
)

// ErrSessionMoved is returned by Recover when the live session kept
// changing underneath every rebase attempt.
var ErrSessionMoved = errors.New("session changed during recovery")

const recoverAttempts = 3

// Recover rebases a locally owned session onto a peer's verified version
// of it, after the peer rejected our content with a signature mismatch.
//
// The remote run (starting at remoteAfter) is verified against our prefix
// of that length. Local transactions beyond the longest common prefix are
// re-authored after the remote ones (re-encrypted for their new index and
// re-signed), and the rebuilt log is verified from scratch before it is
// swapped in. The swap only happens if the live session is still the one
// the rebase started from; otherwise the rebase is redone. Any failure
// leaves the live core untouched. The rebuilt log is returned so the
// caller can persist it and push it to peers.
func (c *Core) Recover(id Identity, remoteAfter int, remote []ir.Transaction, remoteSig crypto.Signature) (*session.Log, error) {
	for attempt := 1; ; attempt++ {
		rebuilt, err := c.rebase(id, remoteAfter, remote, remoteSig)
		if errors.Is(err, ErrSessionMoved) && attempt < recoverAttempts {
			c.logger.Debug("session moved during recovery, retrying", "id", c.id, "session", id.Session, "attempt", attempt)
			continue
		}
		return rebuilt, err
	}
}

func (c *Core) rebase(id Identity, remoteAfter int, remote []ir.Transaction, remoteSig crypto.Signature) (*session.Log, error) {
	sid := id.Session

	c.mu.RLock()
	live, ok := c.sessions[sid]
	var local *session.Log
	if ok {
		local = live.Clone()
	}
	c.mu.RUnlock()
	if local == nil {
		local = session.New(c.provider, c.id, sid)
	}
	if remoteAfter > local.Len() {
		return nil, fmt.Errorf("recover %s/%s: %w: remote starts at %d, local has %d",
			c.id, sid, session.ErrInvalidAssumption, remoteAfter, local.Len())
	}

	rebuilt := local.Truncated(remoteAfter)
	if err := rebuilt.TryAdd(remoteAfter, remote, remoteSig, false); err != nil {
		return nil, fmt.Errorf("recover %s/%s: remote version: %w", c.id, sid, err)
	}

	common := commonPrefix(local, rebuilt)
	for idx := common; idx < local.Len(); idx++ {
		if err := c.reauthor(local, idx, rebuilt, id); err != nil {
			return nil, fmt.Errorf("recover %s/%s: %w", c.id, sid, err)
		}
	}

	fresh := session.New(c.provider, c.id, sid)
	if err := fresh.TryAdd(0, rebuilt.Transactions(), rebuilt.LastSignature(), false); err != nil {
		return nil, fmt.Errorf("recover %s/%s: rebuilt session does not verify: %w", c.id, sid, err)
	}

	if c.beforeSwap != nil {
		c.beforeSwap()
	}

	c.mu.Lock()
	cur, ok := c.sessions[sid]
	if !sameHead(cur, ok, local) {
		c.mu.Unlock()
		return nil, fmt.Errorf("recover %s/%s: %w", c.id, sid, ErrSessionMoved)
	}
	c.sessions[sid] = rebuilt
	c.resetDecoding()
	c.generation++
	c.mu.Unlock()

	c.logger.Info("session recovered", "id", c.id, "session", sid,
		"common", common, "length", rebuilt.Len())
	c.notify()
	return rebuilt.Clone(), nil
}

// sameHead reports whether the live log still matches the snapshot a
// rebase was computed from.
func sameHead(live *session.Log, ok bool, snapshot *session.Log) bool {
	if !ok {
		return snapshot.Len() == 0
	}
	return live.Len() == snapshot.Len() && live.LastHash() == snapshot.LastHash()
}

// reauthor appends local transaction idx to rebuilt, decrypting and
// re-encrypting private changes for their new position.
func (c *Core) reauthor(local *session.Log, idx int, rebuilt *session.Log, id Identity) error {
	tx, _ := local.Transaction(idx)

	var key crypto.KeySecret
	if tx.Privacy == ir.PrivacyPrivate {
		var ok bool
		if c.keys != nil {
			key, ok = c.keys.ReadKey(tx.KeyUsed)
		}
		if !ok {
			return fmt.Errorf("re-encrypt %s:%d: %w", local.SessionID(), idx, ErrNoWriteKey)
		}
	}

	changesJSON, err := local.DecryptNextTransactionChangesJSON(idx, key)
	if err != nil {
		return err
	}
	changesValue, err := ir.ParseValue(changesJSON)
	if err != nil {
		return fmt.Errorf("parse changes %s:%d: %w", local.SessionID(), idx, err)
	}
	changes, _ := changesValue.(ir.Array)

	var meta ir.Object
	metaJSON, err := local.DecryptNextTransactionMetaJSON(idx, key)
	if err != nil {
		return err
	}
	if metaJSON != nil {
		if v, err := ir.ParseValue(metaJSON); err == nil {
			meta, _ = v.(ir.Object)
		}
	}

	if tx.Privacy == ir.PrivacyPrivate {
		_, err = rebuilt.AddNewPrivateTransaction(changes, tx.KeyUsed, key, meta, tx.MadeAt, id.Signer)
	} else {
		_, err = rebuilt.AddNewTrustingTransaction(changes, meta, tx.MadeAt, id.Signer)
	}
	return err
}

// commonPrefix returns the number of leading transactions a and b share.
func commonPrefix(a, b *session.Log) int {
	n := min(a.Len(), b.Len())
	for i := 0; i < n; i++ {
		ta, _ := a.Transaction(i)
		tb, _ := b.Transaction(i)
		if !bytes.Equal(ta.Canonical(), tb.Canonical()) {
			return i
		}
	}
	return n
}
