package engine

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/garden-co/cojson/internal/session"
	"github.com/garden-co/cojson/internal/store"
)

func TestSyncErrorHelpers(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		invalid  bool
		mismatch bool
		header   bool
		deleted  bool
		storage  bool
	}{
		{
			name:    "invalid assumption sync error",
			err:     newSessionError(ErrCodeInvalidAssumption, "co_zA", "s", "peer", session.ErrInvalidAssumption),
			invalid: true,
		},
		{
			name:    "bare session sentinel",
			err:     fmt.Errorf("apply: %w", session.ErrInvalidAssumption),
			invalid: true,
		},
		{
			name:     "signature mismatch",
			err:      newSessionError(ErrCodeSignatureMismatch, "co_zA", "s", "peer", nil),
			mismatch: true,
		},
		{
			name:   "missing header",
			err:    newSyncError(ErrCodeMissingHeader, "co_zA", "peer", "no header", nil),
			header: true,
		},
		{
			name:    "tombstone from storage",
			err:     fmt.Errorf("store: %w", store.ErrTombstoned),
			deleted: true,
		},
		{
			name:    "storage inside a join",
			err:     errors.Join(errors.New("other"), newSyncError(ErrCodeStorage, "co_zA", "", "load", errors.New("disk"))),
			storage: true,
		},
		{
			name: "unrelated",
			err:  errors.New("boom"),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.invalid, IsInvalidAssumption(tt.err))
			assert.Equal(t, tt.mismatch, IsSignatureMismatch(tt.err))
			assert.Equal(t, tt.header, IsMissingHeader(tt.err))
			assert.Equal(t, tt.deleted, IsDeleted(tt.err))
			assert.Equal(t, tt.storage, IsStorage(tt.err))
		})
	}
}

func TestSyncErrorMessage(t *testing.T) {
	err := newSessionError(ErrCodeInvalidAssumption, "co_zA", "s1", "peer-1", errors.New("after 4, have 2"))
	assert.Equal(t,
		"INVALID_ASSUMPTION: content does not line up with our known state (id=co_zA, session=s1, peer=peer-1): after 4, have 2",
		err.Error())
	assert.Equal(t, "MISSING_HEADER: no header (id=co_zB)",
		newSyncError(ErrCodeMissingHeader, "co_zB", "", "no header", nil).Error())
}
