package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResourceStatus_String(t *testing.T) {
	assert.Equal(t, "unset", StatusUnset.String())
	assert.Equal(t, "saved", StatusSaved.String())
}

func TestResourceStatus_Predicates(t *testing.T) {
	tests := []struct {
		status     ResourceStatus
		valid      bool
		incomplete bool
		terminal   bool
	}{
		{StatusUnset, false, true, false},
		{StatusQueued, true, true, false},
		{StatusDownloaded, true, true, false},
		{StatusSaved, true, false, true},
		{StatusFailed, true, true, true},
		{StatusDiscarded, true, false, true},
		{StatusNotFound, false, false, false},
		{StatusDBError, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.status.IsValid())
			assert.Equal(t, tt.incomplete, tt.status.IsIncomplete())
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
		})
	}
}
