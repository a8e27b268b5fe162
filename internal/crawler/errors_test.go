package crawler

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewReachedLimitError(t *testing.T) {
	t.Parallel()

	rl := NewReachedLimitError(`{"reached-limit": {"stats": {"total": {"urls": 10}}}}`)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rl.Payload, &payload))
	require.Contains(t, payload, "stats")

	rl = NewReachedLimitError("not json")
	require.JSONEq(t, `{"raw": "not json"}`, string(rl.Payload))
}

func TestIsReachedLimit(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("brozzle: %w", NewReachedLimitError(`{"reached-limit": {}}`))
	rl, ok := IsReachedLimit(wrapped)
	require.True(t, ok)
	require.NotNil(t, rl)

	_, ok = IsReachedLimit(ErrProxy)
	require.False(t, ok)
}

func TestBrowsingErrorUnwrap(t *testing.T) {
	t.Parallel()

	err := &BrowsingError{Msg: "navigate", Err: ErrProtocolTimeout}
	require.ErrorIs(t, err, ErrProtocolTimeout)
	require.Contains(t, err.Error(), "navigate")
}
