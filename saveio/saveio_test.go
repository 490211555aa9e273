package saveio

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type widgetState struct {
	Counter int
	Label   string
}

func TestSaveRestoreRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := widgetState{Counter: 7, Label: "armed"}
	require.NoError(t, Save(&buf, "widget", &in))

	var out widgetState
	require.NoError(t, Restore(&buf, "widget", &out))
	assert.Equal(t, in, out)
}

func TestRestoreRejectsNameMismatch(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Save(&buf, "widget", &widgetState{Counter: 1}))

	var out widgetState
	err := Restore(&buf, "gadget", &out)
	assert.Error(t, err)
}

func TestSaveChainsOnOneStream(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Save(&buf, "first", &widgetState{Counter: 1}))
	require.NoError(t, Save(&buf, "second", &widgetState{Counter: 2}))

	var first, second widgetState
	require.NoError(t, Restore(&buf, "first", &first))
	require.NoError(t, Restore(&buf, "second", &second))
	assert.Equal(t, 1, first.Counter)
	assert.Equal(t, 2, second.Counter)
}
