package storage

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestBotIDPersistsAcrossStores(t *testing.T) {
	dir := t.TempDir()

	first, err := NewStore(dir)
	require.NoError(t, err)
	id, err := first.BotID()
	require.NoError(t, err)

	_, err = uuid.Parse(id)
	require.NoError(t, err, "bot id should be a uuid")

	second, err := NewStore(dir)
	require.NoError(t, err)
	again, err := second.BotID()
	require.NoError(t, err)
	require.Equal(t, id, again)
}
