package database

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingFilesOrder(t *testing.T) {
	fsys := fstest.MapFS{
		"010_later.sql":  {Data: []byte("SELECT 1")},
		"002_second.sql": {Data: []byte("SELECT 1")},
		"001_first.sql":  {Data: []byte("SELECT 1")},
		"README.md":      {Data: []byte("not a migration")},
		"nested/003.sql": {Data: []byte("SELECT 1")},
	}

	files, err := PendingFiles(fsys)
	require.NoError(t, err)
	assert.Equal(t, []string{"001_first.sql", "002_second.sql", "010_later.sql"}, files)
}

func TestPendingFilesEmpty(t *testing.T) {
	files, err := PendingFiles(fstest.MapFS{})
	require.NoError(t, err)
	assert.Empty(t, files)
}
