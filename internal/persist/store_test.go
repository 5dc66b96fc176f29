package persist

import (
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreWriteRawIsAtomic(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewStore(fs)
	require.NoError(t, store.MkdirAll("/rec"))

	path := "/rec/20240101-120000-EEG8-raw.pcl"
	require.NoError(t, store.Touch(path))

	content, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	assert.Equal(t, Placeholder, string(content))

	snap := testSnapshot(64, 4)
	require.NoError(t, store.WriteRaw(path, snap))

	exists, err := afero.Exists(fs, path+tmpSuffix)
	require.NoError(t, err)
	assert.False(t, exists, "temporary file left behind")

	got, err := store.ReadRaw(path)
	require.NoError(t, err)
	assert.Equal(t, snap, got)
}

func TestStoreWriteRawReadOnly(t *testing.T) {
	base := afero.NewMemMapFs()
	require.NoError(t, base.MkdirAll("/rec", 0o755))
	store := NewStore(afero.NewReadOnlyFs(base))

	err := store.WriteRaw("/rec/x-raw.pcl", testSnapshot(4, 1))
	var ioErr *IOError
	require.True(t, errors.As(err, &ioErr), "got %v", err)
	assert.Equal(t, "/rec/x-raw.pcl", ioErr.Path)

	files, err := afero.ReadDir(base, "/rec")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestStoreReadRawMissing(t *testing.T) {
	store := NewStore(afero.NewMemMapFs())
	_, err := store.ReadRaw("/nope.pcl")
	var ioErr *IOError
	assert.True(t, errors.As(err, &ioErr))
}

func TestInterchangePath(t *testing.T) {
	assert.Equal(t, "/rec/20240101-120000-EEG8-raw.fits", InterchangePath("/rec/20240101-120000-EEG8-raw.pcl", FormatFITS))
	assert.Equal(t, "/rec/a.edf", InterchangePath("/rec/a.pcl", FormatEDF))
}
