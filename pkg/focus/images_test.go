package focus

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string, mod time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))
	require.NoError(t, os.Chtimes(path, mod, mod))
}

func TestDirScannerNewest(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	touch(t, filepath.Join(dir, "a.fits"), now.Add(-time.Minute))
	touch(t, filepath.Join(dir, "c.fits"), now.Add(-2*time.Minute))
	touch(t, filepath.Join(dir, "b.fits"), now)
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))

	got, err := DirScanner{Dir: dir}.Newest()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "b.fits"), got)
}

func TestDirScannerTieGoesToLaterName(t *testing.T) {
	dir := t.TempDir()
	now := time.Now().Truncate(time.Second)

	touch(t, filepath.Join(dir, "img-0002.fits"), now)
	touch(t, filepath.Join(dir, "img-0001.fits"), now)

	got, err := DirScanner{Dir: dir}.Newest()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "img-0002.fits"), got)
}

func TestDirScannerEmpty(t *testing.T) {
	_, err := DirScanner{Dir: t.TempDir()}.Newest()
	assert.ErrorIs(t, err, ErrNoImages)

	_, err = DirScanner{Dir: filepath.Join(t.TempDir(), "missing")}.Newest()
	assert.Error(t, err)
}

func TestWatcherTracksCreatedFiles(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "first.fits")
	touch(t, first, time.Now())

	w, err := WatchImages(dir, testLogger())
	require.NoError(t, err)
	defer w.Close()

	got, err := w.Newest()
	require.NoError(t, err)
	assert.Equal(t, first, got)

	second := filepath.Join(dir, "second.fits")
	require.NoError(t, os.WriteFile(second, []byte("{}"), 0o644))

	assert.Eventually(t, func() bool {
		p, err := w.Newest()
		return err == nil && p == second
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcherEmptyDirectory(t *testing.T) {
	w, err := WatchImages(t.TempDir(), testLogger())
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Newest()
	assert.ErrorIs(t, err, ErrNoImages)
}
