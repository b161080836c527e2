package staging

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowdeploy-go/pkg/logger"
)

func memFile(name, content string) File {
	return File{
		Name: name,
		Size: int64(len(content)),
		Open: func() (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(content)), nil
		},
	}
}

func sha(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func TestLocalStore_Stage(t *testing.T) {
	root := t.TempDir()
	store, err := NewLocalStore(root, logger.NewNop())
	require.NoError(t, err)

	hashes, err := store.Stage(context.Background(), "wf-1", "exec-1", []File{
		memFile("report.txt", "hello world"),
		memFile("../../etc/passwd", "not really"),
		memFile(`C:\tmp\invoice.pdf`, "%PDF-1.4 fake"),
	})
	require.NoError(t, err)
	require.Len(t, hashes, 3)

	report := hashes["report.txt"]
	assert.Equal(t, filepath.Join(root, "wf-1", "exec-1", "report.txt"), report.FilePath)
	assert.Equal(t, sha("hello world"), report.FileHash)
	assert.EqualValues(t, 11, report.FileSize)
	assert.Equal(t, SourceAPI, report.Source)
	assert.True(t, strings.HasPrefix(report.MimeType, "text/plain"))

	// Path components are stripped, the file lands inside the execution dir
	passwd := hashes["passwd"]
	assert.Equal(t, filepath.Join(root, "wf-1", "exec-1", "passwd"), passwd.FilePath)

	assert.Equal(t, "application/pdf", hashes["invoice.pdf"].MimeType)

	data, err := os.ReadFile(report.FilePath)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestLocalStore_DuplicateNameOverwrites(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), logger.NewNop())
	require.NoError(t, err)

	hashes, err := store.Stage(context.Background(), "wf", "exec", []File{
		memFile("a.txt", "first"),
		memFile("a.txt", "second"),
	})
	require.NoError(t, err)
	require.Len(t, hashes, 1)

	data, err := os.ReadFile(hashes["a.txt"].FilePath)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}

func TestLocalStore_DeleteStagingDir(t *testing.T) {
	root := t.TempDir()
	store, err := NewLocalStore(root, logger.NewNop())
	require.NoError(t, err)

	_, err = store.Stage(context.Background(), "wf", "exec", []File{memFile("a.txt", "x")})
	require.NoError(t, err)

	require.NoError(t, store.DeleteStagingDir(context.Background(), "wf", "exec"))
	_, err = os.Stat(filepath.Join(root, "wf", "exec"))
	assert.True(t, os.IsNotExist(err))

	// Deleting twice is fine
	assert.NoError(t, store.DeleteStagingDir(context.Background(), "wf", "exec"))
}

func TestLocalStore_RejectsTraversalKeys(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), logger.NewNop())
	require.NoError(t, err)

	_, err = store.Stage(context.Background(), "..", "exec", []File{memFile("a.txt", "x")})
	assert.Error(t, err)

	assert.Error(t, store.DeleteStagingDir(context.Background(), "wf/../..", "exec"))
}

func TestLocalStore_OpenFailure(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), logger.NewNop())
	require.NoError(t, err)

	broken := File{Name: "b.txt", Open: func() (io.ReadCloser, error) { return nil, errors.New("gone") }}
	_, err = store.Stage(context.Background(), "wf", "exec", []File{broken})
	assert.ErrorContains(t, err, "gone")
}

func TestLocalStore_ExpiredContext(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), logger.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	_, err = store.Stage(ctx, "wf", "exec", []File{memFile("a.txt", "x")})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCleanName(t *testing.T) {
	for _, bad := range []string{"", ".", "..", "/", "dir/.."} {
		_, err := CleanName(bad)
		assert.ErrorIs(t, err, ErrInvalidFileName, bad)
	}
	name, err := CleanName("a/b/c.csv")
	require.NoError(t, err)
	assert.Equal(t, "c.csv", name)
}
