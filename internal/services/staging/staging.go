// Package staging writes uploaded execution inputs to the location the
// workflow engine reads them from.
package staging

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"mime/multipart"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/flowdeploy-go/internal/domain/execution"
)

// SourceAPI marks files that arrived through a deployment request.
const SourceAPI = "api"

const sniffLen = 3072

var ErrInvalidFileName = errors.New("invalid file name")

// File is one uploaded input. Open is called once during staging.
type File struct {
	Name        string
	ContentType string
	Size        int64
	Open        func() (io.ReadCloser, error)
}

// FromMultipart adapts uploaded form files.
func FromMultipart(headers []*multipart.FileHeader) []File {
	files := make([]File, 0, len(headers))
	for _, fh := range headers {
		files = append(files, File{
			Name:        fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Size:        fh.Size,
			Open: func() (io.ReadCloser, error) {
				return fh.Open()
			},
		})
	}
	return files
}

// Store stages inputs under (workflowID, executionID). DeleteStagingDir
// removes everything staged for that pair and succeeds when nothing exists.
type Store interface {
	Stage(ctx context.Context, workflowID, executionID string, files []File) (map[string]execution.FileHash, error)
	DeleteStagingDir(ctx context.Context, workflowID, executionID string) error
}

// CleanName reduces a client supplied name to its base name.
func CleanName(name string) (string, error) {
	name = strings.ReplaceAll(name, "\\", "/")
	base := path.Base(name)
	if base == "." || base == "/" || base == ".." || base == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidFileName, name)
	}
	return base, nil
}

// checkKeys rejects workflow or execution IDs that are not a single path
// segment.
func checkKeys(ids ...string) error {
	for _, id := range ids {
		if base, err := CleanName(id); err != nil || base != id {
			return fmt.Errorf("invalid staging key %q", id)
		}
	}
	return nil
}

// hashingReader sniffs the content type from the first bytes and hashes
// everything read through it.
type hashingReader struct {
	r    io.Reader
	h    hash.Hash
	n    int64
	mime string
}

func newHashingReader(ctx context.Context, src io.Reader, declared string) *hashingReader {
	br := bufio.NewReaderSize(src, sniffLen)
	head, _ := br.Peek(sniffLen)

	mime := mimetype.Detect(head).String()
	if declared != "" && (mime == "application/octet-stream" || strings.HasPrefix(mime, "text/plain")) {
		mime = declared
	}

	h := sha256.New()
	return &hashingReader{
		r:    io.TeeReader(&ctxReader{ctx: ctx, r: br}, h),
		h:    h,
		mime: mime,
	}
}

func (hr *hashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	hr.n += int64(n)
	return n, err
}

func (hr *hashingReader) Sum() string {
	return hex.EncodeToString(hr.h.Sum(nil))
}

// ctxReader stops a copy once the staging deadline passes.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
