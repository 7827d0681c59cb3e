// Package uploads stores attachment bytes so that chat messages can refer to
// them by URL.
package uploads

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"huddle/chat"
	"huddle/fault"
)

// DefaultMaxSize limits a single upload.
const DefaultMaxSize int64 = 25 << 20

var (
	// ErrTooLarge indicates the source exceeds the configured limit.
	ErrTooLarge = errors.New("uploads: file too large")
	// ErrNotRegular indicates the source is a directory or device.
	ErrNotRegular = errors.New("uploads: source must be a regular file")
)

// Dir saves uploads under Root. Stored names are prefixed with a fresh id so
// uploads of the same file name never collide.
type Dir struct {
	Root string
	// BaseURL prefixes stored names in returned URLs. Empty means file URLs.
	BaseURL string
	MaxSize int64
	Logger  *slog.Logger
}

// Save copies the file at sourcePath into the directory and describes it as
// an attachment.
func (d *Dir) Save(ctx context.Context, sourcePath string) (chat.Attachment, error) {
	if strings.TrimSpace(sourcePath) == "" {
		return chat.Attachment{}, fault.Validation("save upload", errors.New("source path is required"))
	}
	info, err := os.Stat(sourcePath)
	if err != nil {
		return chat.Attachment{}, fault.Validation("save upload", fmt.Errorf("stat source file: %w", err))
	}
	if !info.Mode().IsRegular() {
		return chat.Attachment{}, fault.Validation("save upload", ErrNotRegular)
	}
	if info.Size() > d.maxSize() {
		return chat.Attachment{}, fault.Validation("save upload", ErrTooLarge)
	}

	source, err := os.Open(sourcePath)
	if err != nil {
		return chat.Attachment{}, fmt.Errorf("open source file: %w", err)
	}
	defer func() {
		_ = source.Close()
	}()

	return d.Store(ctx, filepath.Base(sourcePath), source)
}

// Store writes r under a new stored name derived from name.
func (d *Dir) Store(ctx context.Context, name string, r io.Reader) (chat.Attachment, error) {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return chat.Attachment{}, fault.Validation("store upload", errors.New("file name is required"))
	}
	if err := os.MkdirAll(d.Root, 0o700); err != nil {
		return chat.Attachment{}, fmt.Errorf("create uploads dir: %w", err)
	}

	stored := uuid.NewString() + "_" + name
	finalPath := filepath.Join(d.Root, stored)
	tempPath := finalPath + ".part"

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return chat.Attachment{}, fmt.Errorf("create upload file: %w", err)
	}

	hasher := sha256.New()
	limit := d.maxSize()
	written, copyErr := io.Copy(io.MultiWriter(file, hasher), &contextReader{ctx: ctx, r: io.LimitReader(r, limit+1)})
	closeErr := file.Close()
	if copyErr == nil && written > limit {
		copyErr = fault.Validation("store upload", ErrTooLarge)
	}
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		_ = os.Remove(tempPath)
		return chat.Attachment{}, copyErr
	}
	if err := os.Rename(tempPath, finalPath); err != nil {
		_ = os.Remove(tempPath)
		return chat.Attachment{}, fmt.Errorf("finalize upload: %w", err)
	}

	attachment := chat.Attachment{
		Name:        name,
		URL:         d.url(finalPath, stored),
		Size:        written,
		ContentType: mime.TypeByExtension(strings.ToLower(filepath.Ext(name))),
	}
	if attachment.ContentType == "" {
		attachment.ContentType = sniffContentType(finalPath)
	}
	d.logger().Info("upload stored",
		"name", name,
		"stored", stored,
		"size", written,
		"sha256", hex.EncodeToString(hasher.Sum(nil)),
	)
	return attachment, nil
}

// Open resolves a URL returned by Save to a readable file.
func (d *Dir) Open(rawURL string) (*os.File, error) {
	stored := ""
	switch {
	case d.BaseURL != "" && strings.HasPrefix(rawURL, strings.TrimRight(d.BaseURL, "/")+"/"):
		stored = strings.TrimPrefix(rawURL, strings.TrimRight(d.BaseURL, "/")+"/")
		if unescaped, err := url.PathUnescape(stored); err == nil {
			stored = unescaped
		}
	default:
		parsed, err := url.Parse(rawURL)
		if err != nil || parsed.Scheme != "file" {
			return nil, fmt.Errorf("uploads: unsupported url %q", rawURL)
		}
		if filepath.Clean(filepath.Dir(parsed.Path)) != d.absRoot() {
			return nil, fmt.Errorf("uploads: url %q is outside %s", rawURL, d.Root)
		}
		stored = filepath.Base(parsed.Path)
	}
	if stored == "" || stored != filepath.Base(stored) {
		return nil, fmt.Errorf("uploads: invalid stored name in %q", rawURL)
	}
	return os.Open(filepath.Join(d.Root, stored))
}

// sniffContentType reads the magic bytes of files whose extension is unknown.
func sniffContentType(path string) string {
	detected, err := mimetype.DetectFile(path)
	if err != nil {
		return "application/octet-stream"
	}
	return detected.String()
}

// Fetch copies the upload behind rawURL into destDir under its original
// file name and returns the new path. Existing files are not overwritten.
func (d *Dir) Fetch(ctx context.Context, rawURL, destDir string) (string, error) {
	source, err := d.Open(rawURL)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = source.Close()
	}()

	name := filepath.Base(source.Name())
	if _, original, ok := strings.Cut(name, "_"); ok && original != "" {
		name = original
	}
	if err := os.MkdirAll(destDir, 0o700); err != nil {
		return "", fmt.Errorf("create destination: %w", err)
	}
	destPath := filepath.Join(destDir, name)
	dest, err := os.OpenFile(destPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", destPath, err)
	}

	written, copyErr := io.Copy(dest, &contextReader{ctx: ctx, r: source})
	closeErr := dest.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		_ = os.Remove(destPath)
		return "", fmt.Errorf("copy upload: %w", copyErr)
	}
	d.logger().Info("upload fetched", "url", rawURL, "path", destPath, "size", written)
	return destPath, nil
}

func (d *Dir) url(finalPath, stored string) string {
	if d.BaseURL != "" {
		return strings.TrimRight(d.BaseURL, "/") + "/" + url.PathEscape(stored)
	}
	abs, err := filepath.Abs(finalPath)
	if err != nil {
		abs = finalPath
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String()
}

func (d *Dir) absRoot() string {
	abs, err := filepath.Abs(d.Root)
	if err != nil {
		return filepath.Clean(d.Root)
	}
	return abs
}

func (d *Dir) maxSize() int64 {
	if d.MaxSize > 0 {
		return d.MaxSize
	}
	return DefaultMaxSize
}

func (d *Dir) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
