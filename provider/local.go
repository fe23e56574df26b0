package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// RootID is the id of the root directory of a LocalProvider.
const RootID = "/"

// ErrConversionUnsupported is returned when a document cannot be read as the
// requested mime type.
var ErrConversionUnsupported = errors.New("conversion not supported")

// LocalProvider implements Client for a posix-compliant local directory tree.
// Document ids are slash separated paths relative to the root, starting with "/".
type LocalProvider struct {
	basePath string
	logger   *slog.Logger
}

// NewLocalProvider creates a new LocalProvider rooted at basePath.
func NewLocalProvider(basePath string, logger *slog.Logger) (*LocalProvider, error) {
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve base path %q: %w", basePath, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalProvider{basePath: abs, logger: logger}, nil
}

// Authority implements Client.
func (p *LocalProvider) Authority() string { return "file://" + filepath.ToSlash(p.basePath) }

// Root returns the document for the provider's base directory.
func (p *LocalProvider) Root(ctx context.Context) (Document, error) {
	return p.Query(ctx, RootID)
}

// IDForPath maps a filesystem path under the base directory to a document id.
func (p *LocalProvider) IDForPath(fullPath string) (string, error) {
	abs, err := filepath.Abs(fullPath)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(p.basePath, abs)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes root: %q", fullPath)
	}
	if rel == "." {
		return RootID, nil
	}
	return "/" + filepath.ToSlash(rel), nil
}

func (p *LocalProvider) resolve(id string) (string, error) {
	clean := path.Clean("/" + id)
	if clean == "/" {
		return p.basePath, nil
	}
	return filepath.Join(p.basePath, filepath.FromSlash(clean)), nil
}

func (p *LocalProvider) toDocument(id, fullPath string, info fs.FileInfo) Document {
	doc := Document{
		Authority: p.Authority(),
		ID:        id,
		Name:      info.Name(),
		ModTime:   info.ModTime(),
		Flags:     FlagSupportsMove | FlagSupportsDelete | FlagSupportsWrite,
	}
	if id == RootID {
		doc.Name = filepath.Base(p.basePath)
	}
	if info.IsDir() {
		doc.Flags |= FlagDirectory
		doc.MimeType = MimeTypeDir
		doc.Size = -1
		return doc
	}
	doc.Size = info.Size()
	doc.MimeType = mime.TypeByExtension(filepath.Ext(info.Name()))
	if doc.MimeType == "" {
		doc.MimeType = DetectFile(fullPath)
	} else if base, _, err := mime.ParseMediaType(doc.MimeType); err == nil {
		doc.MimeType = base
	}
	return doc
}

// Query implements Client.
func (p *LocalProvider) Query(ctx context.Context, id string) (Document, error) {
	if err := checkCtx(ctx); err != nil {
		return Document{}, err
	}
	fullPath, err := p.resolve(id)
	if err != nil {
		return Document{}, err
	}
	info, err := os.Stat(fullPath)
	if err != nil {
		return Document{}, err
	}
	return p.toDocument(path.Clean("/"+id), fullPath, info), nil
}

// ListChildren implements Client. Local listings are always complete.
func (p *LocalProvider) ListChildren(ctx context.Context, dir Document) (*Listing, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	fullPath, err := p.resolve(dir.ID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(fullPath)
	if err != nil {
		return nil, err
	}

	listing := &Listing{}
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue // skip files that disappeared between ReadDir and Info
		}
		childID := path.Join(path.Clean("/"+dir.ID), entry.Name())
		listing.Children = append(listing.Children,
			p.toDocument(childID, filepath.Join(fullPath, entry.Name()), info))
	}
	return listing, nil
}

// StreamTypes implements Client. Local files stream as their own type.
func (p *LocalProvider) StreamTypes(ctx context.Context, doc Document) ([]string, error) {
	if doc.IsDirectory() {
		return nil, nil
	}
	return []string{doc.MimeType}, nil
}

// OpenRead implements Client.
func (p *LocalProvider) OpenRead(ctx context.Context, doc Document) (io.ReadCloser, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	fullPath, err := p.resolve(doc.ID)
	if err != nil {
		return nil, err
	}
	return os.Open(fullPath)
}

// OpenConvertedRead implements Client. Only the identity conversion exists.
func (p *LocalProvider) OpenConvertedRead(ctx context.Context, doc Document, mimeType string) (io.ReadCloser, error) {
	if mimeType != doc.MimeType {
		return nil, fmt.Errorf("%w: %s as %s", ErrConversionUnsupported, doc.URI(), mimeType)
	}
	return p.OpenRead(ctx, doc)
}

// OpenWrite implements Client. The returned *os.File supports Sync.
func (p *LocalProvider) OpenWrite(ctx context.Context, doc Document) (io.WriteCloser, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	fullPath, err := p.resolve(doc.ID)
	if err != nil {
		return nil, err
	}
	return os.OpenFile(fullPath, os.O_WRONLY|os.O_TRUNC, 0)
}

// Create implements Client. A name that already exists is made unique by
// appending " (n)" before the extension.
func (p *LocalProvider) Create(ctx context.Context, parent Document, mimeType, name string) (string, error) {
	if err := checkCtx(ctx); err != nil {
		return "", err
	}
	if err := validateName(name); err != nil {
		return "", err
	}
	parentPath, err := p.resolve(parent.ID)
	if err != nil {
		return "", err
	}

	for n := 0; n < 1000; n++ {
		candidate := uniqueName(name, n, mimeType == MimeTypeDir)
		fullPath := filepath.Join(parentPath, candidate)
		if mimeType == MimeTypeDir {
			err = os.Mkdir(fullPath, 0755)
		} else {
			var f *os.File
			f, err = os.OpenFile(fullPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
			if err == nil {
				err = f.Close()
			}
		}
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		return path.Join(path.Clean("/"+parent.ID), candidate), nil
	}
	return "", fmt.Errorf("no free name for %q in %s", name, parent.URI())
}

// Delete implements Client.
func (p *LocalProvider) Delete(ctx context.Context, doc Document) error {
	if err := checkCtx(ctx); err != nil {
		return err
	}
	if path.Clean("/"+doc.ID) == RootID {
		return fmt.Errorf("refusing to delete root of %s", p.Authority())
	}
	fullPath, err := p.resolve(doc.ID)
	if err != nil {
		return err
	}
	return os.RemoveAll(fullPath)
}

// TryOptimizedCopy implements Client. The filesystem has no native copy.
func (p *LocalProvider) TryOptimizedCopy(ctx context.Context, src, dstDir Document) (bool, error) {
	return false, nil
}

// TryOptimizedMove implements Client with a rename inside the same tree.
// It declines when the target name is taken so the caller falls back to a
// byte copy that picks a unique name.
func (p *LocalProvider) TryOptimizedMove(ctx context.Context, src, dstDir Document) (bool, error) {
	if err := checkCtx(ctx); err != nil {
		return false, err
	}
	if src.Authority != p.Authority() || dstDir.Authority != p.Authority() {
		return false, nil
	}
	srcPath, err := p.resolve(src.ID)
	if err != nil {
		return false, err
	}
	dirPath, err := p.resolve(dstDir.ID)
	if err != nil {
		return false, err
	}
	target := filepath.Join(dirPath, filepath.Base(srcPath))
	if _, err := os.Lstat(target); err == nil {
		return false, nil
	}
	if err := os.Rename(srcPath, target); err != nil {
		return false, err
	}
	p.logger.Debug("renamed document", slog.String("from", srcPath), slog.String("to", target))
	return true, nil
}

// IsDescendant implements Client.
func (p *LocalProvider) IsDescendant(ctx context.Context, doc, ancestor Document) (bool, error) {
	if doc.Authority != ancestor.Authority {
		return false, nil
	}
	docID := path.Clean("/" + doc.ID)
	ancID := path.Clean("/" + ancestor.ID)
	if docID == ancID {
		return false, nil
	}
	if ancID == RootID {
		return true, nil
	}
	return strings.HasPrefix(docID, ancID+"/"), nil
}

// FreeSpace implements Client using statfs on the directory.
func (p *LocalProvider) FreeSpace(ctx context.Context, dir Document) (int64, error) {
	fullPath, err := p.resolve(dir.ID)
	if err != nil {
		return -1, err
	}
	var st unix.Statfs_t
	if err := unix.Statfs(fullPath, &st); err != nil {
		return -1, fmt.Errorf("statfs %s: %w", fullPath, err)
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}

func validateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("invalid display name %q", name)
	}
	if strings.ContainsAny(name, "/\x00") {
		return fmt.Errorf("display name %q contains a path separator", name)
	}
	return nil
}

func uniqueName(name string, n int, isDir bool) string {
	if n == 0 {
		return name
	}
	if isDir {
		return fmt.Sprintf("%s (%d)", name, n)
	}
	ext := filepath.Ext(name)
	return fmt.Sprintf("%s (%d)%s", strings.TrimSuffix(name, ext), n, ext)
}
