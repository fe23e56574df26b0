package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ensure interface is implemented
var _ Client = (*S3Provider)(nil)

// S3Provider implements Client over one bucket. Key prefixes are directories;
// an empty object whose key ends in "/" marks a directory that has no files yet.
// Document ids are the object keys with a leading slash, so every location in
// the bucket shares one authority.
type S3Provider struct {
	client   *s3.Client
	bucket   string
	uploader *manager.Uploader
	logger   *slog.Logger
}

// NewS3Provider creates a new S3Provider using the default AWS config chain.
func NewS3Provider(ctx context.Context, bucket string, logger *slog.Logger) (*S3Provider, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}
	return NewS3ProviderFromClient(s3.NewFromConfig(cfg), bucket, logger), nil
}

// NewS3ProviderFromClient wraps an existing S3 client.
func NewS3ProviderFromClient(client *s3.Client, bucket string, logger *slog.Logger) *S3Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &S3Provider{
		client:   client,
		bucket:   bucket,
		uploader: manager.NewUploader(client),
		logger:   logger,
	}
}

// Authority implements Client.
func (p *S3Provider) Authority() string {
	return "s3://" + p.bucket
}

// IDForKey returns the document id of an object key or key prefix.
func IDForKey(key string) string {
	return path.Clean("/" + key)
}

// buildKey maps a document id to its object key. The root maps to "".
func (p *S3Provider) buildKey(id string) string {
	return strings.TrimPrefix(IDForKey(id), "/")
}

func (p *S3Provider) dirPrefix(id string) string {
	prefix := p.buildKey(id)
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}

func (p *S3Provider) fileDoc(id string, size int64, contentType string, modTime time.Time) Document {
	mimeType := contentType
	if mimeType == "" || mimeType == "binary/octet-stream" {
		mimeType = mime.TypeByExtension(path.Ext(id))
	}
	if base, _, err := mime.ParseMediaType(mimeType); err == nil {
		mimeType = base
	} else {
		mimeType = DefaultMimeType
	}
	return Document{
		Authority: p.Authority(),
		ID:        id,
		Name:      path.Base(id),
		MimeType:  mimeType,
		Size:      size,
		ModTime:   modTime,
		Flags:     FlagSupportsCopy | FlagSupportsMove | FlagSupportsDelete | FlagSupportsWrite,
	}
}

func (p *S3Provider) dirDoc(id string) Document {
	name := path.Base(id)
	if id == RootID {
		name = p.bucket
	}
	return Document{
		Authority: p.Authority(),
		ID:        id,
		Name:      name,
		MimeType:  MimeTypeDir,
		Size:      -1,
		Flags:     FlagDirectory | FlagSupportsDelete | FlagSupportsWrite,
	}
}

// Query implements Client.
func (p *S3Provider) Query(ctx context.Context, id string) (Document, error) {
	id = path.Clean("/" + id)
	if id == RootID {
		return p.dirDoc(RootID), nil
	}
	key := p.buildKey(id)

	// exact match
	headOut, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		var modTime time.Time
		if headOut.LastModified != nil {
			modTime = *headOut.LastModified
		}
		return p.fileDoc(id, aws.ToInt64(headOut.ContentLength), aws.ToString(headOut.ContentType), modTime), nil
	}

	// maybe a directory? Let's check prefix
	listOut, err := p.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(p.bucket),
		Prefix:  aws.String(p.dirPrefix(id)),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return Document{}, fmt.Errorf("query failed for %q: %w", id, err)
	}
	if len(listOut.Contents) > 0 || len(listOut.CommonPrefixes) > 0 {
		return p.dirDoc(id), nil
	}
	return Document{}, fmt.Errorf("document not found: %s", id)
}

// ListChildren implements Client. S3 listings are always complete.
func (p *S3Provider) ListChildren(ctx context.Context, dir Document) (*Listing, error) {
	dirPrefix := p.dirPrefix(dir.ID)
	dirID := path.Clean("/" + dir.ID)

	listing := &Listing{}
	var continuationToken *string

	for {
		out, err := p.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(p.bucket),
			Prefix:            aws.String(dirPrefix),
			Delimiter:         aws.String("/"),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list %q: %w", dir.ID, err)
		}

		// Add common prefixes as directories
		for _, cp := range out.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), dirPrefix), "/")
			listing.Children = append(listing.Children, p.dirDoc(path.Join(dirID, name)))
		}

		for _, obj := range out.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), dirPrefix)
			if name == "" || strings.HasSuffix(name, "/") { // the placeholder of dir itself
				continue
			}
			var modTime time.Time
			if obj.LastModified != nil {
				modTime = *obj.LastModified
			}
			listing.Children = append(listing.Children,
				p.fileDoc(path.Join(dirID, name), aws.ToInt64(obj.Size), "", modTime))
		}

		if aws.ToBool(out.IsTruncated) {
			continuationToken = out.NextContinuationToken
		} else {
			break
		}
	}

	return listing, nil
}

// StreamTypes implements Client. Objects stream as their own content type.
func (p *S3Provider) StreamTypes(ctx context.Context, doc Document) ([]string, error) {
	if doc.IsDirectory() {
		return nil, nil
	}
	return []string{doc.MimeType}, nil
}

// OpenRead opens an object for streaming reads.
func (p *S3Provider) OpenRead(ctx context.Context, doc Document) (io.ReadCloser, error) {
	out, err := p.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(p.bucket),
		Key:    aws.String(p.buildKey(doc.ID)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open read %q: %w", doc.ID, err)
	}
	return out.Body, nil
}

// OpenConvertedRead implements Client. Only the identity conversion exists.
func (p *S3Provider) OpenConvertedRead(ctx context.Context, doc Document, mimeType string) (io.ReadCloser, error) {
	if mimeType != doc.MimeType {
		return nil, fmt.Errorf("%w: %s as %s", ErrConversionUnsupported, doc.URI(), mimeType)
	}
	return p.OpenRead(ctx, doc)
}

// OpenWrite opens an object for streaming writes through the multipart uploader.
func (p *S3Provider) OpenWrite(ctx context.Context, doc Document) (io.WriteCloser, error) {
	if doc.IsDirectory() {
		return nil, fmt.Errorf("%s is a directory", doc.URI())
	}
	key := p.buildKey(doc.ID)
	pr, pw := io.Pipe()
	errChan := make(chan error, 1)

	go func() {
		_, err := p.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(p.bucket),
			Key:         aws.String(key),
			Body:        pr,
			ContentType: aws.String(doc.MimeType),
		})
		pr.CloseWithError(err)
		errChan <- err
	}()

	return &asyncS3Writer{
		pw:      pw,
		errChan: errChan,
	}, nil
}

func (p *S3Provider) exists(ctx context.Context, id string) bool {
	_, err := p.Query(ctx, id)
	return err == nil
}

// Create implements Client. Files are created as empty objects so they can be
// queried before their bytes arrive.
func (p *S3Provider) Create(ctx context.Context, parent Document, mimeType, name string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	parentID := path.Clean("/" + parent.ID)
	isDir := mimeType == MimeTypeDir

	for n := 0; n < 1000; n++ {
		id := path.Join(parentID, uniqueName(name, n, isDir))
		if p.exists(ctx, id) {
			continue
		}
		key := p.buildKey(id)
		input := &s3.PutObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(key),
			Body:   strings.NewReader(""),
		}
		if isDir {
			// S3 doesn't have true directories, but writing a 0-byte object ending in '/' simulates it
			input.Key = aws.String(key + "/")
		} else {
			input.ContentType = aws.String(mimeType)
		}
		if _, err := p.client.PutObject(ctx, input); err != nil {
			return "", fmt.Errorf("failed to create %q: %w", id, err)
		}
		return id, nil
	}
	return "", fmt.Errorf("no free name for %q in %s", name, parent.URI())
}

// Delete implements Client. Directories are deleted key by key.
func (p *S3Provider) Delete(ctx context.Context, doc Document) error {
	if !doc.IsDirectory() {
		_, err := p.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(p.bucket),
			Key:    aws.String(p.buildKey(doc.ID)),
		})
		return err
	}
	if path.Clean("/"+doc.ID) == RootID {
		return fmt.Errorf("refusing to delete root of %s", p.Authority())
	}

	paginator := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(p.bucket),
		Prefix: aws.String(p.dirPrefix(doc.ID)),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to list %q for delete: %w", doc.ID, err)
		}
		if len(page.Contents) == 0 {
			continue
		}
		ids := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			ids = append(ids, types.ObjectIdentifier{Key: obj.Key})
		}
		if _, err := p.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(p.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		}); err != nil {
			return fmt.Errorf("failed to delete %q: %w", doc.ID, err)
		}
	}
	return nil
}

// TryOptimizedCopy implements Client with a server side CopyObject. Only
// single objects are copied natively; directories decline.
func (p *S3Provider) TryOptimizedCopy(ctx context.Context, src, dstDir Document) (bool, error) {
	if src.IsDirectory() || src.Authority != p.Authority() || dstDir.Authority != p.Authority() {
		return false, nil
	}
	target := path.Join(path.Clean("/"+dstDir.ID), src.Name)
	if p.exists(ctx, target) {
		return false, nil
	}
	source := (&url.URL{Path: p.bucket + "/" + p.buildKey(src.ID)}).EscapedPath()
	_, err := p.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(p.bucket),
		Key:        aws.String(p.buildKey(target)),
		CopySource: aws.String(source),
	})
	if err != nil {
		return false, fmt.Errorf("copy object %q: %w", src.ID, err)
	}
	return true, nil
}

// TryOptimizedMove implements Client as a server side copy followed by a delete.
func (p *S3Provider) TryOptimizedMove(ctx context.Context, src, dstDir Document) (bool, error) {
	ok, err := p.TryOptimizedCopy(ctx, src, dstDir)
	if !ok || err != nil {
		return ok, err
	}
	if err := p.Delete(ctx, src); err != nil {
		// The copy landed; the caller must not copy again.
		p.logger.Warn("moved object but source delete failed",
			slog.String("id", src.ID), slog.String("error", err.Error()))
		return true, errors.Join(errSourceKept, err)
	}
	return true, nil
}

var errSourceKept = errors.New("source kept after move")

// IsDescendant implements Client by key prefix.
func (p *S3Provider) IsDescendant(ctx context.Context, doc, ancestor Document) (bool, error) {
	if doc.Authority != ancestor.Authority {
		return false, nil
	}
	docID := path.Clean("/" + doc.ID)
	ancID := path.Clean("/" + ancestor.ID)
	if docID == ancID {
		return false, nil
	}
	return ancID == RootID || strings.HasPrefix(docID, ancID+"/"), nil
}

// FreeSpace implements Client. Buckets do not report capacity.
func (p *S3Provider) FreeSpace(ctx context.Context, dir Document) (int64, error) {
	return -1, nil
}

type asyncS3Writer struct {
	pw      *io.PipeWriter
	errChan <-chan error
}

func (w *asyncS3Writer) Write(p []byte) (n int, err error) {
	return w.pw.Write(p)
}

func (w *asyncS3Writer) Close() error {
	if err := w.pw.Close(); err != nil {
		return err
	}
	// Wait for upload to complete
	if err := <-w.errChan; err != nil {
		return fmt.Errorf("s3 upload failed: %w", err)
	}
	return nil
}
