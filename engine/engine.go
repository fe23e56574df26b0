package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/franksops/docmover/provider"
)

// DefaultMaxDepth bounds directory recursion for providers whose trees
// contain cycles.
const DefaultMaxDepth = 256

// Operation selects what happens to a source after it reaches the destination.
type Operation int

const (
	OpCopy Operation = iota
	OpMove
)

func (o Operation) String() string {
	switch o {
	case OpCopy:
		return "copy"
	case OpMove:
		return "move"
	default:
		return "unknown"
	}
}

// ParseOperation accepts "copy" or "move".
func ParseOperation(s string) (Operation, error) {
	switch strings.ToLower(s) {
	case "copy":
		return OpCopy, nil
	case "move":
		return OpMove, nil
	default:
		return 0, fmt.Errorf("unknown operation %q", s)
	}
}

// Options tunes how documents are streamed.
type Options struct {
	// BufferSize is the chunk size of the streaming copy loop.
	BufferSize int
	// ListingTimeout bounds each wait for a loading directory listing.
	ListingTimeout time.Duration
	// Verify compares CRC64 checksums of the bytes read and written.
	Verify bool
	// NestTopLevel recreates a top-level source directory inside the
	// destination instead of copying only its contents.
	NestTopLevel bool
	// MaxDepth limits directory recursion.
	MaxDepth int
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		BufferSize:     DefaultBufferSize,
		ListingTimeout: DefaultListingTimeout,
		MaxDepth:       DefaultMaxDepth,
	}
}

// Engine performs the document-level work of a job: optimized provider
// operations, streaming copies, recursion and cleanup. One Engine is shared
// by every job of a Manager.
type Engine struct {
	registry  *provider.Registry
	opts      Options
	buffers   *BufferPool
	checksums *ChecksumPool
	metrics   *Metrics
	logger    *slog.Logger
}

// New creates an Engine resolving documents through registry. Zero option
// fields take their defaults. metrics and logger may be nil.
func New(registry *provider.Registry, opts Options, metrics *Metrics, logger *slog.Logger) *Engine {
	def := DefaultOptions()
	if opts.BufferSize <= 0 {
		opts.BufferSize = def.BufferSize
	}
	if opts.ListingTimeout <= 0 {
		opts.ListingTimeout = def.ListingTimeout
	}
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = def.MaxDepth
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{
		registry:  registry,
		opts:      opts,
		buffers:   NewBufferPool(opts.BufferSize),
		checksums: NewChecksumPool(),
		metrics:   metrics,
		logger:    logger,
	}
}

// Registry returns the provider registry the engine resolves documents with.
func (e *Engine) Registry() *provider.Registry { return e.registry }

// Options returns the effective options.
func (e *Engine) Options() Options { return e.opts }

// sink receives per-document outcomes. Job implements it.
type sink interface {
	cancelled() bool
	bytesCopied(n int64)
	documentCompleted()
	documentFailed(doc provider.Document, err error)
	documentConverted(doc provider.Document)
}

// transfer is the state of one job's pass over its sources.
type transfer struct {
	e      *Engine
	op     Operation
	dst    provider.Document
	sink   sink
	logger *slog.Logger
}

// run processes every source in order. Per-source failures are reported to
// s and do not stop the loop. The returned error is fatal to the job.
func (e *Engine) run(ctx context.Context, op Operation, sources []provider.Document, dst provider.Document, s sink, logger *slog.Logger) error {
	if _, err := e.registry.ClientFor(dst); err != nil {
		return err
	}
	t := &transfer{e: e, op: op, dst: dst, sink: s, logger: logger}

	for _, src := range sources {
		if s.cancelled() {
			return nil
		}
		err := t.processTopLevel(ctx, src)
		s.documentCompleted()

		switch {
		case err == nil:
		case isFatal(err):
			return err
		case isCancel(err) && s.cancelled():
			return nil
		default:
			t.logger.Error("transfer failed", "source", src.URI(), "error", err)
			s.documentFailed(src, err)
		}
	}
	return nil
}

func (t *transfer) processTopLevel(ctx context.Context, src provider.Document) error {
	srcClient, err := t.e.registry.ClientFor(src)
	if err != nil {
		return err
	}

	if src.IsDirectory() && src.Authority == t.dst.Authority {
		if src.Equal(t.dst) {
			return fmt.Errorf("%w: %s", ErrSelfReference, src.URI())
		}
		inside, err := srcClient.IsDescendant(ctx, t.dst, src)
		if err != nil {
			t.e.metrics.failure(SubOpDescendantCheck)
			return fmt.Errorf("check %s against %s: %w", t.dst.URI(), src.URI(), err)
		}
		if inside {
			return fmt.Errorf("%w: %s is inside %s", ErrSelfReference, t.dst.URI(), src.URI())
		}
	}

	if src.IsDirectory() && !t.e.opts.NestTopLevel {
		return t.transferContents(ctx, srcClient, src)
	}
	return t.processDocument(ctx, src, t.dst, 0)
}

// transferContents copies the children of a top-level directory straight
// into the destination. A moved directory is removed once it is empty.
func (t *transfer) transferContents(ctx context.Context, srcClient provider.Client, dir provider.Document) error {
	children, err := t.e.queryChildren(ctx, srcClient, dir)
	if err != nil {
		if !isCancel(err) {
			t.e.metrics.failure(SubOpQueryChildren)
		}
		return err
	}
	if _, err := t.processChildren(ctx, dir, children, t.dst, 1); err != nil {
		return err
	}
	if t.op == OpMove {
		return t.deleteSource(ctx, srcClient, dir)
	}
	return nil
}

// processDocument transfers src into dstDir, preferring the provider's own
// copy or move and falling back to a streaming copy.
func (t *transfer) processDocument(ctx context.Context, src, dstDir provider.Document, depth int) error {
	if t.sink.cancelled() {
		return errCancelled
	}
	if depth > t.e.opts.MaxDepth {
		return fmt.Errorf("%w: %s", ErrTooDeep, src.URI())
	}

	srcClient, err := t.e.registry.ClientFor(src)
	if err != nil {
		return err
	}
	dstClient, err := t.e.registry.ClientFor(dstDir)
	if err != nil {
		return err
	}

	if src.Authority == dstDir.Authority {
		tryMove := t.op == OpMove && src.Flags.Has(provider.FlagSupportsMove)
		tryCopy := src.Flags.Has(provider.FlagSupportsCopy)
		var weight int64
		if tryMove || tryCopy {
			weight = t.weigh(ctx, srcClient, src)
		}
		if tryMove {
			ok, err := srcClient.TryOptimizedMove(ctx, src, dstDir)
			if t.optimized(src, weight, ok, err, SubOpQuickMove) {
				return err
			}
		}
		if tryCopy {
			ok, err := srcClient.TryOptimizedCopy(ctx, src, dstDir)
			if t.optimized(src, weight, ok, err, SubOpQuickCopy) {
				if err == nil && t.op == OpMove {
					return t.deleteSource(ctx, srcClient, src)
				}
				return err
			}
		}
	}

	if err := t.byteCopyDocument(ctx, srcClient, dstClient, src, dstDir, depth); err != nil {
		return err
	}
	if t.op == OpMove {
		return t.deleteSource(ctx, srcClient, src)
	}
	return nil
}

// optimized reports whether an optimized attempt settled the document. A
// provider that performed the operation but returned an error settles it as
// a failure. A plain error means the streaming path should be tried. A landed
// transfer adds weight bytes to the progress.
func (t *transfer) optimized(src provider.Document, weight int64, ok bool, err error, subOp string) bool {
	if ok {
		if err != nil {
			t.e.metrics.failure(subOp)
			return true
		}
		if weight > 0 {
			t.sink.bytesCopied(weight)
		}
		t.e.metrics.documentTransferred(t.op, ModeOptimized)
		return true
	}
	if err != nil {
		if isCancel(err) {
			return true
		}
		t.e.metrics.failure(subOp)
		t.logger.Warn("optimized transfer failed, falling back to streaming", "source", src.URI(), "op", subOp, "error", err)
	}
	return false
}

// weigh returns the bytes src stands for in a byte tracker. Providers move
// directories whole, so a directory is sized before the attempt.
func (t *transfer) weigh(ctx context.Context, client provider.Client, src provider.Document) int64 {
	if !src.IsDirectory() {
		return max(src.Size, 0)
	}
	n, err := (&sizeWalker{engine: t.e, client: client}).Walk(ctx, src)
	if err != nil {
		t.logger.Debug("could not size directory for optimized transfer", "document", src.URI(), "error", err)
		return 0
	}
	return n
}

func (t *transfer) byteCopyDocument(ctx context.Context, srcClient, dstClient provider.Client, src, dstDir provider.Document, depth int) error {
	mime, name := src.MimeType, src.Name
	convert := false
	if src.IsVirtual() {
		types, err := srcClient.StreamTypes(ctx, src)
		if err != nil {
			t.e.metrics.failure(SubOpStreamTypes)
			return fmt.Errorf("stream types for %s: %w", src.URI(), err)
		}
		if len(types) == 0 {
			t.e.metrics.failure(SubOpStreamTypes)
			return fmt.Errorf("%w: %s", ErrNoStreamTypes, src.URI())
		}
		mime = types[0]
		name = provider.DisplayNameFor(src.Name, mime)
		convert = true
	}

	id, err := dstClient.Create(ctx, dstDir, mime, name)
	if err != nil {
		t.e.metrics.failure(SubOpCreateDocument)
		return fmt.Errorf("create %q in %s: %w", name, dstDir.URI(), err)
	}
	if id == "" {
		t.e.metrics.failure(SubOpCreateDocument)
		return fmt.Errorf("%w: %q in %s", ErrCreateFailed, name, dstDir.URI())
	}
	dst, err := dstClient.Query(ctx, id)
	if err != nil {
		t.e.metrics.failure(SubOpCreateDocument)
		return fmt.Errorf("query created document %s: %w", id, err)
	}
	if err := dst.Validate(); err != nil {
		return err
	}

	if src.IsDirectory() {
		return t.copyDirectory(ctx, srcClient, dstClient, src, dst, depth)
	}
	return t.copyFile(ctx, srcClient, dstClient, src, dst, mime, convert)
}

// copyDirectory fills the freshly created dst with the children of src. When
// nothing below src arrives, dst is deleted again so a failed subtree leaves
// no empty directories behind.
func (t *transfer) copyDirectory(ctx context.Context, srcClient, dstClient provider.Client, src, dst provider.Document, depth int) error {
	children, err := t.e.queryChildren(ctx, srcClient, src)
	if err != nil {
		if !isCancel(err) {
			t.e.metrics.failure(SubOpQueryChildren)
			t.cleanup(ctx, dstClient, dst)
		}
		return err
	}
	kept, err := t.processChildren(ctx, src, children, dst, depth+1)
	var dirErr *DirectoryError
	if errors.As(err, &dirErr) && kept == 0 {
		t.cleanup(ctx, dstClient, dst)
		dirErr.Removed = true
	}
	return err
}

// processChildren transfers each child of dir into dstDir. Failed children
// do not stop their siblings; they are collected into a DirectoryError. kept
// counts the children that left something at the destination.
func (t *transfer) processChildren(ctx context.Context, dir provider.Document, children []provider.Document, dstDir provider.Document, depth int) (int, error) {
	var kept int
	var failed []Failure
	for _, child := range children {
		if t.sink.cancelled() {
			return kept, errCancelled
		}
		err := t.processDocument(ctx, child, dstDir, depth)
		switch {
		case err == nil:
			kept++
		case isFatal(err), isCancel(err):
			return kept, err
		default:
			if keptAtDestination(err) {
				kept++
			}
			t.logger.Warn("document failed", "document", child.URI(), "error", err)
			failed = append(failed, Failure{Document: child, Err: err})
		}
	}
	if len(failed) > 0 {
		return kept, &DirectoryError{Dir: dir, Failed: failed}
	}
	return kept, nil
}

func (t *transfer) copyFile(ctx context.Context, srcClient, dstClient provider.Client, src, dst provider.Document, mime string, convert bool) error {
	var in io.ReadCloser
	var err error
	if convert {
		in, err = srcClient.OpenConvertedRead(ctx, src, mime)
	} else {
		in, err = srcClient.OpenRead(ctx, src)
	}
	if err != nil {
		t.e.metrics.failure(SubOpOpenRead)
		t.cleanup(ctx, dstClient, dst)
		return fmt.Errorf("open %s: %w", src.URI(), err)
	}
	defer in.Close()

	out, err := dstClient.OpenWrite(ctx, dst)
	if err != nil {
		t.e.metrics.failure(SubOpOpenWrite)
		t.cleanup(ctx, dstClient, dst)
		return fmt.Errorf("open %s for writing: %w", dst.URI(), err)
	}

	var body io.Reader = in
	var source *ChecksumReader
	if t.e.opts.Verify {
		h := t.e.checksums.Get()
		defer t.e.checksums.Put(h)
		source = NewChecksumReader(in, h)
		body = source
	}

	err = t.stream(body, out)
	if closeErr := out.Close(); err == nil && closeErr != nil {
		t.e.metrics.failure(SubOpWrite)
		err = fmt.Errorf("close %s: %w", dst.URI(), closeErr)
	}
	if err == nil && source != nil {
		err = t.verifyCopy(ctx, dstClient, dst, source)
	}
	if err != nil {
		t.cleanup(ctx, dstClient, dst)
		return err
	}

	mode := ModeConventional
	if convert {
		mode = ModeConverted
		t.sink.documentConverted(src)
	}
	t.e.metrics.documentTransferred(t.op, mode)
	return nil
}

// stream copies in to out one buffer at a time, reporting progress and
// checking for cancellation between chunks.
func (t *transfer) stream(in io.Reader, out io.Writer) error {
	if err := t.copyChunks(in, out); err != nil {
		return err
	}
	return syncWriter(out, t.e.metrics)
}

// verifyCopy reads dst back from its provider once it is closed and compares
// it with what was read from the source.
func (t *transfer) verifyCopy(ctx context.Context, client provider.Client, dst provider.Document, source *ChecksumReader) error {
	r, err := client.OpenRead(ctx, dst)
	if err != nil {
		t.e.metrics.failure(SubOpVerify)
		return fmt.Errorf("reopen %s to verify: %w", dst.URI(), err)
	}
	defer r.Close()

	h := t.e.checksums.Get()
	defer t.e.checksums.Put(h)
	copied := NewChecksumReader(r, h)
	if _, err := io.Copy(io.Discard, copied); err != nil {
		t.e.metrics.failure(SubOpVerify)
		return fmt.Errorf("read back %s: %w", dst.URI(), err)
	}
	if err := compareChecksums(source, copied); err != nil {
		t.e.metrics.failure(SubOpVerify)
		return fmt.Errorf("verify %s: %w", dst.URI(), err)
	}
	return nil
}

func (t *transfer) copyChunks(r io.Reader, w io.Writer) error {
	bufp := t.e.buffers.Get()
	defer t.e.buffers.Put(bufp)
	buf := *bufp

	for {
		if t.sink.cancelled() {
			return errCancelled
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			written, werr := w.Write(buf[:n])
			if werr != nil {
				t.e.metrics.failure(SubOpWrite)
				return fmt.Errorf("write: %w", werr)
			}
			if written < n {
				t.e.metrics.failure(SubOpWrite)
				return io.ErrShortWrite
			}
			t.e.metrics.bytesCopied(int64(n))
			t.sink.bytesCopied(int64(n))
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			t.e.metrics.failure(SubOpRead)
			return fmt.Errorf("read: %w", rerr)
		}
	}
}

// syncWriter flushes w to stable storage when it supports it. Targets that
// cannot sync, such as pipes or read-only mounts, are not an error.
func syncWriter(w io.Writer, m *Metrics) error {
	s, ok := w.(interface{ Sync() error })
	if !ok {
		return nil
	}
	if err := s.Sync(); err != nil && !errors.Is(err, unix.EINVAL) && !errors.Is(err, unix.EROFS) {
		m.failure(SubOpSync)
		return fmt.Errorf("sync: %w", err)
	}
	return nil
}

// cleanup removes a partially written destination. It runs even after the
// job context is cancelled.
func (t *transfer) cleanup(ctx context.Context, client provider.Client, doc provider.Document) {
	if err := client.Delete(context.WithoutCancel(ctx), doc); err != nil {
		t.e.metrics.failure(SubOpDeleteDocument)
		t.logger.Warn("failed to remove partial destination", "document", doc.URI(), "error", err)
	}
}

// deleteSource finishes a move. The copy already exists, so the delete is
// not abandoned on cancellation.
func (t *transfer) deleteSource(ctx context.Context, client provider.Client, src provider.Document) error {
	if err := client.Delete(context.WithoutCancel(ctx), src); err != nil {
		t.e.metrics.failure(SubOpDeleteDocument)
		return fmt.Errorf("delete %s after move: %w", src.URI(), err)
	}
	return nil
}
