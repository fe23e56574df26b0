package engine

import (
	"context"
	"fmt"

	"github.com/franksops/docmover/provider"
)

// sizeWalker totals the known sizes below a directory. It walks iteratively
// so deep trees do not grow the goroutine stack.
type sizeWalker struct {
	engine *Engine
	client provider.Client
}

// Walk returns the sum of every known, positive file size below root.
// Unknown or zero sizes contribute nothing.
func (w *sizeWalker) Walk(ctx context.Context, root provider.Document) (int64, error) {
	type walkItem struct {
		dir   provider.Document
		depth int
	}

	var total int64
	stack := []walkItem{{dir: root}}

	for len(stack) > 0 {
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}

		curr := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if curr.depth > w.engine.opts.MaxDepth {
			return total, fmt.Errorf("%w: %s", ErrTooDeep, curr.dir.URI())
		}

		children, err := w.engine.queryChildren(ctx, w.client, curr.dir)
		if err != nil {
			return total, err
		}

		for _, child := range children {
			if child.IsDirectory() {
				stack = append(stack, walkItem{dir: child, depth: curr.depth + 1})
			} else if child.Size > 0 {
				total += child.Size
			}
		}
	}

	return total, nil
}

// calculateSize returns the bytes a transfer of docs will copy. It fails if
// any directory cannot be listed, in which case the partial total is returned
// alongside the error.
func (e *Engine) calculateSize(ctx context.Context, docs []provider.Document) (int64, error) {
	var total int64
	for _, doc := range docs {
		if !doc.IsDirectory() {
			if doc.Size > 0 {
				total += doc.Size
			}
			continue
		}

		client, err := e.registry.ClientFor(doc)
		if err != nil {
			return total, err
		}
		w := &sizeWalker{engine: e, client: client}
		n, err := w.Walk(ctx, doc)
		total += n
		if err != nil {
			return total, fmt.Errorf("size %s: %w", doc.URI(), err)
		}
	}
	return total, nil
}

// CreateTracker picks the progress strategy for a set of sources. A known
// byte total gives a byte tracker. A total of zero gives a document tracker.
// A failed size walk gives an indeterminate tracker.
func (e *Engine) CreateTracker(ctx context.Context, sources []provider.Document, clock Clock) *Tracker {
	total, err := e.calculateSize(ctx, sources)
	if err != nil {
		e.logger.Warn("could not determine transfer size, progress will be indeterminate", "error", err)
		return NewIndeterminateTracker(total)
	}
	if total > 0 {
		return NewByteCountTracker(total, clock)
	}
	return NewDocumentCountTracker(int64(len(sources)), clock)
}
