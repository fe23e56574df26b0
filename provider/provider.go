package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrUnknownAuthority is returned by a Registry that has no client for an authority.
var ErrUnknownAuthority = errors.New("unknown authority")

// Listing is the result of one children query.
type Listing struct {
	// Children are the documents found so far, in provider order.
	Children []Document

	// Loading is set when the provider is still gathering results. The caller
	// is expected to wait on Changed and issue the full query again.
	Loading bool

	// Changed is closed once when newer results are available for this query.
	// It is nil when Loading is false.
	Changed <-chan struct{}
}

// Client represents a storage backend that holds documents.
// A typical Client might be local storage, S3, or an in-process tree.
type Client interface {
	// Authority returns the namespace that owns every document of this client.
	Authority() string

	// Query returns the canonical document for id.
	Query(ctx context.Context, id string) (Document, error)

	// ListChildren lists the direct children of dir.
	ListChildren(ctx context.Context, dir Document) (*Listing, error)

	// StreamTypes returns the mime types a virtual document can be read as.
	StreamTypes(ctx context.Context, doc Document) ([]string, error)

	// OpenRead opens a document for streaming reads.
	OpenRead(ctx context.Context, doc Document) (io.ReadCloser, error)

	// OpenConvertedRead opens a virtual document converted to mimeType.
	OpenConvertedRead(ctx context.Context, doc Document, mimeType string) (io.ReadCloser, error)

	// OpenWrite opens an existing document for streaming writes, truncating it.
	OpenWrite(ctx context.Context, doc Document) (io.WriteCloser, error)

	// Create makes a new document under parent and returns its id.
	Create(ctx context.Context, parent Document, mimeType, name string) (string, error)

	// Delete removes a document. Directories are removed with their contents.
	Delete(ctx context.Context, doc Document) error

	// TryOptimizedCopy copies src into dstDir without streaming through the
	// caller. It returns false when the provider declined.
	TryOptimizedCopy(ctx context.Context, src, dstDir Document) (bool, error)

	// TryOptimizedMove is TryOptimizedCopy for moves.
	TryOptimizedMove(ctx context.Context, src, dstDir Document) (bool, error)

	// IsDescendant reports whether doc lives somewhere below ancestor.
	IsDescendant(ctx context.Context, doc, ancestor Document) (bool, error)

	// FreeSpace returns the bytes available under dir, or -1 when unreported.
	FreeSpace(ctx context.Context, dir Document) (int64, error)
}

// Registry resolves the client that owns a document.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client
}

// NewRegistry creates a registry holding the given clients.
func NewRegistry(clients ...Client) *Registry {
	r := &Registry{clients: make(map[string]Client)}
	for _, c := range clients {
		r.Register(c)
	}
	return r
}

// Register adds a client, replacing any previous client for the same authority.
func (r *Registry) Register(c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.Authority()] = c
}

// Client returns the client for authority.
func (r *Registry) Client(authority string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[authority]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAuthority, authority)
	}
	return c, nil
}

// ClientFor returns the client that owns doc.
func (r *Registry) ClientFor(doc Document) (Client, error) {
	return r.Client(doc.Authority)
}

func checkCtx(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
