package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/franksops/docmover/provider"
)

// resolver turns command line arguments into documents, creating one provider
// per local volume, S3 bucket or memory tree and registering it.
type resolver struct {
	registry *provider.Registry
	logger   *slog.Logger
	locals   map[string]*provider.LocalProvider
	buckets  map[string]*provider.S3Provider
	memory   map[string]*provider.MemoryProvider

	// newS3 connects a provider to bucket.
	newS3 func(ctx context.Context, bucket string) (*provider.S3Provider, error)
}

func newResolver(logger *slog.Logger) *resolver {
	r := &resolver{
		registry: provider.NewRegistry(),
		logger:   logger,
		locals:   make(map[string]*provider.LocalProvider),
		buckets:  make(map[string]*provider.S3Provider),
		memory:   make(map[string]*provider.MemoryProvider),
	}
	r.newS3 = func(ctx context.Context, bucket string) (*provider.S3Provider, error) {
		return provider.NewS3Provider(ctx, bucket, r.logger)
	}
	return r
}

// resolve maps arg to a document. Local paths share one provider per volume
// and S3 locations one per bucket, so nested arguments are recognised as
// such and transfers within a volume or bucket stay optimized.
func (r *resolver) resolve(ctx context.Context, arg string) (provider.Document, error) {
	if rest, ok := strings.CutPrefix(arg, "s3://"); ok {
		return r.resolveS3(ctx, rest)
	}
	if rest, ok := strings.CutPrefix(arg, memScheme); ok {
		return r.resolveMemory(rest)
	}
	return r.resolveLocal(ctx, arg)
}

func (r *resolver) resolveLocal(ctx context.Context, arg string) (provider.Document, error) {
	abs, err := filepath.Abs(arg)
	if err != nil {
		return provider.Document{}, fmt.Errorf("resolve %q: %w", arg, err)
	}
	root := filepath.VolumeName(abs) + string(filepath.Separator)

	p, ok := r.locals[root]
	if !ok {
		p, err = provider.NewLocalProvider(root, r.logger)
		if err != nil {
			return provider.Document{}, err
		}
		r.locals[root] = p
		r.registry.Register(p)
	}

	id, err := p.IDForPath(abs)
	if err != nil {
		return provider.Document{}, err
	}
	doc, err := p.Query(ctx, id)
	if err != nil {
		return provider.Document{}, fmt.Errorf("%s: %w", arg, err)
	}
	return doc, nil
}

// resolveS3 maps bucket/key to an object or key prefix. A bare bucket is its
// root directory.
func (r *resolver) resolveS3(ctx context.Context, loc string) (provider.Document, error) {
	bucket, key, _ := strings.Cut(loc, "/")
	if bucket == "" {
		return provider.Document{}, fmt.Errorf("s3://%s: missing bucket", loc)
	}

	p, ok := r.buckets[bucket]
	if !ok {
		var err error
		p, err = r.newS3(ctx, bucket)
		if err != nil {
			return provider.Document{}, err
		}
		r.buckets[bucket] = p
		r.registry.Register(p)
	}

	doc, err := p.Query(ctx, provider.IDForKey(key))
	if err != nil {
		return provider.Document{}, fmt.Errorf("s3://%s: %w", loc, err)
	}
	return doc, nil
}

const memScheme = "mem://"

// resolveMemory maps mem://NAME to the root of an in-process tree. Copying
// into one reads every source document without writing anything durable.
func (r *resolver) resolveMemory(name string) (provider.Document, error) {
	name = strings.Trim(name, "/")
	if name == "" || strings.Contains(name, "/") {
		return provider.Document{}, fmt.Errorf("%s%s: expected %sNAME", memScheme, name, memScheme)
	}

	p, ok := r.memory[name]
	if !ok {
		p = provider.NewMemoryProvider(memScheme + name)
		r.memory[name] = p
		r.registry.Register(p)
	}
	return p.Root(), nil
}

// ephemeral reports whether doc lives in an in-process tree that is discarded
// when the command exits.
func (r *resolver) ephemeral(doc provider.Document) bool {
	return strings.HasPrefix(doc.Authority, memScheme)
}
