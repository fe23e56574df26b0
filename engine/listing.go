package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/franksops/docmover/provider"
)

// DefaultListingTimeout bounds a single wait for a loading listing.
const DefaultListingTimeout = 60 * time.Second

// queryChildren lists dir and keeps re-querying while the provider reports
// that more results are loading. Each wait ends on the provider's change
// notification, job cancellation or timeout, whichever comes first.
func (e *Engine) queryChildren(ctx context.Context, client provider.Client, dir provider.Document) ([]provider.Document, error) {
	for {
		listing, err := client.ListChildren(ctx, dir)
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", dir.URI(), err)
		}

		if !listing.Loading {
			for _, child := range listing.Children {
				if err := child.Validate(); err != nil {
					return nil, err
				}
				if child.Authority != client.Authority() {
					return nil, fmt.Errorf("%w: child %s reported by %s", provider.ErrMalformedDocument, child.URI(), client.Authority())
				}
			}
			return listing.Children, nil
		}

		e.logger.Debug("listing still loading, waiting", "dir", dir.URI(), "timeout", e.opts.ListingTimeout)
		timer := time.NewTimer(e.opts.ListingTimeout)
		select {
		case <-listing.Changed:
			timer.Stop()
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
			return nil, fmt.Errorf("%w: %s after %s", ErrListingTimeout, dir.URI(), e.opts.ListingTimeout)
		}
	}
}
