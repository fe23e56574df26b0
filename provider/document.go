package provider

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// MimeTypeDir is the mime type carried by every directory document.
const MimeTypeDir = "inode/directory"

// Flags is the capability set advertised by a document.
type Flags uint32

const (
	// FlagDirectory marks a node that has children instead of bytes.
	FlagDirectory Flags = 1 << iota
	// FlagVirtual marks a document with no direct byte stream. It can only be
	// read through one of its convertible stream types.
	FlagVirtual
	// FlagSupportsCopy marks a document the provider can copy natively.
	FlagSupportsCopy
	// FlagSupportsMove marks a document the provider can move natively.
	FlagSupportsMove
	// FlagSupportsDelete marks a document that can be removed.
	FlagSupportsDelete
	// FlagSupportsWrite marks a document that accepts a write stream.
	FlagSupportsWrite
)

// Has reports whether every bit in f2 is set.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

// ErrMalformedDocument is returned when a provider hands back a document that
// breaks the model's invariants. It is fatal for the job that observes it.
var ErrMalformedDocument = errors.New("malformed document")

// Document describes one node in a provider's namespace. Documents are values;
// a changed node is a new Document obtained by querying the provider again.
type Document struct {
	// Authority identifies the provider instance that owns ID.
	Authority string
	// ID is opaque and only meaningful within Authority.
	ID string

	Name     string
	MimeType string
	// Size is the byte size of a file. Negative means unknown.
	Size    int64
	Flags   Flags
	ModTime time.Time
}

// IsDirectory reports whether the document is a directory.
func (d Document) IsDirectory() bool { return d.Flags.Has(FlagDirectory) }

// IsVirtual reports whether the document must be read through a conversion.
func (d Document) IsVirtual() bool { return d.Flags.Has(FlagVirtual) }

// HasSize reports whether the document carries a usable byte size. Directory
// sizes are never used; their weight is the sum of their descendants.
func (d Document) HasSize() bool { return !d.IsDirectory() && d.Size >= 0 }

// Equal reports whether both documents name the same node.
func (d Document) Equal(other Document) bool {
	return d.Authority == other.Authority && d.ID == other.ID
}

// URI renders the document identity for logs and reports.
func (d Document) URI() string {
	return d.Authority + "/" + strings.TrimPrefix(d.ID, "/")
}

func (d Document) String() string {
	return fmt.Sprintf("%s (%s)", d.Name, d.URI())
}

// Validate checks the invariants every provider must uphold.
func (d Document) Validate() error {
	if d.Authority == "" {
		return fmt.Errorf("%w: empty authority for %q", ErrMalformedDocument, d.Name)
	}
	if d.ID == "" {
		return fmt.Errorf("%w: empty id for %q in %s", ErrMalformedDocument, d.Name, d.Authority)
	}
	if d.IsDirectory() && d.MimeType != MimeTypeDir {
		return fmt.Errorf("%w: directory %s has mime type %q", ErrMalformedDocument, d.URI(), d.MimeType)
	}
	return nil
}
