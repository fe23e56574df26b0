package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"sync"
	"time"
)

// Op names a MemoryProvider operation for fault injection.
type Op string

const (
	OpQuery         Op = "query"
	OpList          Op = "list"
	OpStreamTypes   Op = "stream_types"
	OpOpenRead      Op = "open_read"
	OpRead          Op = "read"
	OpOpenWrite     Op = "open_write"
	OpCreate        Op = "create"
	OpDelete        Op = "delete"
	OpOptimizedCopy Op = "optimized_copy"
	OpOptimizedMove Op = "optimized_move"
	OpDescendant    Op = "descendant"
	OpFreeSpace     Op = "free_space"
)

type memNode struct {
	doc         Document
	parent      string
	children    []string
	data        []byte
	streamTypes []string
	converted   map[string][]byte
	loading     chan struct{}
}

// MemoryProvider is an in-process document tree. Directories can be put into
// a loading state to exercise the listing wait loop, and any operation can be
// made to fail for a given document.
type MemoryProvider struct {
	authority string

	mu          sync.Mutex
	nodes       map[string]*memNode
	nextID      int
	failures    map[Op]map[string]error
	emptyCreate map[string]bool
	freeSpace   int64
	openWriters int
	openReaders int
	queries     map[string]int
}

// NewMemoryProvider creates an empty tree whose root has id RootID.
func NewMemoryProvider(authority string) *MemoryProvider {
	p := &MemoryProvider{
		authority:   authority,
		nodes:       make(map[string]*memNode),
		failures:    make(map[Op]map[string]error),
		emptyCreate: make(map[string]bool),
		freeSpace:   -1,
		queries:     make(map[string]int),
	}
	p.nodes[RootID] = &memNode{doc: Document{
		Authority: authority,
		ID:        RootID,
		Name:      "root",
		MimeType:  MimeTypeDir,
		Size:      -1,
		Flags:     FlagDirectory | FlagSupportsWrite,
	}}
	return p
}

// Authority implements Client.
func (p *MemoryProvider) Authority() string { return p.authority }

// Root returns the root directory document.
func (p *MemoryProvider) Root() Document {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nodes[RootID].doc
}

func (p *MemoryProvider) add(parentID string, doc Document) Document {
	parent, ok := p.nodes[parentID]
	if !ok {
		panic(fmt.Sprintf("memory provider: no parent %q", parentID))
	}
	p.nextID++
	doc.Authority = p.authority
	doc.ID = path.Join(parentID, strconv.Itoa(p.nextID))
	if doc.ModTime.IsZero() {
		doc.ModTime = time.Now()
	}
	p.nodes[doc.ID] = &memNode{doc: doc, parent: parentID}
	parent.children = append(parent.children, doc.ID)
	return doc
}

// AddDir adds a directory under parentID.
func (p *MemoryProvider) AddDir(parentID, name string, extra Flags) Document {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.add(parentID, Document{
		Name:     name,
		MimeType: MimeTypeDir,
		Size:     -1,
		Flags:    FlagDirectory | FlagSupportsWrite | FlagSupportsDelete | extra,
	})
}

// AddFile adds a file under parentID holding data.
func (p *MemoryProvider) AddFile(parentID, name, mimeType string, data []byte, extra Flags) Document {
	p.mu.Lock()
	defer p.mu.Unlock()
	doc := p.add(parentID, Document{
		Name:     name,
		MimeType: mimeType,
		Size:     int64(len(data)),
		Flags:    FlagSupportsWrite | FlagSupportsDelete | extra,
	})
	p.nodes[doc.ID].data = append([]byte(nil), data...)
	return doc
}

// AddVirtual adds a virtual document readable as each of the given types.
// Stream types keep the order of the types slice.
func (p *MemoryProvider) AddVirtual(parentID, name, mimeType string, types []string, converted map[string][]byte) Document {
	p.mu.Lock()
	defer p.mu.Unlock()
	doc := p.add(parentID, Document{
		Name:     name,
		MimeType: mimeType,
		Size:     -1,
		Flags:    FlagVirtual | FlagSupportsDelete,
	})
	n := p.nodes[doc.ID]
	n.streamTypes = append([]string(nil), types...)
	n.converted = make(map[string][]byte, len(converted))
	for k, v := range converted {
		n.converted[k] = append([]byte(nil), v...)
	}
	return doc
}

// SetSize overrides the advertised size of a document.
func (p *MemoryProvider) SetSize(id string, size int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nodes[id].doc.Size = size
}

// SetFreeSpace sets the value reported by FreeSpace. Negative means unreported.
func (p *MemoryProvider) SetFreeSpace(n int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.freeSpace = n
}

// SetLoading makes listings of dirID report Loading until FinishLoading.
func (p *MemoryProvider) SetLoading(dirID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nodes[dirID].loading = make(chan struct{})
}

// FinishLoading completes a pending load and notifies waiting listers.
func (p *MemoryProvider) FinishLoading(dirID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.nodes[dirID]
	if n.loading != nil {
		close(n.loading)
		n.loading = nil
	}
}

// FailOn makes op fail with err for the document id. A nil err clears it.
func (p *MemoryProvider) FailOn(op Op, id string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failures[op], id)
		return
	}
	if p.failures[op] == nil {
		p.failures[op] = make(map[string]error)
	}
	p.failures[op][id] = err
}

// CreateReturnsNoID makes Create under parentID succeed without an id.
func (p *MemoryProvider) CreateReturnsNoID(parentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.emptyCreate[parentID] = true
}

// OpenStreams returns the number of readers and writers not yet closed.
func (p *MemoryProvider) OpenStreams() (readers, writers int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.openReaders, p.openWriters
}

// QueryCount returns how many times the children of dirID were listed.
func (p *MemoryProvider) QueryCount(dirID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queries[dirID]
}

// Data returns a copy of a file's bytes.
func (p *MemoryProvider) Data(id string) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.nodes[id]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), n.data...), true
}

// Lookup finds a document by slash separated display names from the root.
func (p *MemoryProvider) Lookup(names ...string) (Document, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cur := p.nodes[RootID]
	for _, name := range names {
		var next *memNode
		for _, id := range cur.children {
			if c := p.nodes[id]; c.doc.Name == name {
				next = c
				break
			}
		}
		if next == nil {
			return Document{}, false
		}
		cur = next
	}
	return cur.doc, true
}

// Children returns the display names under dirID in listing order.
func (p *MemoryProvider) Children(dirID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var names []string
	for _, id := range p.nodes[dirID].children {
		names = append(names, p.nodes[id].doc.Name)
	}
	return names
}

func (p *MemoryProvider) failure(op Op, id string) error {
	if err, ok := p.failures[op][id]; ok {
		return err
	}
	return nil
}

func (p *MemoryProvider) node(id string) (*memNode, error) {
	n, ok := p.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, errNotExist)
	}
	return n, nil
}

var errNotExist = errors.New("document does not exist")

// Query implements Client.
func (p *MemoryProvider) Query(ctx context.Context, id string) (Document, error) {
	if err := checkCtx(ctx); err != nil {
		return Document{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failure(OpQuery, id); err != nil {
		return Document{}, err
	}
	n, err := p.node(id)
	if err != nil {
		return Document{}, err
	}
	return n.doc, nil
}

// ListChildren implements Client.
func (p *MemoryProvider) ListChildren(ctx context.Context, dir Document) (*Listing, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queries[dir.ID]++
	if err := p.failure(OpList, dir.ID); err != nil {
		return nil, err
	}
	n, err := p.node(dir.ID)
	if err != nil {
		return nil, err
	}
	listing := &Listing{}
	for _, id := range n.children {
		listing.Children = append(listing.Children, p.nodes[id].doc)
	}
	if n.loading != nil {
		listing.Loading = true
		listing.Changed = n.loading
	}
	return listing, nil
}

// StreamTypes implements Client.
func (p *MemoryProvider) StreamTypes(ctx context.Context, doc Document) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failure(OpStreamTypes, doc.ID); err != nil {
		return nil, err
	}
	n, err := p.node(doc.ID)
	if err != nil {
		return nil, err
	}
	if n.doc.IsVirtual() {
		return append([]string(nil), n.streamTypes...), nil
	}
	return []string{n.doc.MimeType}, nil
}

func (p *MemoryProvider) openReader(doc Document, data []byte) io.ReadCloser {
	p.openReaders++
	r := &memReader{p: p, r: bytes.NewReader(data)}
	if err := p.failure(OpRead, doc.ID); err != nil {
		r.failAfter = int64(len(data) / 2)
		r.err = err
	}
	return r
}

// OpenRead implements Client.
func (p *MemoryProvider) OpenRead(ctx context.Context, doc Document) (io.ReadCloser, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failure(OpOpenRead, doc.ID); err != nil {
		return nil, err
	}
	n, err := p.node(doc.ID)
	if err != nil {
		return nil, err
	}
	if n.doc.IsDirectory() || n.doc.IsVirtual() {
		return nil, fmt.Errorf("%s has no byte stream", doc.URI())
	}
	return p.openReader(doc, n.data), nil
}

// OpenConvertedRead implements Client.
func (p *MemoryProvider) OpenConvertedRead(ctx context.Context, doc Document, mimeType string) (io.ReadCloser, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failure(OpOpenRead, doc.ID); err != nil {
		return nil, err
	}
	n, err := p.node(doc.ID)
	if err != nil {
		return nil, err
	}
	data, ok := n.converted[mimeType]
	if !ok {
		if n.doc.IsVirtual() || mimeType != n.doc.MimeType {
			return nil, fmt.Errorf("%w: %s as %s", ErrConversionUnsupported, doc.URI(), mimeType)
		}
		data = n.data
	}
	return p.openReader(doc, data), nil
}

// OpenWrite implements Client. Bytes become visible when the writer is closed.
func (p *MemoryProvider) OpenWrite(ctx context.Context, doc Document) (io.WriteCloser, error) {
	if err := checkCtx(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failure(OpOpenWrite, doc.ID); err != nil {
		return nil, err
	}
	n, err := p.node(doc.ID)
	if err != nil {
		return nil, err
	}
	if n.doc.IsDirectory() {
		return nil, fmt.Errorf("%s is a directory", doc.URI())
	}
	p.openWriters++
	return &memWriter{p: p, id: doc.ID}, nil
}

// Create implements Client.
func (p *MemoryProvider) Create(ctx context.Context, parent Document, mimeType, name string) (string, error) {
	if err := checkCtx(ctx); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failure(OpCreate, parent.ID); err != nil {
		return "", err
	}
	if p.emptyCreate[parent.ID] {
		return "", nil
	}
	if _, err := p.node(parent.ID); err != nil {
		return "", err
	}
	doc := Document{
		Name:     name,
		MimeType: mimeType,
		Size:     0,
		Flags:    FlagSupportsWrite | FlagSupportsDelete,
	}
	if mimeType == MimeTypeDir {
		doc.Flags |= FlagDirectory
		doc.Size = -1
	}
	return p.add(parent.ID, doc).ID, nil
}

func (p *MemoryProvider) remove(id string) {
	n, ok := p.nodes[id]
	if !ok {
		return
	}
	for _, c := range append([]string(nil), n.children...) {
		p.remove(c)
	}
	if parent, ok := p.nodes[n.parent]; ok {
		for i, c := range parent.children {
			if c == id {
				parent.children = append(parent.children[:i], parent.children[i+1:]...)
				break
			}
		}
	}
	delete(p.nodes, id)
}

// Delete implements Client.
func (p *MemoryProvider) Delete(ctx context.Context, doc Document) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failure(OpDelete, doc.ID); err != nil {
		return err
	}
	if doc.ID == RootID {
		return fmt.Errorf("refusing to delete root of %s", p.authority)
	}
	if _, err := p.node(doc.ID); err != nil {
		return err
	}
	p.remove(doc.ID)
	return nil
}

func (p *MemoryProvider) clone(id, parentID string) {
	src := p.nodes[id]
	doc := src.doc
	cp := p.add(parentID, doc)
	n := p.nodes[cp.ID]
	n.data = append([]byte(nil), src.data...)
	n.streamTypes = src.streamTypes
	n.converted = src.converted
	for _, c := range src.children {
		p.clone(c, cp.ID)
	}
}

// TryOptimizedCopy implements Client for documents flagged FlagSupportsCopy.
func (p *MemoryProvider) TryOptimizedCopy(ctx context.Context, src, dstDir Document) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failure(OpOptimizedCopy, src.ID); err != nil {
		return false, err
	}
	n, err := p.node(src.ID)
	if err != nil {
		return false, err
	}
	if !n.doc.Flags.Has(FlagSupportsCopy) {
		return false, nil
	}
	if _, err := p.node(dstDir.ID); err != nil {
		return false, err
	}
	p.clone(src.ID, dstDir.ID)
	return true, nil
}

// TryOptimizedMove implements Client for documents flagged FlagSupportsMove.
func (p *MemoryProvider) TryOptimizedMove(ctx context.Context, src, dstDir Document) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failure(OpOptimizedMove, src.ID); err != nil {
		return false, err
	}
	n, err := p.node(src.ID)
	if err != nil {
		return false, err
	}
	if !n.doc.Flags.Has(FlagSupportsMove) {
		return false, nil
	}
	if _, err := p.node(dstDir.ID); err != nil {
		return false, err
	}
	p.clone(src.ID, dstDir.ID)
	p.remove(src.ID)
	return true, nil
}

// IsDescendant implements Client by walking parent links.
func (p *MemoryProvider) IsDescendant(ctx context.Context, doc, ancestor Document) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failure(OpDescendant, doc.ID); err != nil {
		return false, err
	}
	n, ok := p.nodes[doc.ID]
	for ok && n.parent != "" {
		if n.parent == ancestor.ID {
			return true, nil
		}
		n, ok = p.nodes[n.parent]
	}
	return false, nil
}

// FreeSpace implements Client.
func (p *MemoryProvider) FreeSpace(ctx context.Context, dir Document) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failure(OpFreeSpace, dir.ID); err != nil {
		return -1, err
	}
	return p.freeSpace, nil
}

type memReader struct {
	p         *MemoryProvider
	r         *bytes.Reader
	read      int64
	failAfter int64
	err       error
	closed    bool
}

func (r *memReader) Read(b []byte) (int, error) {
	if r.err != nil && r.read >= r.failAfter {
		return 0, r.err
	}
	if r.err != nil && int64(len(b)) > r.failAfter-r.read {
		b = b[:r.failAfter-r.read]
	}
	n, err := r.r.Read(b)
	r.read += int64(n)
	return n, err
}

func (r *memReader) Close() error {
	r.p.mu.Lock()
	defer r.p.mu.Unlock()
	if !r.closed {
		r.closed = true
		r.p.openReaders--
	}
	return nil
}

type memWriter struct {
	p      *MemoryProvider
	id     string
	buf    bytes.Buffer
	closed bool
}

func (w *memWriter) Write(b []byte) (int, error) {
	return w.buf.Write(b)
}

func (w *memWriter) Close() error {
	w.p.mu.Lock()
	defer w.p.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	w.p.openWriters--
	n, ok := w.p.nodes[w.id]
	if !ok {
		return fmt.Errorf("%s: %w", w.id, errNotExist)
	}
	n.data = append([]byte(nil), w.buf.Bytes()...)
	n.doc.Size = int64(len(n.data))
	return nil
}
