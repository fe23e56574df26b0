package provider

import (
	"context"
	"testing"
	"time"
)

var timeZero time.Time

func TestS3Provider_ImplementsClient(t *testing.T) {
	var _ Client = (*S3Provider)(nil)
}

func TestS3Provider_BuildKey(t *testing.T) {
	tests := []struct {
		id     string
		expect string
	}{
		{"test.txt", "test.txt"},
		{"/test.txt", "test.txt"},
		{"/some/path.txt", "some/path.txt"},
		{"some//path.txt", "some/path.txt"},
		{"/a/b/", "a/b"},
		{"/", ""},
		{"", ""},
	}

	p := &S3Provider{bucket: "b"}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			actual := p.buildKey(tt.id)
			if actual != tt.expect {
				t.Errorf("buildKey(%q) = %q; want %q", tt.id, actual, tt.expect)
			}
		})
	}
}

func TestS3Provider_DirPrefix(t *testing.T) {
	p := &S3Provider{bucket: "b"}
	if got := p.dirPrefix(RootID); got != "" {
		t.Errorf("dirPrefix(root) = %q", got)
	}
	if got := p.dirPrefix("/data/reports"); got != "data/reports/" {
		t.Errorf("dirPrefix(/data/reports) = %q", got)
	}
}

func TestS3Provider_Documents(t *testing.T) {
	p := &S3Provider{bucket: "bucket"}
	if got := p.Authority(); got != "s3://bucket" {
		t.Errorf("Authority() = %q", got)
	}

	file := p.fileDoc("/a/report.pdf", 42, "", timeZero)
	if file.MimeType != "application/pdf" {
		t.Errorf("expected mime from extension, got %q", file.MimeType)
	}
	if !file.Flags.Has(FlagSupportsCopy) || file.IsDirectory() {
		t.Errorf("unexpected flags %b", file.Flags)
	}
	if err := file.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
	if file.URI() != "s3://bucket/a/report.pdf" {
		t.Errorf("URI() = %q", file.URI())
	}

	unknown := p.fileDoc("/a/blob", 1, "binary/octet-stream", timeZero)
	if unknown.MimeType != DefaultMimeType {
		t.Errorf("expected default mime, got %q", unknown.MimeType)
	}

	dir := p.dirDoc("/a")
	if !dir.IsDirectory() || dir.HasSize() {
		t.Errorf("unexpected dir %+v", dir)
	}
	if err := dir.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
	if root := p.dirDoc(RootID); root.Name != "bucket" {
		t.Errorf("root name = %q", root.Name)
	}
}

func TestS3Provider_IsDescendantAndFreeSpace(t *testing.T) {
	p := &S3Provider{bucket: "bucket"}
	ctx := context.Background()
	a := p.dirDoc("/a")
	b := p.dirDoc("/a/b")

	if ok, _ := p.IsDescendant(ctx, b, a); !ok {
		t.Errorf("expected /a/b below /a")
	}
	if ok, _ := p.IsDescendant(ctx, a, b); ok {
		t.Errorf("expected /a not below /a/b")
	}
	if ok, _ := p.IsDescendant(ctx, p.dirDoc("/ab"), a); ok {
		t.Errorf("expected /ab not below /a")
	}
	if ok, _ := p.IsDescendant(ctx, a, p.dirDoc(RootID)); !ok {
		t.Errorf("expected /a below the bucket root")
	}
	if free, err := p.FreeSpace(ctx, a); err != nil || free != -1 {
		t.Errorf("FreeSpace = %d, %v; want unreported", free, err)
	}
}
