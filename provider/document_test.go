package provider

import (
	"errors"
	"testing"
)

func TestDocument_Validate(t *testing.T) {
	tests := []struct {
		name    string
		doc     Document
		wantErr bool
	}{
		{"file", Document{Authority: "a", ID: "/x", MimeType: "text/plain", Size: 3}, false},
		{"dir", Document{Authority: "a", ID: "/d", MimeType: MimeTypeDir, Flags: FlagDirectory}, false},
		{"no authority", Document{ID: "/x"}, true},
		{"no id", Document{Authority: "a"}, true},
		{"dir with file mime", Document{Authority: "a", ID: "/d", MimeType: "text/plain", Flags: FlagDirectory}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.doc.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrMalformedDocument) {
				t.Errorf("expected ErrMalformedDocument, got %v", err)
			}
		})
	}
}

func TestDocument_HasSize(t *testing.T) {
	if (Document{Size: -1}).HasSize() {
		t.Errorf("negative size should be unknown")
	}
	if !(Document{Size: 0}).HasSize() {
		t.Errorf("zero size is known")
	}
	if (Document{Size: 10, Flags: FlagDirectory}).HasSize() {
		t.Errorf("directory sizes are never used")
	}
}

func TestExtensionForMime(t *testing.T) {
	tests := []struct {
		mime string
		ext  string
		ok   bool
	}{
		{"text/plain", "txt", true},
		{"text/plain; charset=utf-8", "txt", true},
		{"application/pdf", "pdf", true},
		{"image/jpeg", "jpg", true},
		{"application/vnd.openxmlformats-officedocument.wordprocessingml.document", "docx", true},
		{"text/markdown", "md", true},
		{"application/yaml; charset=utf-8", "yaml", true},
		{"application/x-definitely-unknown", "", false},
	}
	for _, tt := range tests {
		ext, ok := ExtensionForMime(tt.mime)
		if ext != tt.ext || ok != tt.ok {
			t.Errorf("ExtensionForMime(%q) = %q, %v; want %q, %v", tt.mime, ext, ok, tt.ext, tt.ok)
		}
	}

	if got := DisplayNameFor("doc", "text/plain"); got != "doc.txt" {
		t.Errorf("DisplayNameFor = %q", got)
	}
	if got := DisplayNameFor("doc.txt", "text/plain"); got != "doc.txt" {
		t.Errorf("DisplayNameFor kept extension = %q", got)
	}
	if got := DisplayNameFor("doc", "application/x-definitely-unknown"); got != "doc" {
		t.Errorf("DisplayNameFor unknown = %q", got)
	}
}

func TestRegistry(t *testing.T) {
	a := NewMemoryProvider("mem://a")
	r := NewRegistry(a)

	c, err := r.ClientFor(a.Root())
	if err != nil || c != Client(a) {
		t.Fatalf("ClientFor = %v, %v", c, err)
	}
	if _, err := r.Client("mem://missing"); !errors.Is(err, ErrUnknownAuthority) {
		t.Errorf("expected ErrUnknownAuthority, got %v", err)
	}
}
