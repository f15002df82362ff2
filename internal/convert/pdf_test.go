package convert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"testing"
)

type stubRunner struct {
	pages   int
	text    string
	textErr error
	calls   []string
}

func (s *stubRunner) Run(_ context.Context, name string, _ *slog.Logger, args ...string) ([]byte, []byte, error) {
	s.calls = append(s.calls, name)
	switch name {
	case "pdftoppm":
		prefix := args[len(args)-1]
		width := len(fmt.Sprint(s.pages))
		for i := 1; i <= s.pages; i++ {
			file := fmt.Sprintf("%s-%0*d.png", prefix, width, i)
			if err := os.WriteFile(file, []byte(fmt.Sprintf("png-%d", i)), 0o600); err != nil {
				return nil, nil, err
			}
		}
		return nil, nil, nil
	case "pdftotext":
		if s.textErr != nil {
			return nil, []byte("no text"), s.textErr
		}
		return []byte(s.text), nil, nil
	}
	return nil, nil, fmt.Errorf("unexpected command %s", name)
}

func TestConvert_PagesInOrderWithText(t *testing.T) {
	r := &stubRunner{pages: 11, text: "first\fsecond\f"}
	c := NewPDFConverter(Config{}, nil, WithRunner(r))

	pages, err := c.Convert(context.Background(), []byte("%PDF-1.7"))
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if len(pages) != 11 {
		t.Fatalf("got %d pages", len(pages))
	}
	for i, p := range pages {
		if p.PageNumber != i+1 {
			t.Fatalf("page %d has number %d", i, p.PageNumber)
		}
		if string(p.Image) != fmt.Sprintf("png-%d", i+1) || p.MimeType != "image/png" {
			t.Fatalf("page %d image %q %s", i, p.Image, p.MimeType)
		}
	}
	if pages[0].Text != "first" || pages[1].Text != "second" || pages[2].Text != "" {
		t.Fatalf("texts %q %q %q", pages[0].Text, pages[1].Text, pages[2].Text)
	}
}

func TestConvert_MaxPages(t *testing.T) {
	r := &stubRunner{pages: 5}
	c := NewPDFConverter(Config{MaxPages: 2}, nil, WithRunner(r))
	pages, err := c.Convert(context.Background(), []byte("%PDF"))
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if len(pages) != 2 {
		t.Fatalf("got %d pages, want 2", len(pages))
	}
}

func TestConvert_TextLayerFailureIsNotFatal(t *testing.T) {
	r := &stubRunner{pages: 1, textErr: errors.New("exit 1")}
	c := NewPDFConverter(Config{}, nil, WithRunner(r))
	pages, err := c.Convert(context.Background(), []byte("%PDF"))
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if len(pages) != 1 || pages[0].Text != "" {
		t.Fatalf("pages %+v", pages)
	}
}

func TestConvert_NoPages(t *testing.T) {
	c := NewPDFConverter(Config{}, nil, WithRunner(&stubRunner{}))
	if _, err := c.Convert(context.Background(), []byte("%PDF")); err == nil {
		t.Fatal("expected error when nothing is rendered")
	}
	if _, err := c.Convert(context.Background(), nil); err == nil {
		t.Fatal("expected error for empty input")
	}
}
