// Package importer turns text, markdown and PDF files into entries.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/lifelog-app/lifelog/internal/entries"
	"github.com/lifelog-app/lifelog/internal/schema"
)

// ErrUnsupported is returned for files whose extension has no reader.
var ErrUnsupported = errors.New("unsupported file type")

// EntryAdder is the part of the entry store the importer writes through.
type EntryAdder interface {
	AddEntry(ctx context.Context, in entries.Input) (schema.Entry, error)
}

// Result summarises one imported file.
type Result struct {
	File    string
	Chunks  int
	Entries []string
}

type Importer struct {
	store  EntryAdder
	dryRun bool
	logger *slog.Logger
}

type Option func(*Importer)

// WithDryRun reads and splits files without writing entries.
func WithDryRun(v bool) Option {
	return func(i *Importer) { i.dryRun = v }
}

func WithLogger(l *slog.Logger) Option {
	return func(i *Importer) { i.logger = l }
}

func New(store EntryAdder, opts ...Option) *Importer {
	i := &Importer{store: store, logger: slog.Default()}
	for _, o := range opts {
		o(i)
	}
	return i
}

// ImportFile adds one entry per chunk of path, in file order, so each
// chunk's context window contains the chunks before it. A failed write
// stops the import; entries already added are kept and reported.
func (i *Importer) ImportFile(ctx context.Context, path string) (Result, error) {
	res := Result{File: path}
	text, err := ReadFile(path)
	if err != nil {
		return res, err
	}
	chunks := Chunks(text)
	res.Chunks = len(chunks)
	if i.dryRun {
		return res, nil
	}

	for n, c := range chunks {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		e, err := i.store.AddEntry(ctx, entries.Input{Text: c})
		if err != nil {
			return res, fmt.Errorf("%s chunk %d: %w", path, n+1, err)
		}
		res.Entries = append(res.Entries, e.ID)
	}
	i.logger.Info("imported file", "file", path, "entries", len(res.Entries))
	return res, nil
}

// ReadFile returns the plain text of a .txt, .md or .pdf file.
func ReadFile(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md", ".markdown":
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading %s: %w", path, err)
		}
		return string(data), nil
	case ".pdf":
		return readPDF(path)
	default:
		return "", fmt.Errorf("%s: %w", path, ErrUnsupported)
	}
}

func readPDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var b strings.Builder
	for n := 1; n <= r.NumPage(); n++ {
		p := r.Page(n)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("%s page %d: %w", path, n, err)
		}
		b.WriteString(text)
		// Pages never share a chunk.
		b.WriteString("\n\n")
	}
	return b.String(), nil
}

var blankLines = regexp.MustCompile(`\n[ \t]*\n`)

// Chunks splits text into paragraphs separated by blank lines. Paragraphs
// are trimmed and empty ones dropped.
func Chunks(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var out []string
	for _, p := range blankLines.Split(text, -1) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
