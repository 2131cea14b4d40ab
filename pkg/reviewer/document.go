package reviewer

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Document is a generated review plus the pull request metadata that
// goes into the persisted file. It is immutable once written.
type Document struct {
	GeneratedAt time.Time
	Repository  string
	Title       string
	URL         string
	Author      string
	Review      string
	Number      int
}

// filename builds the deterministic document name from the repository,
// PR number, and generation timestamp.
func (d Document) filename() string {
	repo := strings.ReplaceAll(d.Repository, "/", "_")
	return fmt.Sprintf("review_%s_PR_%d_%s.md", repo, d.Number, d.GeneratedAt.Format("20060102_150405"))
}

// render produces the markdown document body.
func (d Document) render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Code Review for PR #%d: %s\n\n", d.Number, d.Title)
	fmt.Fprintf(&b, "**Repository**: %s\n\n", d.Repository)
	if d.URL != "" {
		fmt.Fprintf(&b, "**PR URL**: [%s](%s)\n\n", d.URL, d.URL)
	}
	fmt.Fprintf(&b, "**Author**: %s\n\n", d.Author)
	fmt.Fprintf(&b, "**Review Generated**: %s\n\n", d.GeneratedAt.Format("2006-01-02 15:04:05"))
	b.WriteString("---\n\n")
	b.WriteString(d.Review)
	return b.String()
}

// save writes the document all-or-nothing: content goes to a temp file
// first and is renamed into place, so an interrupt never leaves a
// partial review behind.
func (r *Reviewer) save(doc Document) (string, error) {
	if err := os.MkdirAll(r.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	path := filepath.Join(r.outputDir, doc.filename())

	tmp, err := os.CreateTemp(r.outputDir, ".review-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(doc.render()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to write review: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to move review into place: %w", err)
	}
	return path, nil
}
