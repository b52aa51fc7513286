package labels

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Table is the ordered, immutable class vocabulary. Index i maps to the i-th
// non-empty line of the label resource.
type Table struct {
	names []string
}

// NewTable builds a table from already-parsed names.
func NewTable(names []string) *Table {
	return &Table{names: append([]string(nil), names...)}
}

// Load reads a newline-delimited label resource. A missing or unreadable
// resource yields an empty table along with the error so that startup can go
// on; every lookup then uses the fallback name.
func Load(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return &Table{}, fmt.Errorf("unable to open label file %v: %w", path, err)
	}
	defer f.Close()

	t, err := Parse(f)
	if err != nil {
		return &Table{}, fmt.Errorf("unable to read label file %v: %w", path, err)
	}
	return t, nil
}

// Parse reads labels from r, skipping blank lines.
func Parse(r io.Reader) (*Table, error) {
	var names []string

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if name := strings.TrimSpace(scanner.Text()); name != "" {
			names = append(names, name)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return &Table{names: names}, nil
}

// Len returns the number of labels.
func (t *Table) Len() int {
	return len(t.names)
}

// Lookup returns the label at index i if it is within bounds.
func (t *Table) Lookup(i int) (string, bool) {
	if i < 0 || i >= len(t.names) {
		return "", false
	}
	return t.names[i], true
}

// Name returns the label at index i, or the placeholder "Class {i}" when the
// index is out of bounds. The boolean reports whether the table had an entry.
func (t *Table) Name(i int) (string, bool) {
	if name, ok := t.Lookup(i); ok {
		return name, true
	}
	return FallbackName(i), false
}

// FallbackName is the synthetic label used for indices outside the table.
func FallbackName(i int) string {
	return fmt.Sprintf("Class %d", i)
}
