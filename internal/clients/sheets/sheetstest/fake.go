// Package sheetstest provides an in-memory sheets.ValuesAPI.
package sheetstest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/yungbote/leadsync-backend/internal/clients/sheets"
)

// Fake stores a single worksheet as a grid of strings. Row 1 is grid[0].
type Fake struct {
	mu     sync.Mutex
	grid   [][]string
	failFn func(op string) error

	Gets    int
	Appends int
	Updates int
}

// New returns a fake whose first row holds the layout headers.
func New(layout *sheets.Layout) *Fake {
	f := &Fake{}
	if layout != nil {
		hdr := make([]string, len(layout.Columns))
		for i, c := range layout.Columns {
			hdr[i] = c.Header
		}
		f.setRow(layout.HeaderRow, hdr)
	}
	return f
}

// FailWith makes every call consult fn; a non-nil return fails the call.
func (f *Fake) FailWith(fn func(op string) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failFn = fn
}

func (f *Fake) fail(op string) error {
	if f.failFn == nil {
		return nil
	}
	return f.failFn(op)
}

func (f *Fake) Get(ctx context.Context, rng string) ([][]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Gets++
	if err := f.fail("get"); err != nil {
		return nil, err
	}
	a, err := sheets.ParseA1(rng)
	if err != nil {
		return nil, err
	}
	end := a.EndRow
	if end == 0 || end > len(f.grid) {
		end = len(f.grid)
	}
	var out [][]string
	for r := a.StartRow; r <= end; r++ {
		row := f.grid[r-1]
		var cells []string
		for c := a.StartCol; c <= a.EndCol && c < len(row); c++ {
			cells = append(cells, row[c])
		}
		out = append(out, trimRight(cells))
	}
	for len(out) > 0 && len(out[len(out)-1]) == 0 {
		out = out[:len(out)-1]
	}
	return out, nil
}

func (f *Fake) Append(ctx context.Context, rng string, row []interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Appends++
	if err := f.fail("append"); err != nil {
		return "", err
	}
	a, err := sheets.ParseA1(rng)
	if err != nil {
		return "", err
	}
	last := len(f.grid)
	for last > 0 && len(trimRight(f.grid[last-1])) == 0 {
		last--
	}
	target := last + 1
	cells := make([]string, len(row))
	for i, v := range row {
		cells[i] = userEntered(v)
	}
	f.setRow(target, cells)
	return fmt.Sprintf("%s!%s%d:%s%d", a.Sheet, sheets.ColumnLetter(0), target, sheets.ColumnLetter(len(row)-1), target), nil
}

func (f *Fake) BatchUpdate(ctx context.Context, cells map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Updates++
	if err := f.fail("batch_update"); err != nil {
		return err
	}
	for rng, v := range cells {
		a, err := sheets.ParseA1(rng)
		if err != nil {
			return err
		}
		f.setCell(a.StartRow, a.StartCol, userEntered(v))
	}
	return nil
}

// Rows returns a copy of all non-header rows that hold any value.
func (f *Fake) Rows(headerRow int) [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out [][]string
	for i := headerRow; i < len(f.grid); i++ {
		row := trimRight(f.grid[i])
		if len(row) == 0 {
			continue
		}
		out = append(out, append([]string(nil), row...))
	}
	return out
}

// Cell reads one cell; row is 1-based, col zero-based.
func (f *Fake) Cell(row, col int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if row-1 >= len(f.grid) || col >= len(f.grid[row-1]) {
		return ""
	}
	return f.grid[row-1][col]
}

// SetRow seeds a row directly.
func (f *Fake) SetRow(row int, cells []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setRow(row, cells)
}

func (f *Fake) setRow(row int, cells []string) {
	for len(f.grid) < row {
		f.grid = append(f.grid, nil)
	}
	f.grid[row-1] = append([]string(nil), cells...)
}

func (f *Fake) setCell(row, col int, v string) {
	for len(f.grid) < row {
		f.grid = append(f.grid, nil)
	}
	for len(f.grid[row-1]) <= col {
		f.grid[row-1] = append(f.grid[row-1], "")
	}
	f.grid[row-1][col] = v
}

// userEntered mimics USER_ENTERED for text: a leading apostrophe only
// forces the literal and is not stored.
func userEntered(v interface{}) string {
	return strings.TrimPrefix(fmt.Sprint(v), "'")
}

func trimRight(cells []string) []string {
	n := len(cells)
	for n > 0 && strings.TrimSpace(cells[n-1]) == "" {
		n--
	}
	return cells[:n]
}
