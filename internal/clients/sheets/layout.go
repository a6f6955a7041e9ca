package sheets

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed layout.yaml
var defaultLayoutYAML []byte

// Column keys the lead sheet store addresses. Any other key in a layout is
// carried along as an opaque presentation column.
const (
	ColTimestamp          = "timestamp"
	ColBusinessID         = "business_id"
	ColName               = "name"
	ColPhone              = "phone"
	ColEmail              = "email"
	ColLocation           = "location"
	ColProduct            = "product"
	ColSource             = "source"
	ColMessage            = "message"
	ColRemark             = "remark"
	ColStage              = "stage"
	ColAssignedAgent      = "assigned_agent"
	ColStatus             = "status"
	ColRegistrationNumber = "registration_number"
)

type Column struct {
	Key     string `yaml:"key"`
	Header  string `yaml:"header"`
	Formula string `yaml:"formula,omitempty"`
}

// Layout is the fixed worksheet column order.
type Layout struct {
	SheetName string   `yaml:"sheet_name"`
	HeaderRow int      `yaml:"header_row"`
	Columns   []Column `yaml:"columns"`

	index map[string]int
}

// DefaultLayout returns the embedded layout.
func DefaultLayout() (*Layout, error) {
	return ParseLayout(defaultLayoutYAML)
}

// LoadLayout reads a yaml layout from path, or the embedded default when
// path is empty.
func LoadLayout(path string) (*Layout, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return DefaultLayout()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sheet layout: %w", err)
	}
	return ParseLayout(raw)
}

func ParseLayout(raw []byte) (*Layout, error) {
	var l Layout
	if err := yaml.Unmarshal(raw, &l); err != nil {
		return nil, fmt.Errorf("parse sheet layout: %w", err)
	}
	if strings.TrimSpace(l.SheetName) == "" {
		return nil, fmt.Errorf("sheet layout: sheet_name required")
	}
	if l.HeaderRow <= 0 {
		l.HeaderRow = 1
	}
	l.index = make(map[string]int, len(l.Columns))
	for i, c := range l.Columns {
		key := strings.TrimSpace(c.Key)
		if key == "" {
			return nil, fmt.Errorf("sheet layout: column %d has no key", i+1)
		}
		if _, dup := l.index[key]; dup {
			return nil, fmt.Errorf("sheet layout: duplicate column key %q", key)
		}
		l.index[key] = i
	}
	for _, required := range []string{ColPhone, ColTimestamp} {
		if _, ok := l.index[required]; !ok {
			return nil, fmt.Errorf("sheet layout: missing required column %q", required)
		}
	}
	return &l, nil
}

// Index is the zero-based column position of key.
func (l *Layout) Index(key string) (int, bool) {
	i, ok := l.index[key]
	return i, ok
}

// Letter is the A1 column letter of key, or "" when the layout lacks it.
func (l *Layout) Letter(key string) string {
	i, ok := l.index[key]
	if !ok {
		return ""
	}
	return ColumnLetter(i)
}

func (l *Layout) LastLetter() string { return ColumnLetter(len(l.Columns) - 1) }

// FirstDataRow is the first row below the header.
func (l *Layout) FirstDataRow() int { return l.HeaderRow + 1 }

// Formula renders a formula column, replacing {key} with column letters.
func (l *Layout) Formula(c Column) string {
	out := c.Formula
	for key, i := range l.index {
		out = strings.ReplaceAll(out, "{"+key+"}", ColumnLetter(i))
	}
	return out
}

// ColumnRange is the open-ended data range of one column, e.g. Leads!D2:D.
func (l *Layout) ColumnRange(key string) string {
	col := l.Letter(key)
	return fmt.Sprintf("%s!%s%d:%s", quoteSheet(l.SheetName), col, l.FirstDataRow(), col)
}

// RowRange is the full width of one row, e.g. Leads!A5:Q5.
func (l *Layout) RowRange(row int) string {
	return fmt.Sprintf("%s!A%d:%s%d", quoteSheet(l.SheetName), row, l.LastLetter(), row)
}

// CellRange addresses a single cell, e.g. Leads!J5.
func (l *Layout) CellRange(key string, row int) string {
	return fmt.Sprintf("%s!%s%d", quoteSheet(l.SheetName), l.Letter(key), row)
}

// TableRange is the anchor used for appends.
func (l *Layout) TableRange() string {
	return fmt.Sprintf("%s!A%d:%s%d", quoteSheet(l.SheetName), l.HeaderRow, l.LastLetter(), l.HeaderRow)
}

// ColumnLetter converts a zero-based index into A1 letters (0 -> A, 26 -> AA).
func ColumnLetter(i int) string {
	if i < 0 {
		return ""
	}
	var b []byte
	for i >= 0 {
		b = append([]byte{byte('A' + i%26)}, b...)
		i = i/26 - 1
	}
	return string(b)
}

// ColumnIndex is the inverse of ColumnLetter.
func ColumnIndex(letters string) int {
	letters = strings.ToUpper(strings.TrimSpace(letters))
	if letters == "" {
		return -1
	}
	n := 0
	for _, r := range letters {
		if r < 'A' || r > 'Z' {
			return -1
		}
		n = n*26 + int(r-'A'+1)
	}
	return n - 1
}

// A1 is a parsed range. EndRow is 0 for open-ended ranges.
type A1 struct {
	Sheet    string
	StartCol int
	StartRow int
	EndCol   int
	EndRow   int
}

// ParseA1 understands the range shapes this package produces and the
// updatedRange strings the Sheets API returns ("Leads!A57:Q57").
func ParseA1(rng string) (A1, error) {
	var out A1
	sheet, cells, ok := strings.Cut(rng, "!")
	if !ok {
		return out, fmt.Errorf("range %q has no sheet", rng)
	}
	out.Sheet = strings.Trim(sheet, "'")
	start, end, hasEnd := strings.Cut(cells, ":")
	var err error
	out.StartCol, out.StartRow, err = splitCell(start)
	if err != nil {
		return out, fmt.Errorf("range %q: %w", rng, err)
	}
	if !hasEnd {
		out.EndCol, out.EndRow = out.StartCol, out.StartRow
		return out, nil
	}
	out.EndCol, out.EndRow, err = splitCell(end)
	if err != nil {
		return out, fmt.Errorf("range %q: %w", rng, err)
	}
	return out, nil
}

func splitCell(cell string) (col int, row int, err error) {
	i := 0
	for i < len(cell) && (cell[i] < '0' || cell[i] > '9') {
		i++
	}
	col = ColumnIndex(cell[:i])
	if col < 0 {
		return 0, 0, fmt.Errorf("bad column in %q", cell)
	}
	if i == len(cell) {
		return col, 0, nil
	}
	row, err = strconv.Atoi(cell[i:])
	if err != nil {
		return 0, 0, fmt.Errorf("bad row in %q", cell)
	}
	return col, row, nil
}

func quoteSheet(name string) string {
	if strings.ContainsAny(name, " '!") {
		return "'" + strings.ReplaceAll(name, "'", "''") + "'"
	}
	return name
}
