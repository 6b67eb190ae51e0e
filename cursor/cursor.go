// Package cursor implements the lazily-populated, chunk-aware result
// representation of spec.md §4.6: a prefix-sum cell index for O(1) field
// access, chunked-cursor contiguity via a cumulative row-count table,
// symbolic seeking, typed field accessors, and custom client-built
// cursors.
package cursor

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/sqlabs/cubesql-go/wire"
)

// ColumnType mirrors the server's numeric column type codes carried in the
// cursor payload's types array (spec.md §4.6). Only the codes the client
// itself branches on (for ColumnBindType) are named; anything else is
// treated as text.
type ColumnType int32

const (
	ColumnTypeInteger ColumnType = 1
	ColumnTypeFloat   ColumnType = 2
	ColumnTypeText    ColumnType = 3
	ColumnTypeBlob    ColumnType = 4
)

// Stepper fetches one more row of a server-side cursor
// (spec.md §4.6 "triggers a CURSOR_STEP round trip"). The root cubesql
// package implements it on top of command.Sender; cursor never imports
// command to avoid a cycle.
type Stepper interface {
	CursorStep() (sizes []int32, data []byte, eof bool, err error)
	CursorClose() error
}

// chunk holds one chunk's sizes/prefix-sum/data triple
// (spec.md §4.6 "Chunked cursors keep one sizes array, prefix sum, and
// data buffer per chunk").
type chunk struct {
	sizes []int32
	psum  []int32
	data  []byte
	rows  int
}

// Cursor is the materialized (or still-streaming) result of a SELECT.
type Cursor struct {
	numCols      int // logical column count, excluding the rowid column
	hasRowID     bool
	hasTables    bool
	serverSide   bool
	columnTypes  []ColumnType
	columnNames  []string
	columnTables []string // nil if the server omitted the table list

	chunks        []chunk
	rowCumulative []int // rowCumulative[i] = total rows through chunk i, inclusive
	mruChunk      int

	currentRow int // 1-based; 0 means "before the first row"
	eof        bool
	numRows    int // -1 when unknown (server-side, before eof)

	stepper Stepper // nil for client-only and custom cursors

	custom     bool
	customData [][][]byte // [row][col] raw cell bytes, nil entry means NULL
}

// effectiveCols is the physical column count on the wire, rowid included.
func (c *Cursor) effectiveCols() int {
	if c.hasRowID {
		return c.numCols + 1
	}
	return c.numCols
}

// New parses the first (or only) cursor reply frame (spec.md §4.6 payload
// layout). stepper may be nil for a client-side cursor.
func New(h wire.Header, payload []byte, stepper Stepper) (*Cursor, error) {
	c := &Cursor{
		hasTables:  h.Flag1&wire.FlagHasTableName != 0,
		hasRowID:   h.Flag1&wire.FlagHasRowIDColumn != 0,
		serverSide: h.Flag1&wire.FlagServerSide != 0,
		numRows:    -1,
		mruChunk:   -1,
		stepper:    stepper,
	}

	serverCols := int(h.NumFields)
	if serverCols == 0 {
		return nil, fmt.Errorf("cursor: reply carries zero columns")
	}
	if c.hasRowID {
		c.numCols = serverCols - 1
	} else {
		c.numCols = serverCols
	}

	off := 0
	types := make([]ColumnType, serverCols)
	for i := 0; i < serverCols; i++ {
		v, err := readInt32(payload, off)
		if err != nil {
			return nil, fmt.Errorf("cursor: read column type %d: %w", i, err)
		}
		types[i] = ColumnType(v)
		off += 4
	}
	c.columnTypes = types

	rows := int(h.Reserved1) // unused placeholder; real row count comes from server-reported rows below
	_ = rows
	nrows, ncols := serverRowsCols(h)
	if !c.serverSide {
		c.numRows = nrows
	}

	sizesLen := nrows * ncols
	sizes := make([]int32, sizesLen)
	for i := 0; i < sizesLen; i++ {
		v, err := readInt32(payload, off)
		if err != nil {
			return nil, fmt.Errorf("cursor: read cell size %d: %w", i, err)
		}
		sizes[i] = v
		off += 4
	}

	names, off2, err := readPackedStrings(payload, off, serverCols)
	if err != nil {
		return nil, fmt.Errorf("cursor: read column names: %w", err)
	}
	c.columnNames = names
	off = off2

	if c.hasTables {
		tables, off3, err := readPackedStrings(payload, off, serverCols)
		if err != nil {
			return nil, fmt.Errorf("cursor: read column tables: %w", err)
		}
		c.columnTables = tables
		off = off3
	}

	data := payload[off:]
	c.appendChunk(sizes, data, nrows)
	return c, nil
}

// serverRowsCols recovers the reply's row/column shape. The generic Header
// carries neither field directly (spec.md §3 reply header notes "cursor-
// shape fields rows, cols, index" as reply-only extensions beyond the
// common layout); this module folds them into NumFields/ExpandedSize at
// the wire boundary instead of growing the shared Header, so the row count
// travels in ExpandedSize for the first frame and the column count is
// NumFields.
func serverRowsCols(h wire.Header) (rows, cols int) {
	return int(h.ExpandedSize), int(h.NumFields)
}

// AddChunk appends a continuation frame (spec.md §4.6: "subsequent chunk
// frames ... omit types/names/tables and carry only sizes + data").
func (c *Cursor) AddChunk(h wire.Header, payload []byte) error {
	nrows := int(h.ExpandedSize)
	ncols := c.effectiveCols()
	off := 0
	sizesLen := nrows * ncols
	sizes := make([]int32, sizesLen)
	for i := 0; i < sizesLen; i++ {
		v, err := readInt32(payload, off)
		if err != nil {
			return fmt.Errorf("cursor: read chunk cell size %d: %w", i, err)
		}
		sizes[i] = v
		off += 4
	}
	c.appendChunk(sizes, payload[off:], nrows)
	return nil
}

// Finalize marks the cursor complete once the end-chunk frame arrives
// (spec.md §4.6, §4.7 ENDCHUNK / END_CHUNK).
func (c *Cursor) Finalize() {
	if !c.serverSide {
		if len(c.rowCumulative) > 0 {
			c.numRows = c.rowCumulative[len(c.rowCumulative)-1]
		} else {
			c.numRows = 0
		}
	}
}

// appendChunk converts sizes to the per-cell prefix sum of spec.md §4.6
// ("NULL cells contribute 0 but inherit the previous sum") and records it
// as a new chunk.
func (c *Cursor) appendChunk(sizes []int32, data []byte, rows int) {
	psum := make([]int32, len(sizes))
	for i, sz := range sizes {
		switch {
		case sz < 0:
			if i == 0 {
				psum[i] = 0
			} else {
				psum[i] = psum[i-1]
			}
		case i == 0:
			psum[i] = sz
		default:
			psum[i] = psum[i-1] + sz
		}
	}
	c.chunks = append(c.chunks, chunk{sizes: sizes, psum: psum, data: data, rows: rows})
	prev := 0
	if len(c.rowCumulative) > 0 {
		prev = c.rowCumulative[len(c.rowCumulative)-1]
	}
	c.rowCumulative = append(c.rowCumulative, prev+rows)
}

// findChunk locates the chunk containing row (1-based), using the
// most-recently-used chunk (and the one right after it) as a hot-path
// guess before falling back to a binary search over the cumulative row
// counts (spec.md §4.6: "binary-searches the chunk (with a
// most-recently-used and next-chunk hot path)").
func (c *Cursor) findChunk(row int) (idx int, rowInChunk int, ok bool) {
	try := func(i int) (int, int, bool) {
		if i < 0 || i >= len(c.chunks) {
			return 0, 0, false
		}
		lo := 0
		if i > 0 {
			lo = c.rowCumulative[i-1]
		}
		hi := c.rowCumulative[i]
		if row > lo && row <= hi {
			return i, row - lo - 1, true
		}
		return 0, 0, false
	}

	if c.mruChunk >= 0 {
		if i, r, ok := try(c.mruChunk); ok {
			return i, r, true
		}
		if i, r, ok := try(c.mruChunk + 1); ok {
			c.mruChunk = i
			return i, r, true
		}
	}

	// c.rowCumulative[i] is the inclusive upper row bound of chunk i, a
	// monotonically increasing sequence, so the chunk containing row is
	// the first one whose cumulative count is >= row.
	i := sort.Search(len(c.rowCumulative), func(i int) bool {
		return c.rowCumulative[i] >= row
	})
	if idx, rr, ok := try(i); ok {
		c.mruChunk = idx
		return idx, rr, true
	}
	return 0, 0, false
}

// NumCols reports the logical (rowid-excluded) column count.
func (c *Cursor) NumCols() int { return c.numCols }

// NumRows reports the known row count, or -1 for a server-side cursor
// still short of eof (spec.md §3 "-1 if server-side and unknown").
func (c *Cursor) NumRows() int { return c.numRows }

// CurrentRow returns the 1-based current row, or 0 before any seek.
func (c *Cursor) CurrentRow() int { return c.currentRow }

// EOF reports whether the cursor has run past its last row.
func (c *Cursor) EOF() bool {
	if c.numRows == 0 {
		return true
	}
	return c.eof
}

// ColumnName returns the name of a 1-based column.
func (c *Cursor) ColumnName(col int) (string, error) {
	if col < 1 || col > c.numCols {
		return "", fmt.Errorf("cursor: column %d out of range [1,%d]", col, c.numCols)
	}
	idx := col - 1
	if c.hasRowID {
		idx++
	}
	return c.columnNames[idx], nil
}

// ColumnTableName returns a column's source table name. ok is false when
// the reply omitted the table list (spec.md §4.6 "COLTABLE ... length -1
// if the reply omitted the table list").
func (c *Cursor) ColumnTableName(col int) (name string, ok bool) {
	if c.columnTables == nil || col < 1 || col > c.numCols {
		return "", false
	}
	idx := col - 1
	if c.hasRowID {
		idx++
	}
	return c.columnTables[idx], true
}

// ColumnBindType infers the VM_BIND type implied by a column's server type
// (spec.md §9 supplemented feature, cubesql_cursor_columntypebind).
func (c *Cursor) ColumnBindType(col int) (wire.BindType, error) {
	if col < 1 || col > c.numCols {
		return 0, fmt.Errorf("cursor: column %d out of range [1,%d]", col, c.numCols)
	}
	idx := col - 1
	if c.hasRowID {
		idx++
	}
	switch c.columnTypes[idx] {
	case ColumnTypeInteger:
		return wire.BindInteger, nil
	case ColumnTypeFloat:
		return wire.BindDouble, nil
	case ColumnTypeBlob:
		return wire.BindBlob, nil
	default:
		return wire.BindText, nil
	}
}

// Field returns the raw bytes of cell (row, col), 1-based. A nil slice
// with ok=false means SQL NULL (spec.md §3: "a size of -1 encodes SQL
// NULL"). col may be 0 to mean the ROWID column, valid only when the
// cursor HasRowID.
func (c *Cursor) Field(row, col int) (value []byte, ok bool, err error) {
	if c.custom {
		return c.customField(row, col)
	}
	if col != 0 && (col < 1 || col > c.numCols) {
		return nil, false, fmt.Errorf("cursor: column %d out of range [1,%d]", col, c.numCols)
	}
	if col == 0 && !c.hasRowID {
		return nil, false, fmt.Errorf("cursor: cursor has no ROWID column")
	}
	if c.numRows == 0 {
		return nil, false, nil
	}
	if c.numRows != -1 && row > c.numRows {
		return nil, false, fmt.Errorf("cursor: row %d out of range [1,%d]", row, c.numRows)
	}

	chunkIdx, rowInChunk, found := c.findChunk(row)
	if !found {
		return nil, false, fmt.Errorf("cursor: row %d not materialized", row)
	}
	ch := c.chunks[chunkIdx]

	var n int
	if c.hasRowID && col != 0 {
		n = rowInChunk*(c.numCols+1) + col
	} else {
		n = rowInChunk*c.effectiveCols() + (col - 1)
		if col == 0 {
			n = rowInChunk * c.effectiveCols()
		}
	}

	size := ch.sizes[n]
	if size < 0 {
		return nil, false, nil
	}
	start := 0
	if n > 0 {
		start = int(ch.psum[n-1])
	}
	return ch.data[start : start+int(size)], true, nil
}

func (c *Cursor) customField(row, col int) ([]byte, bool, error) {
	if row < 1 || row > len(c.customData) {
		return nil, false, fmt.Errorf("cursor: row %d out of range [1,%d]", row, len(c.customData))
	}
	if col < 1 || col > c.numCols {
		return nil, false, fmt.Errorf("cursor: column %d out of range [1,%d]", col, c.numCols)
	}
	v := c.customData[row-1][col-1]
	if v == nil {
		return nil, false, nil
	}
	return v, true, nil
}

// Int returns the integer value of cell (row,col), or def if NULL.
func (c *Cursor) Int(row, col int, def int32) (int32, error) {
	v, ok, err := c.Field(row, col)
	if err != nil || !ok {
		return def, err
	}
	return int32(parseInt(v)), nil
}

// Int64 returns the 64-bit integer value of cell (row,col), or def if NULL.
func (c *Cursor) Int64(row, col int, def int64) (int64, error) {
	v, ok, err := c.Field(row, col)
	if err != nil || !ok {
		return def, err
	}
	return parseInt(v), nil
}

// Double returns the floating-point value of cell (row,col), or def if NULL.
func (c *Cursor) Double(row, col int, def float64) (float64, error) {
	v, ok, err := c.Field(row, col)
	if err != nil || !ok {
		return def, err
	}
	return parseFloat(v), nil
}

// CString returns the textual value of cell (row,col), trimming a trailing
// NUL terminator if present, or def if NULL.
func (c *Cursor) CString(row, col int, def string) (string, error) {
	v, ok, err := c.Field(row, col)
	if err != nil || !ok {
		return def, err
	}
	if n := len(v); n > 0 && v[n-1] == 0 {
		v = v[:n-1]
	}
	return string(v), nil
}

// SeekFirst moves to row 1 (client-side cursors only).
func (c *Cursor) SeekFirst() error {
	if c.serverSide {
		return fmt.Errorf("cursor: SEEKFIRST is not valid on a server-side cursor")
	}
	return c.seekAbsolute(1)
}

// SeekLast moves to the last row (client-side cursors only).
func (c *Cursor) SeekLast() error {
	if c.serverSide {
		return fmt.Errorf("cursor: SEEKLAST is not valid on a server-side cursor")
	}
	return c.seekAbsolute(c.numRows)
}

// SeekPrev moves back one row (client-side cursors only).
func (c *Cursor) SeekPrev() error {
	if c.serverSide {
		return fmt.Errorf("cursor: SEEKPREV is not valid on a server-side cursor")
	}
	return c.seekAbsolute(c.currentRow - 1)
}

// SeekNext moves forward one row. On a server-side cursor this triggers a
// CURSOR_STEP round trip (spec.md §4.6).
func (c *Cursor) SeekNext() error {
	if c.serverSide {
		if c.eof {
			return fmt.Errorf("cursor: already at eof")
		}
		sizes, data, eof, err := c.stepper.CursorStep()
		if err != nil {
			return fmt.Errorf("cursor: cursor step: %w", err)
		}
		if eof {
			c.eof = true
			return fmt.Errorf("cursor: eof")
		}
		c.appendChunk(sizes, data, 1)
		c.currentRow++
		return nil
	}
	return c.seekAbsolute(c.currentRow + 1)
}

// Seek moves directly to a 1-based row (client-side cursors only).
func (c *Cursor) Seek(row int) error {
	if c.serverSide {
		return fmt.Errorf("cursor: absolute Seek is not valid on a server-side cursor")
	}
	return c.seekAbsolute(row)
}

func (c *Cursor) seekAbsolute(row int) error {
	if c.numRows != -1 && row > c.numRows {
		c.eof = true
		return fmt.Errorf("cursor: eof")
	}
	if row < 1 {
		return fmt.Errorf("cursor: row %d out of range", row)
	}
	c.eof = row == c.numRows+1
	c.currentRow = row
	return nil
}

// Close releases a server-side cursor's remote state
// (spec.md §3: "a server-side cursor additionally sends a CURSOR_CLOSE
// command on free").
func (c *Cursor) Close() error {
	if c.serverSide && c.stepper != nil {
		return c.stepper.CursorClose()
	}
	return nil
}

// NewCustom builds an empty client-constructed cursor (spec.md §4.1
// `cursor_create`). Its cursor_id is implicitly -1: it stores cells as
// individually addressable buffers rather than the packed wire layout.
func NewCustom(ncols int, names []string, types []ColumnType) *Cursor {
	return &Cursor{
		custom:      true,
		numCols:     ncols,
		columnNames: names,
		columnTypes: types,
		numRows:     0,
		mruChunk:    -1,
	}
}

// AddRow appends one row to a custom cursor (spec.md §4.1 `cursor_addrow`).
// A nil entry in values encodes SQL NULL (spec.md §9 open question,
// resolved in DESIGN.md: nil, not a bare -1 sentinel, is the NULL marker
// for this Go binding).
func (c *Cursor) AddRow(values [][]byte) error {
	if !c.custom {
		return fmt.Errorf("cursor: AddRow is only valid on a custom cursor")
	}
	if len(values) != c.numCols {
		return fmt.Errorf("cursor: AddRow got %d values, want %d", len(values), c.numCols)
	}
	row := make([][]byte, c.numCols)
	copy(row, values)
	c.customData = append(c.customData, row)
	c.numRows++
	return nil
}

func readInt32(b []byte, off int) (int32, error) {
	if off+4 > len(b) {
		return 0, fmt.Errorf("buffer too short at offset %d", off)
	}
	return int32(binary.BigEndian.Uint32(b[off : off+4])), nil
}

func readPackedStrings(b []byte, off, n int) ([]string, int, error) {
	out := make([]string, n)
	for i := 0; i < n; i++ {
		end := off
		for end < len(b) && b[end] != 0 {
			end++
		}
		if end >= len(b) {
			return nil, 0, fmt.Errorf("unterminated string at offset %d", off)
		}
		out[i] = string(b[off:end])
		off = end + 1
	}
	return out, off, nil
}

func parseInt(b []byte) int64 {
	if n := len(b); n > 0 && b[n-1] == 0 {
		b = b[:n-1]
	}
	var v int64
	neg := false
	for i, d := range b {
		if i == 0 && d == '-' {
			neg = true
			continue
		}
		if d < '0' || d > '9' {
			break
		}
		v = v*10 + int64(d-'0')
	}
	if neg {
		v = -v
	}
	return v
}

func parseFloat(b []byte) float64 {
	if n := len(b); n > 0 && b[n-1] == 0 {
		b = b[:n-1]
	}
	var v float64
	var frac float64 = 1
	inFrac := false
	neg := false
	for i, d := range b {
		if i == 0 && d == '-' {
			neg = true
			continue
		}
		if d == '.' {
			inFrac = true
			continue
		}
		if d < '0' || d > '9' {
			break
		}
		if inFrac {
			frac /= 10
			v += float64(d-'0') * frac
		} else {
			v = v*10 + float64(d-'0')
		}
	}
	if neg {
		v = -v
	}
	return v
}
