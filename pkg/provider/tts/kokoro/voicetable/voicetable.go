// Package voicetable reads and writes style-embedding tables for the local
// synthesis engine.
//
// The native format is a small header followed by raw float32 rows:
//
//	offset  size  field
//	0       4     magic "VTAB"
//	4       2     version (uint16, little-endian, currently 1)
//	6       4     rows    (uint32, little-endian)
//	10      4     dim     (uint32, little-endian)
//	14      ...   rows*dim float32, little-endian, row-major
//
// Two legacy layouts can be migrated into it: headerless float32 dumps
// (".bin", as distributed with the ONNX model) and NumPy ".npy" arrays.
// Pickled NumPy object archives are not supported.
package voicetable

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/MrWong99/voxbridge/internal/durable"
)

const (
	// Magic opens every native table file.
	Magic = "VTAB"

	// Version is the current native format version.
	Version uint16 = 1

	// Ext is the file extension of native tables.
	Ext = ".vtab"

	// MaxRows and MaxDim bound the table shape. Headers declaring more are
	// rejected before any allocation.
	MaxRows = 4096
	MaxDim  = 1024

	headerSize = 14
)

var (
	// ErrFormat is returned for malformed input.
	ErrFormat = errors.New("voicetable: malformed table")

	// ErrPickled is returned for NumPy object arrays, which require
	// unpickling arbitrary Python objects.
	ErrPickled = errors.New("voicetable: pickled numpy arrays are not supported")
)

// Table is an immutable rows×dim matrix of style embeddings.
type Table struct {
	rows int
	dim  int
	data []float32
}

// New builds a table from row-major data.
func New(rows, dim int, data []float32) (*Table, error) {
	if err := checkShape(rows, dim); err != nil {
		return nil, err
	}
	if len(data) != rows*dim {
		return nil, fmt.Errorf("%w: %d values for shape %dx%d", ErrFormat, len(data), rows, dim)
	}
	return &Table{rows: rows, dim: dim, data: data}, nil
}

// Rows returns the number of rows (N).
func (t *Table) Rows() int { return t.rows }

// Dim returns the embedding dimensionality (D).
func (t *Table) Dim() int { return t.dim }

// Index clamps i to [0, Rows()-1].
func (t *Table) Index(i int) int {
	return min(max(i, 0), t.rows-1)
}

// Row returns the embedding at the clamped index i. The returned slice
// aliases the table and must not be modified.
func (t *Table) Row(i int) []float32 {
	i = t.Index(i)
	return t.data[i*t.dim : (i+1)*t.dim : (i+1)*t.dim]
}

// ---- native format ----

// Read decodes a native table.
func Read(r io.Reader) (*Table, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrFormat, err)
	}
	if string(hdr[:4]) != Magic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrFormat, hdr[:4])
	}
	if v := binary.LittleEndian.Uint16(hdr[4:6]); v != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrFormat, v)
	}
	rows := int(binary.LittleEndian.Uint32(hdr[6:10]))
	dim := int(binary.LittleEndian.Uint32(hdr[10:14]))
	if err := checkShape(rows, dim); err != nil {
		return nil, err
	}

	data := make([]float32, rows*dim)
	if err := binary.Read(r, binary.LittleEndian, data); err != nil {
		return nil, fmt.Errorf("%w: body: %v", ErrFormat, err)
	}
	return New(rows, dim, data)
}

func checkShape(rows, dim int) error {
	if rows <= 0 || dim <= 0 || rows > MaxRows || dim > MaxDim {
		return fmt.Errorf("%w: shape %dx%d outside 1..%dx1..%d", ErrFormat, rows, dim, MaxRows, MaxDim)
	}
	return nil
}

// WriteTo encodes t in the native format.
func (t *Table) WriteTo(w io.Writer) (int64, error) {
	var hdr [headerSize]byte
	copy(hdr[:4], Magic)
	binary.LittleEndian.PutUint16(hdr[4:6], Version)
	binary.LittleEndian.PutUint32(hdr[6:10], uint32(t.rows))
	binary.LittleEndian.PutUint32(hdr[10:14], uint32(t.dim))

	bw := bufio.NewWriter(w)
	if _, err := bw.Write(hdr[:]); err != nil {
		return 0, err
	}
	if err := binary.Write(bw, binary.LittleEndian, t.data); err != nil {
		return 0, err
	}
	if err := bw.Flush(); err != nil {
		return 0, err
	}
	return int64(headerSize + 4*len(t.data)), nil
}

// ---- legacy formats ----

// ReadLegacyBin decodes a headerless little-endian float32 dump whose row
// width is dim. The row count is inferred from the size.
func ReadLegacyBin(r io.Reader, dim int) (*Table, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if dim <= 0 || len(raw) == 0 || len(raw)%(4*dim) != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d float32 rows", ErrFormat, len(raw), dim)
	}
	data := make([]float32, len(raw)/4)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return New(len(data)/dim, dim, data)
}

// ReadNPY decodes a little-endian float32 C-order NumPy array of shape
// (N, D) or (N, 1, D).
func ReadNPY(r io.Reader) (*Table, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(raw) < 10 || !bytes.HasPrefix(raw, []byte("\x93NUMPY")) {
		return nil, fmt.Errorf("%w: not an npy file", ErrFormat)
	}

	major := raw[6]
	var hlen, off int
	switch major {
	case 1:
		hlen, off = int(binary.LittleEndian.Uint16(raw[8:10])), 10
	case 2, 3:
		if len(raw) < 12 {
			return nil, fmt.Errorf("%w: truncated npy header", ErrFormat)
		}
		hlen, off = int(binary.LittleEndian.Uint32(raw[8:12])), 12
	default:
		return nil, fmt.Errorf("%w: npy version %d", ErrFormat, major)
	}
	if off+hlen > len(raw) {
		return nil, fmt.Errorf("%w: truncated npy header", ErrFormat)
	}
	header := string(raw[off : off+hlen])
	body := raw[off+hlen:]

	descr := npyField(header, "descr")
	switch {
	case strings.Contains(descr, "O"):
		return nil, ErrPickled
	case descr != "<f4" && descr != "=f4":
		return nil, fmt.Errorf("%w: dtype %s, want <f4", ErrFormat, descr)
	}
	if npyField(header, "fortran_order") == "True" {
		return nil, fmt.Errorf("%w: fortran-ordered arrays are not supported", ErrFormat)
	}

	shape, err := npyShape(header)
	if err != nil {
		return nil, err
	}
	var rows, dim int
	switch {
	case len(shape) == 2:
		rows, dim = shape[0], shape[1]
	case len(shape) == 3 && shape[1] == 1:
		rows, dim = shape[0], shape[2]
	default:
		return nil, fmt.Errorf("%w: shape %v", ErrFormat, shape)
	}
	if err := checkShape(rows, dim); err != nil {
		return nil, err
	}

	t, err := ReadLegacyBin(bytes.NewReader(body), dim)
	if err != nil {
		return nil, err
	}
	if t.rows != rows {
		return nil, fmt.Errorf("%w: header says %d rows, body holds %d", ErrFormat, rows, t.rows)
	}
	return t, nil
}

// npyField extracts the raw value of key from a NumPy header dict literal.
func npyField(header, key string) string {
	i := strings.Index(header, "'"+key+"'")
	if i < 0 {
		return ""
	}
	rest := strings.TrimSpace(header[i+len(key)+2:])
	rest = strings.TrimSpace(strings.TrimPrefix(rest, ":"))
	if strings.HasPrefix(rest, "'") {
		if end := strings.Index(rest[1:], "'"); end >= 0 {
			return rest[1 : end+1]
		}
		return ""
	}
	if end := strings.IndexAny(rest, ",}"); end >= 0 {
		return strings.TrimSpace(rest[:end])
	}
	return rest
}

func npyShape(header string) ([]int, error) {
	i := strings.Index(header, "'shape'")
	if i < 0 {
		return nil, fmt.Errorf("%w: npy header has no shape", ErrFormat)
	}
	open := strings.Index(header[i:], "(")
	end := strings.Index(header[i:], ")")
	if open < 0 || end < open {
		return nil, fmt.Errorf("%w: npy shape", ErrFormat)
	}
	var shape []int
	for _, f := range strings.Split(header[i+open+1:i+end], ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		n, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("%w: npy shape: %v", ErrFormat, err)
		}
		shape = append(shape, n)
	}
	return shape, nil
}

// ---- files ----

// Load reads a table from path, choosing the decoder by extension: ".vtab"
// (native), ".npy", or anything else as a legacy float32 dump of width dim.
func Load(path string, dim int) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("voicetable: open: %w", err)
	}
	defer f.Close()

	var t *Table
	switch strings.ToLower(filepath.Ext(path)) {
	case Ext:
		t, err = Read(bufio.NewReader(f))
	case ".npy":
		t, err = ReadNPY(f)
	default:
		t, err = ReadLegacyBin(f, dim)
	}
	if err != nil {
		return nil, fmt.Errorf("voicetable: load %s: %w", path, err)
	}
	if t.dim != dim {
		return nil, fmt.Errorf("voicetable: load %s: %w: dim %d, want %d", path, ErrFormat, t.dim, dim)
	}
	return t, nil
}

// Save writes t to path in the native format, atomically.
func Save(path string, t *Table) error {
	var buf bytes.Buffer
	if _, err := t.WriteTo(&buf); err != nil {
		return fmt.Errorf("voicetable: encode: %w", err)
	}
	if err := durable.WriteAtomic(path, buf.Bytes()); err != nil {
		return fmt.Errorf("voicetable: save: %w", err)
	}
	return nil
}

// Migrate converts a legacy table at src into a native table at dst. It is a
// no-op when dst already exists.
func Migrate(src, dst string, dim int) error {
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	t, err := Load(src, dim)
	if err != nil {
		return err
	}
	return Save(dst, t)
}
