package voicetable

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"
)

// sequential returns rows×dim values where row i holds float32(i) everywhere.
func sequential(rows, dim int) []float32 {
	data := make([]float32, rows*dim)
	for i := range data {
		data[i] = float32(i / dim)
	}
	return data
}

func rawFloats(data []float32) []byte {
	buf := make([]byte, 0, 4*len(data))
	for _, f := range data {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(f))
	}
	return buf
}

func buildNPY(descr, shape string, body []byte) []byte {
	header := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': %s, }", descr, shape)
	// Pad so that magic+version+len+header is a multiple of 64, ending in \n.
	for (10+len(header)+1)%64 != 0 {
		header += " "
	}
	header += "\n"
	out := []byte("\x93NUMPY\x01\x00")
	out = binary.LittleEndian.AppendUint16(out, uint16(len(header)))
	out = append(out, header...)
	return append(out, body...)
}

func TestTable_RowClamps(t *testing.T) {
	t.Parallel()

	tbl, err := New(512, 4, sequential(512, 4))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		index int
		want  float32
	}{
		{-3, 0},
		{0, 0},
		{7, 7},
		{510, 510},
		{511, 511},
		{512, 511},
		{2000, 511},
	}
	for _, tt := range tests {
		row := tbl.Row(tt.index)
		if len(row) != 4 {
			t.Fatalf("Row(%d) has %d values, want 4", tt.index, len(row))
		}
		if row[0] != tt.want {
			t.Errorf("Row(%d)[0] = %v, want %v", tt.index, row[0], tt.want)
		}
	}
}

func TestNativeRoundTrip(t *testing.T) {
	t.Parallel()

	orig, err := New(3, 2, []float32{1, 2, 3, 4, 5, 6})
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	n, err := orig.WriteTo(&buf)
	if err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if n != int64(buf.Len()) || n != headerSize+24 {
		t.Errorf("WriteTo reported %d bytes, buffer holds %d", n, buf.Len())
	}

	got, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.Rows() != 3 || got.Dim() != 2 || got.Row(2)[1] != 6 {
		t.Errorf("decoded table = %+v", got)
	}
}

func TestRead_Rejects(t *testing.T) {
	t.Parallel()

	tests := map[string][]byte{
		"short":       []byte("VT"),
		"bad magic":   append([]byte("NOPE"), make([]byte, 10)...),
		"bad version": append([]byte("VTAB\x09\x00"), make([]byte, 8)...),
		"truncated":   append([]byte("VTAB\x01\x00\x02\x00\x00\x00\x02\x00\x00\x00"), 0, 0, 0),
		"zero rows":   []byte("VTAB\x01\x00\x00\x00\x00\x00\x02\x00\x00\x00"),
		// 65535 x 32768 would need 8 GiB; rejected from the header alone.
		"huge shape":  []byte("VTAB\x01\x00\xff\xff\x00\x00\x00\x80\x00\x00"),
		"too wide":    []byte("VTAB\x01\x00\x01\x00\x00\x00\x01\x04\x00\x00"),
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Read(bytes.NewReader(in)); !errors.Is(err, ErrFormat) {
				t.Errorf("got %v, want ErrFormat", err)
			}
		})
	}
}

func TestNew_ShapeBounds(t *testing.T) {
	t.Parallel()

	if _, err := New(MaxRows+1, 1, make([]float32, MaxRows+1)); !errors.Is(err, ErrFormat) {
		t.Errorf("rows over MaxRows: got %v, want ErrFormat", err)
	}
	if _, err := New(1, MaxDim+1, make([]float32, MaxDim+1)); !errors.Is(err, ErrFormat) {
		t.Errorf("dim over MaxDim: got %v, want ErrFormat", err)
	}
	if _, err := New(MaxRows, 1, make([]float32, MaxRows)); err != nil {
		t.Errorf("MaxRows x 1: %v", err)
	}
}

func TestReadLegacyBin(t *testing.T) {
	t.Parallel()

	tbl, err := ReadLegacyBin(bytes.NewReader(rawFloats(sequential(512, 8))), 8)
	if err != nil {
		t.Fatalf("ReadLegacyBin: %v", err)
	}
	if tbl.Rows() != 512 {
		t.Errorf("Rows() = %d, want 512", tbl.Rows())
	}
	if _, err := ReadLegacyBin(bytes.NewReader(make([]byte, 10)), 8); !errors.Is(err, ErrFormat) {
		t.Errorf("ragged input: got %v, want ErrFormat", err)
	}
}

func TestReadNPY(t *testing.T) {
	t.Parallel()

	body := rawFloats(sequential(4, 3))

	t.Run("2d", func(t *testing.T) {
		tbl, err := ReadNPY(bytes.NewReader(buildNPY("<f4", "(4, 3)", body)))
		if err != nil {
			t.Fatalf("ReadNPY: %v", err)
		}
		if tbl.Rows() != 4 || tbl.Dim() != 3 || tbl.Row(3)[0] != 3 {
			t.Errorf("table = %d×%d", tbl.Rows(), tbl.Dim())
		}
	})
	t.Run("3d with singleton axis", func(t *testing.T) {
		tbl, err := ReadNPY(bytes.NewReader(buildNPY("<f4", "(4, 1, 3)", body)))
		if err != nil {
			t.Fatalf("ReadNPY: %v", err)
		}
		if tbl.Rows() != 4 || tbl.Dim() != 3 {
			t.Errorf("table = %d×%d", tbl.Rows(), tbl.Dim())
		}
	})
	t.Run("pickled", func(t *testing.T) {
		_, err := ReadNPY(bytes.NewReader(buildNPY("|O", "()", nil)))
		if !errors.Is(err, ErrPickled) {
			t.Errorf("got %v, want ErrPickled", err)
		}
	})
	t.Run("wrong dtype", func(t *testing.T) {
		_, err := ReadNPY(bytes.NewReader(buildNPY("<f8", "(4, 3)", body)))
		if !errors.Is(err, ErrFormat) {
			t.Errorf("got %v, want ErrFormat", err)
		}
	})
	t.Run("row count mismatch", func(t *testing.T) {
		_, err := ReadNPY(bytes.NewReader(buildNPY("<f4", "(5, 3)", body)))
		if !errors.Is(err, ErrFormat) {
			t.Errorf("got %v, want ErrFormat", err)
		}
	})
}

func TestMigrate(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "af_bella.bin")
	dst := filepath.Join(dir, "af_bella.vtab")
	if err := os.WriteFile(src, rawFloats(sequential(512, 256)), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := Migrate(src, dst, 256); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	tbl, err := Load(dst, 256)
	if err != nil {
		t.Fatalf("Load migrated table: %v", err)
	}
	if tbl.Rows() != 512 || tbl.Row(511)[255] != 511 {
		t.Errorf("migrated table mismatch: rows=%d", tbl.Rows())
	}

	// A second migration leaves the existing table untouched.
	if err := os.Remove(src); err != nil {
		t.Fatal(err)
	}
	if err := Migrate(src, dst, 256); err != nil {
		t.Errorf("second Migrate: %v", err)
	}
}

func TestLoad_DimMismatch(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "x.vtab")
	tbl, _ := New(2, 4, make([]float32, 8))
	if err := Save(path, tbl); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path, 256); !errors.Is(err, ErrFormat) {
		t.Errorf("got %v, want ErrFormat", err)
	}
}
