// Package persist is the Go home for the spec's peripheral save_CSR_format
// utility (spec §6: "Persisted state: none [...] save_CSR_format is
// peripheral"). It dumps and reloads a distributed matrix's local CSR input
// — the same three flat arrays plus counts/displacements a caller passed to
// dist.NewMatrixFromCSR — behind a small Backend abstraction modelled on the
// teacher's PersistenceEngine split between a local-file and an S3 backend.
package persist

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pierrec/lz4/v4"
)

// Backend is a named-blob store: SaveCSR/LoadCSR read and write one blob per
// dumped system. FileBackend and S3Backend are the two implementations,
// mirroring storage.PersistenceEngine's file/S3 split in the teacher.
type Backend interface {
	Write(name string) (io.WriteCloser, error)
	Read(name string) (io.ReadCloser, error)
}

// magic/version guard the wire format the way a schema.json version field
// would; bumped only if the array layout below changes.
const (
	magic   uint32 = 0x44434753 // "DCGS"
	version uint32 = 1
)

// SaveCSR writes counts, displacements and the local CSR triple
// (rowPtr, colIdx, data) to name on backend, LZ4-compressed — the same
// codec the teacher uses for on-disk blob compression
// (storage/persistence-files.go's column writers feed through a similar
// codec chain for large columns).
func SaveCSR(backend Backend, name string, counts, displacements []int, rowPtr, colIdx []int32, data []float64) (err error) {
	w, err := backend.Write(name)
	if err != nil {
		return fmt.Errorf("persist: open %q for write: %w", name, err)
	}
	defer func() {
		if cerr := w.Close(); err == nil {
			err = cerr
		}
	}()

	zw := lz4.NewWriter(w)
	defer func() {
		if cerr := zw.Close(); err == nil {
			err = cerr
		}
	}()

	bw := bufio.NewWriter(zw)
	defer func() {
		if ferr := bw.Flush(); err == nil {
			err = ferr
		}
	}()

	if err = writeHeader(bw, len(counts), len(rowPtr)-1, len(colIdx)); err != nil {
		return err
	}
	if err = writeIntSlice(bw, counts); err != nil {
		return err
	}
	if err = writeIntSlice(bw, displacements); err != nil {
		return err
	}
	if err = writeInt32Slice(bw, rowPtr); err != nil {
		return err
	}
	if err = writeInt32Slice(bw, colIdx); err != nil {
		return err
	}
	return writeFloat64Slice(bw, data)
}

// LoadCSR reverses SaveCSR.
func LoadCSR(backend Backend, name string) (counts, displacements []int, rowPtr, colIdx []int32, data []float64, err error) {
	r, err := backend.Read(name)
	if err != nil {
		return nil, nil, nil, nil, nil, fmt.Errorf("persist: open %q for read: %w", name, err)
	}
	defer r.Close()

	zr := lz4.NewReader(r)
	br := bufio.NewReader(zr)

	P, rows, nnz, err := readHeader(br)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}
	if counts, err = readIntSlice(br, P); err != nil {
		return nil, nil, nil, nil, nil, err
	}
	if displacements, err = readIntSlice(br, P); err != nil {
		return nil, nil, nil, nil, nil, err
	}
	if rowPtr, err = readInt32Slice(br, rows+1); err != nil {
		return nil, nil, nil, nil, nil, err
	}
	if colIdx, err = readInt32Slice(br, nnz); err != nil {
		return nil, nil, nil, nil, nil, err
	}
	if data, err = readFloat64Slice(br, nnz); err != nil {
		return nil, nil, nil, nil, nil, err
	}
	return counts, displacements, rowPtr, colIdx, data, nil
}

func writeHeader(w io.Writer, p, rows, nnz int) error {
	hdr := [5]uint32{magic, version, uint32(p), uint32(rows), uint32(nnz)}
	return binary.Write(w, binary.LittleEndian, hdr)
}

func readHeader(r io.Reader) (p, rows, nnz int, err error) {
	var hdr [5]uint32
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return 0, 0, 0, fmt.Errorf("persist: read header: %w", err)
	}
	if hdr[0] != magic {
		return 0, 0, 0, fmt.Errorf("persist: bad magic %x", hdr[0])
	}
	if hdr[1] != version {
		return 0, 0, 0, fmt.Errorf("persist: unsupported version %d", hdr[1])
	}
	return int(hdr[2]), int(hdr[3]), int(hdr[4]), nil
}

func writeIntSlice(w io.Writer, s []int) error {
	buf := make([]int64, len(s))
	for i, v := range s {
		buf[i] = int64(v)
	}
	return binary.Write(w, binary.LittleEndian, buf)
}

func readIntSlice(r io.Reader, n int) ([]int, error) {
	buf := make([]int64, n)
	if err := binary.Read(r, binary.LittleEndian, buf); err != nil {
		return nil, fmt.Errorf("persist: read int slice: %w", err)
	}
	out := make([]int, n)
	for i, v := range buf {
		out[i] = int(v)
	}
	return out, nil
}

func writeInt32Slice(w io.Writer, s []int32) error {
	return binary.Write(w, binary.LittleEndian, s)
}

func readInt32Slice(r io.Reader, n int) ([]int32, error) {
	buf := make([]int32, n)
	if err := binary.Read(r, binary.LittleEndian, buf); err != nil {
		return nil, fmt.Errorf("persist: read int32 slice: %w", err)
	}
	return buf, nil
}

func writeFloat64Slice(w io.Writer, s []float64) error {
	return binary.Write(w, binary.LittleEndian, s)
}

func readFloat64Slice(r io.Reader, n int) ([]float64, error) {
	buf := make([]float64, n)
	if err := binary.Read(r, binary.LittleEndian, buf); err != nil {
		return nil, fmt.Errorf("persist: read float64 slice: %w", err)
	}
	return buf, nil
}
