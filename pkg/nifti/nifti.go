// Package nifti reads and writes single-file NIfTI-1 volumes (.nii and .nii.gz).
// Only the first three dimensions are loaded; the geometry (qform, sform and
// spacing) is carried on the volume so derived images can be written back
// co-registered with their source.
package nifti

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"

	"tms2mni/internal/errors"
	"tms2mni/internal/models"
)

// ErrUnsupportedDatatype is returned for datatypes other than the integer and float scalars
var ErrUnsupportedDatatype = errors.NewStd("unsupported NIfTI datatype")

// Read loads a NIfTI-1 volume. Gzip compression is detected from the content.
func Read(path string) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.FileError(fmt.Errorf("failed to open volume: %w", err), path)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var r io.Reader = br
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, parseError(fmt.Errorf("invalid gzip stream: %w", err), path)
		}
		defer gz.Close()
		r = gz
	}

	vol, err := Decode(r)
	if err != nil {
		return nil, parseError(err, path)
	}
	return vol, nil
}

// Decode reads an uncompressed NIfTI-1 stream
func Decode(r io.Reader) (*models.Volume, error) {
	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if int32(binary.LittleEndian.Uint32(raw[:4])) != headerSize {
		order = binary.BigEndian
		if int32(binary.BigEndian.Uint32(raw[:4])) != headerSize {
			return nil, fmt.Errorf("not a NIfTI-1 file: sizeof_hdr mismatch")
		}
	}

	var h header
	if err := binary.Read(bytes.NewReader(raw), order, &h); err != nil {
		return nil, fmt.Errorf("failed to decode header: %w", err)
	}
	if h.Magic[0] != 'n' || h.Magic[2] != '1' {
		return nil, fmt.Errorf("unexpected magic %q", h.Magic[:3])
	}
	if h.Dim[0] < 3 {
		return nil, fmt.Errorf("volume has %d dimensions, need at least 3", h.Dim[0])
	}

	dt := models.Datatype(h.Datatype)
	size := bytesPerVoxel(dt)
	if size == 0 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedDatatype, h.Datatype)
	}

	// skip extensions up to the data offset
	offset := int64(h.VoxOffset)
	if offset > headerSize {
		if _, err := io.CopyN(io.Discard, r, offset-headerSize); err != nil {
			return nil, fmt.Errorf("failed to skip to voxel data: %w", err)
		}
	}

	for i := 1; i <= 3; i++ {
		if h.Dim[i] < 1 {
			return nil, fmt.Errorf("invalid dimensions %v", h.Dim[1:4])
		}
	}

	vol := &models.Volume{
		Width:    int(h.Dim[1]),
		Height:   int(h.Dim[2]),
		Depth:    int(h.Dim[3]),
		Geometry: h.geometry(),
		Datatype: dt,
	}
	n := vol.Width * vol.Height * vol.Depth

	buf := make([]byte, n*size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("failed to read voxel data: %w", err)
	}

	slope, inter := float64(h.SclSlope), float64(h.SclInter)
	scaled := slope != 0 && (slope != 1 || inter != 0)

	vol.Data = make([]float64, n)
	for i := 0; i < n; i++ {
		v := decodeValue(buf[i*size:(i+1)*size], dt, order)
		if scaled {
			v = v*slope + inter
		}
		vol.Data[i] = v
	}

	return vol, nil
}

// Write stores a volume as NIfTI-1, gzip-compressed when path ends in .gz
func Write(path string, vol *models.Volume) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.FileError(fmt.Errorf("failed to create volume: %w", err), path)
	}

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		gz = gzip.NewWriter(f)
		w = gz
	}

	bw := bufio.NewWriter(w)
	err = Encode(bw, vol)
	if err == nil {
		err = bw.Flush()
	}
	if gz != nil {
		if cerr := gz.Close(); err == nil {
			err = cerr
		}
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.FileError(fmt.Errorf("failed to write volume: %w", err), path)
	}
	return nil
}

// Encode writes an uncompressed little-endian NIfTI-1 stream
func Encode(w io.Writer, vol *models.Volume) error {
	size := bytesPerVoxel(vol.Datatype)
	if size == 0 {
		return fmt.Errorf("%w: %d", ErrUnsupportedDatatype, vol.Datatype)
	}
	if len(vol.Data) != vol.Width*vol.Height*vol.Depth {
		return fmt.Errorf("data length %d does not match shape %v", len(vol.Data), vol.Shape())
	}

	h := newHeader(vol)
	if err := binary.Write(w, binary.LittleEndian, &h); err != nil {
		return err
	}
	// empty extension block
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}

	buf := make([]byte, size)
	for _, v := range vol.Data {
		encodeValue(buf, v, vol.Datatype)
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

func decodeValue(b []byte, dt models.Datatype, order binary.ByteOrder) float64 {
	switch dt {
	case models.DatatypeUint8:
		return float64(b[0])
	case models.DatatypeInt8:
		return float64(int8(b[0]))
	case models.DatatypeInt16:
		return float64(int16(order.Uint16(b)))
	case models.DatatypeUint16:
		return float64(order.Uint16(b))
	case models.DatatypeInt32:
		return float64(int32(order.Uint32(b)))
	case models.DatatypeUint32:
		return float64(order.Uint32(b))
	case models.DatatypeFloat32:
		return float64(math.Float32frombits(order.Uint32(b)))
	case models.DatatypeFloat64:
		return math.Float64frombits(order.Uint64(b))
	}
	return 0
}

func encodeValue(b []byte, v float64, dt models.Datatype) {
	le := binary.LittleEndian
	switch dt {
	case models.DatatypeUint8:
		b[0] = uint8(clamp(math.Round(v), 0, math.MaxUint8))
	case models.DatatypeInt8:
		b[0] = byte(int8(clamp(math.Round(v), math.MinInt8, math.MaxInt8)))
	case models.DatatypeInt16:
		le.PutUint16(b, uint16(int16(clamp(math.Round(v), math.MinInt16, math.MaxInt16))))
	case models.DatatypeUint16:
		le.PutUint16(b, uint16(clamp(math.Round(v), 0, math.MaxUint16)))
	case models.DatatypeInt32:
		le.PutUint32(b, uint32(int32(clamp(math.Round(v), math.MinInt32, math.MaxInt32))))
	case models.DatatypeUint32:
		le.PutUint32(b, uint32(clamp(math.Round(v), 0, math.MaxUint32)))
	case models.DatatypeFloat32:
		le.PutUint32(b, math.Float32bits(float32(v)))
	case models.DatatypeFloat64:
		le.PutUint64(b, math.Float64bits(v))
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func parseError(err error, path string) error {
	return errors.New(err).
		Component("nifti").
		Category(errors.CategoryFileParsing).
		Context("path", path).
		Build()
}
