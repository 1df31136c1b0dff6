package nifti

import (
	"math"

	"tms2mni/internal/models"
)

const (
	headerSize = 348
	voxOffset  = 352
)

// header is the on-disk NIfTI-1 header. Field order and sizes match the
// format exactly so it can be decoded with encoding/binary.
type header struct {
	SizeofHdr    int32
	DataType     [10]byte
	DbName       [18]byte
	Extents      int32
	SessionError int16
	Regular      byte
	DimInfo      byte
	Dim          [8]int16
	IntentP1     float32
	IntentP2     float32
	IntentP3     float32
	IntentCode   int16
	Datatype     int16
	Bitpix       int16
	SliceStart   int16
	Pixdim       [8]float32
	VoxOffset    float32
	SclSlope     float32
	SclInter     float32
	SliceEnd     int16
	SliceCode    byte
	XyztUnits    byte
	CalMax       float32
	CalMin       float32
	SliceDur     float32
	Toffset      float32
	Glmax        int32
	Glmin        int32
	Descrip      [80]byte
	AuxFile      [24]byte
	QformCode    int16
	SformCode    int16
	QuaternB     float32
	QuaternC     float32
	QuaternD     float32
	QoffsetX     float32
	QoffsetY     float32
	QoffsetZ     float32
	SrowX        [4]float32
	SrowY        [4]float32
	SrowZ        [4]float32
	IntentName   [16]byte
	Magic        [4]byte
}

// bytesPerVoxel returns the storage size of a datatype, or 0 if unsupported
func bytesPerVoxel(dt models.Datatype) int {
	switch dt {
	case models.DatatypeUint8, models.DatatypeInt8:
		return 1
	case models.DatatypeInt16, models.DatatypeUint16:
		return 2
	case models.DatatypeInt32, models.DatatypeUint32, models.DatatypeFloat32:
		return 4
	case models.DatatypeFloat64:
		return 8
	default:
		return 0
	}
}

// geometry derives the voxel to RAS mapping using the NIfTI precedence:
// sform when set, then qform, then plain voxel scaling.
func (h *header) geometry() models.Geometry {
	g := models.Geometry{
		Spacing:   [3]float64{float64(h.Pixdim[1]), float64(h.Pixdim[2]), float64(h.Pixdim[3])},
		QFormCode: h.QformCode,
		SFormCode: h.SformCode,
		QuaternB:  float64(h.QuaternB),
		QuaternC:  float64(h.QuaternC),
		QuaternD:  float64(h.QuaternD),
		QOffset:   [3]float64{float64(h.QoffsetX), float64(h.QoffsetY), float64(h.QoffsetZ)},
		QFac:      float64(h.Pixdim[0]),
		Units:     h.XyztUnits,
	}
	if g.QFac == 0 {
		g.QFac = 1
	}
	for i := range g.Spacing {
		if g.Spacing[i] == 0 {
			g.Spacing[i] = 1
		}
	}

	switch {
	case h.SformCode > 0:
		rows := [3][4]float32{h.SrowX, h.SrowY, h.SrowZ}
		for i := 0; i < 3; i++ {
			for j := 0; j < 4; j++ {
				g.Affine[i][j] = float64(rows[i][j])
			}
		}
		g.Affine[3][3] = 1
	case h.QformCode > 0:
		g.Affine = QuaternionToAffine(g.QuaternB, g.QuaternC, g.QuaternD, g.QOffset, g.Spacing, g.QFac)
	default:
		g.Affine[0][0] = g.Spacing[0]
		g.Affine[1][1] = g.Spacing[1]
		g.Affine[2][2] = g.Spacing[2]
		g.Affine[3][3] = 1
	}

	return g
}

// QuaternionToAffine builds the qform voxel to RAS matrix
func QuaternionToAffine(b, c, d float64, offset, spacing [3]float64, qfac float64) [4][4]float64 {
	a := 1.0 - (b*b + c*c + d*d)
	if a < 1e-7 {
		// rotation by 180 degrees; renormalize b, c, d
		n := 1.0 / math.Sqrt(b*b+c*c+d*d)
		b, c, d = b*n, c*n, d*n
		a = 0
	} else {
		a = math.Sqrt(a)
	}

	r := [3][3]float64{
		{a*a + b*b - c*c - d*d, 2 * (b*c - a*d), 2 * (b*d + a*c)},
		{2 * (b*c + a*d), a*a + c*c - b*b - d*d, 2 * (c*d - a*b)},
		{2 * (b*d - a*c), 2 * (c*d + a*b), a*a + d*d - c*c - b*b},
	}

	if qfac < 0 {
		qfac = -1
	} else {
		qfac = 1
	}
	scale := [3]float64{spacing[0], spacing[1], spacing[2] * qfac}

	var m [4][4]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m[i][j] = r[i][j] * scale[j]
		}
		m[i][3] = offset[i]
	}
	m[3][3] = 1
	return m
}

// newHeader builds a header for writing a volume with its geometry
func newHeader(v *models.Volume) header {
	g := v.Geometry
	h := header{
		SizeofHdr: headerSize,
		Regular:   'r',
		Datatype:  int16(v.Datatype),
		Bitpix:    int16(8 * bytesPerVoxel(v.Datatype)),
		VoxOffset: voxOffset,
		SclSlope:  1,
		XyztUnits: g.Units,
		QformCode: g.QFormCode,
		SformCode: g.SFormCode,
		QuaternB:  float32(g.QuaternB),
		QuaternC:  float32(g.QuaternC),
		QuaternD:  float32(g.QuaternD),
		QoffsetX:  float32(g.QOffset[0]),
		QoffsetY:  float32(g.QOffset[1]),
		QoffsetZ:  float32(g.QOffset[2]),
		Magic:     [4]byte{'n', '+', '1', 0},
	}
	h.Dim = [8]int16{3, int16(v.Width), int16(v.Height), int16(v.Depth), 1, 1, 1, 1}

	qfac := g.QFac
	if qfac == 0 {
		qfac = 1
	}
	h.Pixdim = [8]float32{float32(qfac), float32(g.Spacing[0]), float32(g.Spacing[1]), float32(g.Spacing[2]), 1, 1, 1, 1}

	// a geometry with no xform codes still has a meaningful affine
	if h.QformCode == 0 && h.SformCode == 0 {
		h.SformCode = 1
	}
	for j := 0; j < 4; j++ {
		h.SrowX[j] = float32(g.Affine[0][j])
		h.SrowY[j] = float32(g.Affine[1][j])
		h.SrowZ[j] = float32(g.Affine[2][j])
	}
	if h.XyztUnits == 0 {
		h.XyztUnits = 2 // mm
	}

	return h
}
