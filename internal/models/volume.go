package models

// Datatype is the on-disk voxel storage type of a volume
type Datatype int16

const (
	DatatypeUint8   Datatype = 2
	DatatypeInt16   Datatype = 4
	DatatypeInt32   Datatype = 8
	DatatypeFloat32 Datatype = 16
	DatatypeFloat64 Datatype = 64
	DatatypeInt8    Datatype = 256
	DatatypeUint16  Datatype = 512
	DatatypeUint32  Datatype = 768
)

// Shape holds the voxel extent of a volume along its three axes
type Shape [3]int

// Voxel is an integer voxel index. It is only meaningful together with the
// Shape it was validated against.
type Voxel [3]int

// Geometry describes how voxel indices map into physical RAS millimeters.
// Images derived from a reference volume copy its Geometry unchanged so that
// external tools treat them as co-registered.
type Geometry struct {
	// Affine maps homogeneous voxel indices to RAS millimeters
	Affine [4][4]float64

	// Spacing is the voxel size in mm along each axis
	Spacing [3]float64

	// QFormCode and SFormCode follow the NIfTI-1 xform codes
	QFormCode int16
	SFormCode int16

	// Quaternion parameters of the qform transform
	QuaternB, QuaternC, QuaternD float64
	QOffset                      [3]float64
	QFac                         float64

	// Units is the NIfTI xyzt_units byte
	Units uint8
}

// Volume represents a 3D scalar image together with its geometry
type Volume struct {
	// Data is the 3D volume data as a 1D array, x varies fastest
	Data []float64

	// Width, Height, Depth are the extents along the first, second and third axis
	Width  int
	Height int
	Depth  int

	// Geometry is the voxel to physical mapping of the image
	Geometry Geometry

	// Datatype controls how Data is stored when the volume is written
	Datatype Datatype
}

// NewVolume allocates a zero-filled volume sharing the geometry of ref
func NewVolume(ref *Volume, datatype Datatype) *Volume {
	return &Volume{
		Data:     make([]float64, ref.Width*ref.Height*ref.Depth),
		Width:    ref.Width,
		Height:   ref.Height,
		Depth:    ref.Depth,
		Geometry: ref.Geometry,
		Datatype: datatype,
	}
}

// Shape returns the voxel extent of the volume
func (v *Volume) Shape() Shape {
	return Shape{v.Width, v.Height, v.Depth}
}

// Index returns the offset of voxel (x, y, z) in Data
func (v *Volume) Index(x, y, z int) int {
	return z*v.Width*v.Height + y*v.Width + x
}

// At returns the value stored at voxel (x, y, z)
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Index(x, y, z)]
}

// Set stores a value at voxel (x, y, z)
func (v *Volume) Set(x, y, z int, value float64) {
	v.Data[v.Index(x, y, z)] = value
}
