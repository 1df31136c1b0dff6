// Package visualization renders quality-assurance slices: orthogonal
// sections through a staged target with its sphere mask overlaid.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/floats"

	"tms2mni/internal/errors"
	"tms2mni/internal/models"
)

// Axes in the order slices are written
var Axes = []string{"x", "y", "z"}

// overlay is the color of mask voxels in QA slices
var overlay = color.RGBA{R: 255, G: 32, B: 32, A: 255}

// Viewer extracts 2D slices from a volume
type Viewer struct {
	volume *models.Volume

	// scale maps the volume's maximum intensity to white
	scale float64
}

// NewViewer creates a new viewer over volume
func NewViewer(volume *models.Volume) *Viewer {
	scale := 0.0
	if len(volume.Data) > 0 {
		if peak := floats.Max(volume.Data); peak > 0 {
			scale = 255 / peak
		}
	}
	return &Viewer{volume: volume, scale: scale}
}

// sliceSize returns the image size of a slice along axis, or an error when
// position is outside the volume
func (v *Viewer) sliceSize(axis string, position int) (int, int, error) {
	if position < 0 {
		return 0, 0, fmt.Errorf("position must be non-negative")
	}

	var extent, w, h int
	switch axis {
	case "x", "X":
		extent, w, h = v.volume.Width, v.volume.Height, v.volume.Depth
	case "y", "Y":
		extent, w, h = v.volume.Height, v.volume.Width, v.volume.Depth
	case "z", "Z":
		extent, w, h = v.volume.Depth, v.volume.Width, v.volume.Height
	default:
		return 0, 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
	}
	if position >= extent {
		return 0, 0, fmt.Errorf("position %d exceeds extent %d of axis %s", position, extent, axis)
	}
	return w, h, nil
}

// voxelAt maps slice pixel (i, j) back to a voxel. Rows are flipped so the
// superior or anterior side is at the top of the image.
func voxelAt(axis string, position, i, j, h int) (int, int, int) {
	row := h - 1 - j
	switch axis {
	case "x", "X":
		return position, i, row
	case "y", "Y":
		return i, position, row
	default:
		return i, row, position
	}
}

// ExtractSlice extracts a grayscale 2D slice along axis at position
func (v *Viewer) ExtractSlice(axis string, position int) (*image.Gray, error) {
	w, h, err := v.sliceSize(axis, position)
	if err != nil {
		return nil, err
	}

	img := image.NewGray(image.Rect(0, 0, w, h))
	for j := 0; j < h; j++ {
		for i := 0; i < w; i++ {
			x, y, z := voxelAt(axis, position, i, j, h)
			value := math.Max(0, math.Min(255, v.volume.At(x, y, z)*v.scale))
			img.SetGray(i, j, color.Gray{Y: uint8(value)})
		}
	}
	return img, nil
}

// ExtractOverlay extracts a slice and paints every non-zero voxel of mask on
// top of it. mask must have the viewer's shape.
func (v *Viewer) ExtractOverlay(axis string, position int, mask *models.Volume) (*image.RGBA, error) {
	if mask.Shape() != v.volume.Shape() {
		return nil, fmt.Errorf("mask shape %v does not match volume shape %v", mask.Shape(), v.volume.Shape())
	}

	gray, err := v.ExtractSlice(axis, position)
	if err != nil {
		return nil, err
	}

	bounds := gray.Bounds()
	h := bounds.Dy()
	img := image.NewRGBA(bounds)
	for j := 0; j < h; j++ {
		for i := 0; i < bounds.Dx(); i++ {
			x, y, z := voxelAt(axis, position, i, j, h)
			if mask.At(x, y, z) > 0 {
				img.SetRGBA(i, j, overlay)
				continue
			}
			g := gray.GrayAt(i, j).Y
			img.SetRGBA(i, j, color.RGBA{R: g, G: g, B: g, A: 255})
		}
	}
	return img, nil
}

// SaveSlice saves an extracted slice as a JPEG image
func SaveSlice(img image.Image, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return errors.FileError(err, filename)
	}
	defer file.Close()

	if err := jpeg.Encode(file, img, &jpeg.Options{Quality: 90}); err != nil {
		return errors.FileError(err, filename)
	}
	return nil
}

// SaveOrthogonal writes one overlay slice per axis through center, named
// <prefix>_<axis>.jpg inside outputDir, and returns the written paths
func (v *Viewer) SaveOrthogonal(center models.Voxel, mask *models.Volume, outputDir, prefix string) ([]string, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, errors.FileError(err, outputDir)
	}

	paths := make([]string, 0, len(Axes))
	for i, axis := range Axes {
		img, err := v.ExtractOverlay(axis, center[i], mask)
		if err != nil {
			return nil, err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("%s_%s.jpg", prefix, axis))
		if err := SaveSlice(img, filename); err != nil {
			return nil, err
		}
		paths = append(paths, filename)
	}
	return paths, nil
}
