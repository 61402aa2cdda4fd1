package preprocessing

import (
	"image"
	"io"
	"os"
	"sync"

	// Registered decoders for image.Decode
	_ "image/jpeg"
	_ "image/png"

	"github.com/pkg/errors"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Channels is the number of colour channels every image is converted to.
const Channels = 3

// ImageProcessor decodes images of any registered format, converts them to
// RGB and resizes them with nearest-neighbour sampling.
type ImageProcessor struct {
	height, width int
	buffers       sync.Pool // *image.RGBA of the target size
}

// NewImageProcessor creates a new image processor with the specified target size
func NewImageProcessor(height, width int) *ImageProcessor {
	p := &ImageProcessor{height: height, width: width}
	p.buffers.New = func() interface{} {
		return image.NewRGBA(image.Rect(0, 0, width, height))
	}
	return p
}

// ProcessedImage represents a preprocessed image ready for neural network input
type ProcessedImage struct {
	Data     []float32 // CHW, values in [0, 255]
	Width    int
	Height   int
	Channels int
	Format   string
}

// Decode reads one image. JPEG, PNG, BMP, TIFF and WebP are supported.
func Decode(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", errors.Wrap(err, "failed to decode image")
	}
	return img, format, nil
}

// LoadFile decodes and preprocesses the image at path.
func (p *ImageProcessor) LoadFile(path string) (*ProcessedImage, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, err := p.DecodeAndPreprocess(file)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return img, nil
}

// DecodeAndPreprocess decodes an image and converts it to CHW float32 RGB
// at the target size. Values are left in [0, 255].
func (p *ImageProcessor) DecodeAndPreprocess(reader io.Reader) (*ProcessedImage, error) {
	img, format, err := Decode(reader)
	if err != nil {
		return nil, err
	}

	dst := p.buffers.Get().(*image.RGBA)
	defer p.buffers.Put(dst)
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)

	plane := p.height * p.width
	data := make([]float32, Channels*plane)
	for y := 0; y < p.height; y++ {
		row := dst.Pix[y*dst.Stride:]
		for x := 0; x < p.width; x++ {
			idx := y*p.width + x
			data[idx] = float32(row[4*x])
			data[plane+idx] = float32(row[4*x+1])
			data[2*plane+idx] = float32(row[4*x+2])
		}
	}

	return &ProcessedImage{
		Data:     data,
		Width:    p.width,
		Height:   p.height,
		Channels: Channels,
		Format:   format,
	}, nil
}

// Rescale multiplies every value by scale in place.
func Rescale(data []float32, scale float32) {
	for i := range data {
		data[i] *= scale
	}
}
