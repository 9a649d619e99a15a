package backbone

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"github.com/nfnt/resize"
	"github.com/openfluke/affect/nn"
)

// CLIP normalization constants per RGB channel.
var (
	clipMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	clipStd  = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

// LoadFrames decodes JPEG or PNG files, resizes each to size×size and
// returns CLIP-normalized pixels [len(paths), 3, size, size].
func LoadFrames(paths []string, size int) (*nn.Tensor[float32], error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: no frames given", ErrImageShape)
	}
	out := nn.NewTensor[float32](len(paths), 3, size, size)
	for i, path := range paths {
		img, err := decodeImage(path)
		if err != nil {
			return nil, fmt.Errorf("frame %s: %w", path, err)
		}
		copy(out.Data[i*3*size*size:(i+1)*3*size*size], Preprocess(img, size))
	}
	return out, nil
}

func decodeImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	return img, err
}

// Preprocess resizes img bilinearly to size×size and returns normalized
// channel-major pixels [3*size*size].
func Preprocess(img image.Image, size int) []float32 {
	resized := resize.Resize(uint(size), uint(size), img, resize.Bilinear)

	data := make([]float32, 3*size*size)
	bounds := resized.Bounds()
	plane := size * size
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, b, _ := resized.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			i := y*size + x
			data[i] = (float32(r>>8)/255 - clipMean[0]) / clipStd[0]
			data[plane+i] = (float32(g>>8)/255 - clipMean[1]) / clipStd[1]
			data[2*plane+i] = (float32(b>>8)/255 - clipMean[2]) / clipStd[2]
		}
	}
	return data
}
