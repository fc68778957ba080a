// Package coco provides the COCO "val2017" images as a training dataset of content
// photographs: download, decoding, cropping to a fixed training size, and conversion
// to the `[batch, 3, size, size]` channels-first float32 tensors (pixel values 0 to
// 255) the style transfer network consumes.
//
// COCO images are named after their integer id, zero-padded to 12 digits.
package coco

import (
	"fmt"
	"image"
	"io"
	"math/rand"
	"path"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/examples/downloader"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// DownloadURL is the URL of the COCO val2017 images archive (about 1GB, 5000 images).
	DownloadURL = "http://images.cocodataset.org/zips/val2017.zip"

	// ZipName is the name of the locally downloaded archive.
	ZipName = "val2017.zip"

	// DirName is the directory the archive unzips to, under the base data directory.
	DirName = "val2017"

	// NumChannels is the number of color channels of the yielded tensors.
	NumChannels = 3
)

// Download downloads and unzips the dataset into baseDir, if not done already.
func Download(baseDir string) error {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	return downloader.DownloadAndUnzipIfMissing(
		DownloadURL, path.Join(baseDir, ZipName), baseDir, path.Join(baseDir, DirName), "")
}

// ImageFilename returns the file name of a COCO image id, a 12-digit zero-padded
// number with a ".jpg" extension.
func ImageFilename(id int) string {
	return fmt.Sprintf("%012d.jpg", id)
}

// Dataset implements train.Dataset, yielding batches of images as
// `[batch, 3, size, size]` float32 tensors. There are no labels, the style transfer
// loss is computed from the inputs alone.
type Dataset struct {
	name            string
	files           []string
	batchSize, size int
	infinite        bool
	shuffle         *rand.Rand
	next            int
}

// NewDataset creates a Dataset from the images under baseDir (previously fetched with
// Download). The last file in lexicographic order is held out -- never yielded -- so
// it can be used for visual validation; see HeldOutPath.
//
//   - batchSize: images per yielded batch.
//   - size: images are resized (shortest side) and center-cropped to size x size.
//     It should be even, the transformer network halves and doubles the resolution.
//   - infinite: if true the dataset restarts and reshuffles instead of returning
//     io.EOF. Requires shuffle.
//   - shuffle: if set (not nil), shuffles the order at start and on every restart.
func NewDataset(name, baseDir string, batchSize, size int, infinite bool, shuffle *rand.Rand) (*Dataset, error) {
	if infinite && shuffle == nil {
		return nil, errors.Errorf("coco.NewDataset(%q): infinite dataset requires a shuffle rng", name)
	}
	dir := path.Join(fsutil.MustReplaceTildeInDir(baseDir), DirName)
	files, err := filepath.Glob(path.Join(dir, "*.jpg"))
	if err != nil {
		return nil, errors.Wrapf(err, "coco.NewDataset(%q): failed to list images in %q", name, dir)
	}
	if len(files) < 2 {
		return nil, errors.Errorf("coco.NewDataset(%q): no images found in %q, was the dataset downloaded?", name, dir)
	}
	ds := &Dataset{
		name:      name,
		files:     files[:len(files)-1], // filepath.Glob returns sorted paths.
		batchSize: batchSize,
		size:      size,
		infinite:  infinite,
		shuffle:   shuffle,
	}
	if ds.shuffle != nil {
		ds.shuffleFiles()
	}
	return ds, nil
}

// HeldOutPath returns the path of the validation image, held out from training.
func (ds *Dataset) HeldOutPath(baseDir string) string {
	dir := path.Join(fsutil.MustReplaceTildeInDir(baseDir), DirName)
	files, _ := filepath.Glob(path.Join(dir, "*.jpg"))
	if len(files) == 0 {
		return ""
	}
	return files[len(files)-1]
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Yield implements train.Dataset. Unreadable or corrupt image files are skipped with
// a warning; a full pass over the files without any decodable image is an error. It
// returns io.EOF at the end of an epoch for non-infinite datasets.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	batch := make([]image.Image, 0, ds.batchSize)
	skipped := 0
	for len(batch) < ds.batchSize {
		if ds.next >= len(ds.files) {
			if !ds.infinite {
				return nil, nil, nil, io.EOF
			}
			ds.shuffleFiles()
			ds.next = 0
		}
		filePath := ds.files[ds.next]
		ds.next++
		img, err := imaging.Open(filePath)
		if err != nil {
			klog.Warningf("coco: skipping unreadable image %q: %v", filePath, err)
			skipped++
			// A full pass over the files without a single decodable image: give up
			// instead of re-shuffling forever.
			if skipped >= len(ds.files) {
				return nil, nil, nil, errors.Errorf(
					"coco dataset %q: none of the %d image files could be decoded", ds.name, len(ds.files))
			}
			continue
		}
		skipped = 0
		batch = append(batch, imaging.Fill(img, ds.size, ds.size, imaging.Center, imaging.Lanczos))
	}
	return nil, []*tensors.Tensor{ImagesToTensor(batch)}, nil, nil
}

// Reset implements train.Dataset.
func (ds *Dataset) Reset() {
	if ds.shuffle != nil {
		ds.shuffleFiles()
	}
	ds.next = 0
}

func (ds *Dataset) shuffleFiles() {
	ds.shuffle.Shuffle(len(ds.files), func(i, j int) {
		ds.files[i], ds.files[j] = ds.files[j], ds.files[i]
	})
}

// LoadImageTensor reads one image file, resizes/crops it to size x size, and returns
// it as a `[1, 3, size, size]` tensor.
func LoadImageTensor(filePath string, size int) (*tensors.Tensor, error) {
	img, err := imaging.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read image %q", filePath)
	}
	img = imaging.Fill(img, size, size, imaging.Center, imaging.Lanczos)
	return ImagesToTensor([]image.Image{img}), nil
}

// ImagesToTensor converts same-sized images to a `[batch, 3, height, width]` float32
// tensor with values in [0, 255], alpha discarded.
func ImagesToTensor(images []image.Image) *tensors.Tensor {
	bounds := images[0].Bounds()
	height, width := bounds.Dy(), bounds.Dx()
	t := tensors.FromShape(shapes.Make(dtypes.Float32, len(images), NumChannels, height, width))
	t.MustMutableFlatData(func(flatAny any) {
		flat := flatAny.([]float32)
		for imgIdx, img := range images {
			base := imgIdx * NumChannels * height * width
			bounds := img.Bounds()
			for y := 0; y < height; y++ {
				for x := 0; x < width; x++ {
					r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
					flat[base+0*height*width+y*width+x] = float32(r >> 8)
					flat[base+1*height*width+y*width+x] = float32(g >> 8)
					flat[base+2*height*width+y*width+x] = float32(b >> 8)
				}
			}
		}
	})
	return t
}

// ImageFromTensor converts one image of a `[batch, 3, height, width]` tensor (values
// 0 to 255, clamped) back to an image, for saving validation snapshots.
func ImageFromTensor(t *tensors.Tensor, batchIdx int) image.Image {
	dims := t.Shape().Dimensions
	height, width := dims[2], dims[3]
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	tensors.MustConstFlatData(t, func(flat []float32) {
		base := batchIdx * NumChannels * height * width
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				offset := img.PixOffset(x, y)
				for c := 0; c < NumChannels; c++ {
					v := flat[base+c*height*width+y*width+x]
					img.Pix[offset+c] = uint8(max(0, min(255, v)))
				}
				img.Pix[offset+3] = 255
			}
		}
	})
	return img
}
