package vgg16

import (
	"fmt"
	"path"

	"github.com/gomlx/gomlx/examples/downloader"
	"github.com/gomlx/gomlx/examples/inceptionv3/hdf5"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
)

const (
	// WeightsURL is the URL of the Keras VGG16 ImageNet weights, without the top
	// classification layers -- only the convolutional trunk is used here.
	WeightsURL = "https://storage.googleapis.com/tensorflow/keras-applications/vgg16/vgg16_weights_tf_dim_ordering_tf_kernels_notop.h5"

	// WeightsH5Name is the name of the local ".h5" file with the weights.
	WeightsH5Name = "vgg16-notop.h5"

	// UnpackedWeightsName is the name of the subdirectory that will hold the unpacked weights.
	UnpackedWeightsName = "vgg16_weights"
)

// DownloadAndUnpackWeights downloads the pre-trained weights to baseDir and unpacks
// the h5 file to individual tensor files. It only does the work if the files are not
// there yet, and is verbose (with a progress bar) when downloading/unpacking.
func DownloadAndUnpackWeights(baseDir string) error {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	unpackedWeightsPath := path.Join(baseDir, UnpackedWeightsName)
	if fsutil.MustFileExists(unpackedWeightsPath) {
		return nil
	}

	weightsH5Path := path.Join(baseDir, WeightsH5Name)
	err := downloader.DownloadIfMissing(WeightsURL, weightsH5Path, "")
	if err != nil {
		return err
	}

	fmt.Printf("Unpacking weights to %s:\n", unpackedWeightsPath)
	return hdf5.UnpackToTensors(unpackedWeightsPath, weightsH5Path).ProgressBar().Done()
}
