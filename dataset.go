// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package retinopathy

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"image"
	"io"
	"math/rand"
	"sync"

	"github.com/disintegration/imaging"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
)

// NumFolds is the number of cross-validation folds the primary dataset is
// split into.
const NumFolds = 4

// Config collects every knob of the data pipeline and training run. It is
// explicit and value-copyable: each fold gets its own copy, nothing is kept
// in globals.
type Config struct {
	DataDir string

	// ImageSize is the width and height images are resized (with padding) to.
	ImageSize int

	BatchSize     int
	EvalBatchSize int

	// FoldsSeed seeds the deterministic hash that assigns primary-dataset
	// samples to folds. Changing it reshuffles the folds.
	FoldsSeed int32

	// Seed for sample selection and augmentation randomness.
	Seed int64

	// Auxiliary train-only datasets.
	UseAptos2015 bool
	UseIdrid     bool
	UseMessidor  bool

	// Balance makes training batches class-balanced: grades are drawn
	// round-robin, with a random sample of each grade.
	Balance bool

	// Augmentation profile applied to training images. See ParseAugmentation.
	Augmentation AugmentationProfile

	// CacheImages keeps decoded, resized images in memory after first use.
	CacheImages bool

	// Workers is the number of parallel dataset workers ( <=1 disables ).
	Workers int
}

// DefaultConfig returns a Config with the defaults used by cmd/retina_train.
func DefaultConfig() Config {
	return Config{
		ImageSize:     256,
		BatchSize:     32,
		EvalBatchSize: 64,
		FoldsSeed:     42,
		Seed:          42,
		Augmentation:  AugmentMedium,
		CacheImages:   true,
		Workers:       4,
	}
}

// OversampleFactor is how many times each primary-dataset training sample is
// repeated in the selection pool. With all three auxiliary datasets enabled
// there is enough data and no oversampling happens; otherwise the primary
// dataset is repeated twice.
func (c *Config) OversampleFactor() int {
	if c.UseAptos2015 && c.UseIdrid && c.UseMessidor {
		return 1
	}
	return 2
}

// auxSources returns the enabled auxiliary datasets.
func (c *Config) auxSources() []Source {
	var srcs []Source
	if c.UseAptos2015 {
		srcs = append(srcs, Aptos2015)
	}
	if c.UseIdrid {
		srcs = append(srcs, Idrid)
	}
	if c.UseMessidor {
		srcs = append(srcs, Messidor)
	}
	return srcs
}

// foldOf deterministically assigns a sample ID to a fold.
func foldOf(foldsSeed int32, id string, numFolds int) int {
	buffer := bytes.NewBuffer(make([]byte, 0, 8+len(id)))
	if err := binary.Write(buffer, binary.LittleEndian, foldsSeed); err != nil {
		panic(errors.Wrap(err, "failed to hash fold seed"))
	}
	buffer.WriteString(id)
	hashValue := crc32.ChecksumIEEE(buffer.Bytes())
	return int(hashValue % uint32(numFolds))
}

// Dataset yields batches of fundus photographs. It implements train.Dataset.
//
// Each Yield returns:
//   - inputs[0]: images, shaped (float32)[batch_size, size, size, 3];
//   - inputs[1]: indices of the samples within the dataset, (int32)[batch_size];
//   - labels[0]: grades, (int32)[batch_size].
//
// The spec returned is the Dataset pointer itself.
type Dataset struct {
	name     string
	config   *Config
	samples  []Sample
	pool     []int // Selection pool: sample indices, with oversampling applied.
	perGrade [NumGrades][]int

	batchSize int
	infinite  bool
	augment   AugmentFn
	toTensor  *timage.ToTensorConfig

	mu         sync.Mutex
	rng        *rand.Rand
	next       int // Cursor into pool (finite) or grade round-robin (balanced).
	gradeRobin int
	cache      map[int]image.Image
}

// CreateDatasets builds the three datasets used to train and monitor one fold:
// the infinite, shuffled, augmented training dataset, plus finite unaugmented
// evaluation datasets over the training and validation splits.
//
// Primary-dataset samples are assigned to folds by deterministic hashing;
// the given fold is held out for validation. Auxiliary datasets contribute to
// training only.
func CreateDatasets(config *Config, fold int) (trainDS, trainEvalDS, validEvalDS *Dataset, err error) {
	if fold < 0 || fold >= NumFolds {
		return nil, nil, nil, errors.Errorf("fold %d out of range [0, %d)", fold, NumFolds)
	}
	primary, err := LoadIndex(config.DataDir, Aptos2019)
	if err != nil {
		return nil, nil, nil, err
	}
	var trainSamples, validSamples []Sample
	for _, s := range primary {
		if foldOf(config.FoldsSeed, s.ID, NumFolds) == fold {
			validSamples = append(validSamples, s)
		} else {
			trainSamples = append(trainSamples, s)
		}
	}
	numPrimaryTrain := len(trainSamples)
	for _, src := range config.auxSources() {
		aux, err := LoadIndex(config.DataDir, src)
		if err != nil {
			return nil, nil, nil, err
		}
		trainSamples = append(trainSamples, aux...)
	}

	oversample := config.OversampleFactor()
	trainDS = newDataset(config, fmt.Sprintf("train-fold%d", fold), trainSamples, config.BatchSize)
	trainDS.infinite = true
	trainDS.augment = config.Augmentation.Fn()
	trainDS.pool = trainDS.pool[:0]
	for i := range trainSamples {
		repeats := 1
		if i < numPrimaryTrain {
			repeats = oversample
		}
		for r := 0; r < repeats; r++ {
			trainDS.pool = append(trainDS.pool, i)
		}
	}

	trainEvalDS = newDataset(config, fmt.Sprintf("train-eval-fold%d", fold), trainSamples[:numPrimaryTrain], config.EvalBatchSize)
	validEvalDS = newDataset(config, fmt.Sprintf("valid-fold%d", fold), validSamples, config.EvalBatchSize)
	return
}

func newDataset(config *Config, name string, samples []Sample, batchSize int) *Dataset {
	d := &Dataset{
		name:      name,
		config:    config,
		samples:   samples,
		batchSize: batchSize,
		toTensor:  timage.ToTensor(dtypes.Float32),
		rng:       rand.New(rand.NewSource(config.Seed)),
	}
	d.pool = make([]int, len(samples))
	for i := range samples {
		d.pool[i] = i
		d.perGrade[samples[i].Grade] = append(d.perGrade[samples[i].Grade], i)
	}
	if config.CacheImages {
		d.cache = make(map[int]image.Image, len(samples))
	}
	return d
}

// Name implements train.Dataset.
func (d *Dataset) Name() string { return d.name }

// NumSamples is the number of distinct samples in the dataset.
func (d *Dataset) NumSamples() int { return len(d.samples) }

// StepsPerEpoch is the number of batches covering the selection pool once,
// oversampling included.
func (d *Dataset) StepsPerEpoch() int {
	steps := len(d.pool) / d.batchSize
	if steps == 0 {
		steps = 1
	}
	return steps
}

// Reset implements train.Dataset: rewinds a finite dataset for reuse.
func (d *Dataset) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.next = 0
}

// yieldIndices picks the sample indices for the next batch.
func (d *Dataset) yieldIndices() ([]int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	indices := make([]int, 0, d.batchSize)
	if d.infinite {
		for len(indices) < d.batchSize {
			if d.config.Balance {
				grade := d.gradeRobin % NumGrades
				d.gradeRobin++
				choices := d.perGrade[grade]
				if len(choices) == 0 {
					continue // No samples of this grade at all.
				}
				indices = append(indices, choices[d.rng.Intn(len(choices))])
			} else {
				indices = append(indices, d.pool[d.rng.Intn(len(d.pool))])
			}
		}
		return indices, nil
	}
	if d.next >= len(d.pool) {
		return nil, io.EOF
	}
	for len(indices) < d.batchSize && d.next < len(d.pool) {
		indices = append(indices, d.pool[d.next])
		d.next++
	}
	return indices, nil
}

// ImageAt loads (or takes from cache) the resized base image of the sample,
// without augmentation.
func (d *Dataset) ImageAt(sampleIdx int) (image.Image, error) {
	if sampleIdx < 0 || sampleIdx >= len(d.samples) {
		return nil, errors.Errorf("sample index %d out of range [0, %d)", sampleIdx, len(d.samples))
	}
	d.mu.Lock()
	if d.cache != nil {
		if img, found := d.cache[sampleIdx]; found {
			d.mu.Unlock()
			return img, nil
		}
	}
	d.mu.Unlock()

	sample := d.samples[sampleIdx]
	img, err := imaging.Open(sample.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode image for sample %s/%s", sample.Source, sample.ID)
	}
	img = ResizeWithPadding(img, d.config.ImageSize, d.config.ImageSize)
	if d.cache != nil {
		d.mu.Lock()
		d.cache[sampleIdx] = img
		d.mu.Unlock()
	}
	return img, nil
}

// SampleAt returns the sample metadata at the given index.
func (d *Dataset) SampleAt(sampleIdx int) Sample { return d.samples[sampleIdx] }

// Warm decodes and caches every image, with a progress bar. It reports the
// approximate memory used by the cache. A decode failure is returned as an
// error: it means the dataset on disk is corrupt.
func (d *Dataset) Warm() error {
	if d.cache == nil {
		return nil
	}
	pbar := progressbar.Default(int64(len(d.samples)), "Caching "+d.name)
	for i := range d.samples {
		if _, err := d.ImageAt(i); err != nil {
			return err
		}
		_ = pbar.Add(1)
	}
	_ = pbar.Finish()
	perImage := uint64(d.config.ImageSize) * uint64(d.config.ImageSize) * 4
	fmt.Printf("\t%s: cached %d images, ~%s\n", d.name, len(d.samples),
		humanize.Bytes(perImage*uint64(len(d.samples))))
	return nil
}

// Yield implements train.Dataset.
func (d *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	spec = d
	indices, err := d.yieldIndices()
	if err != nil {
		return nil, nil, nil, err
	}
	images := make([]image.Image, len(indices))
	grades := make([]int32, len(indices))
	indices32 := make([]int32, len(indices))
	for i, sampleIdx := range indices {
		img, err := d.ImageAt(sampleIdx)
		if err != nil {
			return nil, nil, nil, err
		}
		if d.augment != nil {
			d.mu.Lock()
			img = d.augment(img, d.rng)
			d.mu.Unlock()
			// Augmentations (rotations in particular) may change the canvas
			// size, so re-fit to the model input size.
			img = ResizeWithPadding(img, d.config.ImageSize, d.config.ImageSize)
		}
		images[i] = img
		grades[i] = d.samples[sampleIdx].Grade
		indices32[i] = int32(sampleIdx)
	}
	inputs = []*tensors.Tensor{
		d.toTensor.Batch(images),
		tensors.FromValue(indices32),
	}
	labels = []*tensors.Tensor{tensors.FromValue(grades)}
	return
}

// ResizeWithPadding resizes the image preserving the aspect ratio, padding
// with black to the exact target size.
func ResizeWithPadding(img image.Image, width, height int) image.Image {
	imgSize := img.Bounds().Size()
	wRatio := float64(width) / float64(imgSize.X)
	hRatio := float64(height) / float64(imgSize.Y)

	adjustedWidth, adjustedHeight := width, height
	if wRatio < hRatio {
		adjustedHeight = int(wRatio * float64(imgSize.Y))
	} else if hRatio < wRatio {
		adjustedWidth = int(hRatio * float64(imgSize.X))
	}
	img = imaging.Resize(img, adjustedWidth, adjustedHeight, imaging.Lanczos)
	if adjustedWidth != width || adjustedHeight != height {
		bgImg := image.NewRGBA(image.Rect(0, 0, width, height))
		img = imaging.PasteCenter(bgImg, img)
	}
	return img
}