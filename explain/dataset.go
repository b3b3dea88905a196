package explain

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/skyhookml/explain/skyhook"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Batch is one group of examples fed to the network together.
type Batch struct {
	Keys   []string
	Tensor *skyhook.Tensor
	// Source images at their original size; nil for in-memory tensors.
	Images []skyhook.Image
}

// Loader hands out batches in a fixed order.
type Loader interface {
	// total number of examples
	Len() int
	NumBatches() int
	Batch(ctx context.Context, i int) (*Batch, error)
}

type imageFile struct {
	key   string
	fname string
	dims  [2]int
}

// FolderLoader reads the images of one directory, sorted by file name.
type FolderLoader struct {
	cfg   DataConfig
	files []imageFile
}

func NewFolderLoader(cfg DataConfig) (*FolderLoader, error) {
	log := skyhook.Logger().Named("explain")
	entries, err := os.ReadDir(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(skyhook.Ext(entry.Name())) {
		case "jpg", "jpeg", "png":
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	l := &FolderLoader{cfg: cfg}
	for _, name := range names {
		fname := filepath.Join(cfg.Path, name)
		dims, err := skyhook.GetImageDimsFromFile(fname)
		if err != nil {
			log.Warn("skipping unreadable image", zap.String("file", fname), zap.Error(err))
			continue
		}
		l.files = append(l.files, imageFile{
			key:   strings.TrimSuffix(name, filepath.Ext(name)),
			fname: fname,
			dims:  dims,
		})
	}
	if len(l.files) == 0 {
		return nil, fmt.Errorf("no images found in %s", cfg.Path)
	}
	log.Info("loaded image folder", zap.String("path", cfg.Path), zap.Int("images", len(l.files)))
	return l, nil
}

func (l *FolderLoader) Len() int {
	return len(l.files)
}

func (l *FolderLoader) NumBatches() int {
	return (len(l.files) + l.cfg.SamplesPerBatch - 1) / l.cfg.SamplesPerBatch
}

func (l *FolderLoader) Batch(ctx context.Context, i int) (*Batch, error) {
	start := i * l.cfg.SamplesPerBatch
	end := start + l.cfg.SamplesPerBatch
	if start < 0 || start >= len(l.files) {
		return nil, fmt.Errorf("batch %d out of range", i)
	}
	if end > len(l.files) {
		end = len(l.files)
	}
	files := l.files[start:end]

	batch := &Batch{
		Keys:   make([]string, len(files)),
		Images: make([]skyhook.Image, len(files)),
	}
	tensors := make([]*skyhook.Tensor, len(files))
	g, ctx := errgroup.WithContext(ctx)
	if l.cfg.Workers > 0 {
		g.SetLimit(l.cfg.Workers)
	}
	for j, file := range files {
		j, file := j, file
		batch.Keys[j] = file.key
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			im, err := skyhook.ImageFromFile(file.fname)
			if err != nil {
				return fmt.Errorf("decode %s: %w", file.fname, err)
			}
			batch.Images[j] = im
			tensors[j] = im.Resize(l.cfg.Width, l.cfg.Height).ToTensor(l.cfg.Mean, l.cfg.Std)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var err error
	batch.Tensor, err = skyhook.StackTensors(tensors)
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// TensorLoader splits an in-memory tensor into batches. Keys are example indices.
type TensorLoader struct {
	x         *skyhook.Tensor
	batchSize int
}

func NewTensorLoader(x *skyhook.Tensor, batchSize int) *TensorLoader {
	if batchSize <= 0 {
		batchSize = 1
	}
	return &TensorLoader{x: x, batchSize: batchSize}
}

func (l *TensorLoader) Len() int {
	return l.x.Batch
}

func (l *TensorLoader) NumBatches() int {
	return (l.x.Batch + l.batchSize - 1) / l.batchSize
}

func (l *TensorLoader) Batch(ctx context.Context, i int) (*Batch, error) {
	start := i * l.batchSize
	if start < 0 || start >= l.x.Batch {
		return nil, fmt.Errorf("batch %d out of range", i)
	}
	end := start + l.batchSize
	if end > l.x.Batch {
		end = l.x.Batch
	}
	n := l.x.Channels * l.x.Height * l.x.Width
	x, err := skyhook.TensorFromData(end-start, l.x.Channels, l.x.Height, l.x.Width, l.x.Data[start*n:end*n])
	if err != nil {
		return nil, err
	}
	batch := &Batch{Tensor: x}
	for j := start; j < end; j++ {
		batch.Keys = append(batch.Keys, strconv.Itoa(j))
	}
	return batch, nil
}
