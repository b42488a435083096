// Package mnist provides handwritten digits dataset: download, IDX parsing, train/validation/test split and batching.
package mnist

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	gan "github.com/LdDl/gan-mnist"
	"github.com/LdDl/gan-mnist/config"
	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
)

// DataModule Owns MNIST splits and hands out loaders for them
type DataModule struct {
	cfg        *config.Config
	downloader *Downloader

	train *Dataset
	val   *Dataset
	test  *Dataset

	trainLoader *Loader
}

// NewDataModule Returns data module for provided configuration
func NewDataModule(cfg *config.Config) *DataModule {
	return &DataModule{
		cfg:        cfg,
		downloader: &Downloader{Mirror: cfg.Mirror},
	}
}

// RawDir Returns directory holding IDX archives
func (dm *DataModule) RawDir() string {
	return filepath.Join(dm.cfg.DataDir, "MNIST", "raw")
}

// PrepareData Downloads missing archives if download is enabled
func (dm *DataModule) PrepareData(ctx context.Context) error {
	if !dm.cfg.Download {
		return nil
	}
	return dm.downloader.Download(ctx, dm.RawDir())
}

// Setup Parses archives and splits training images into train and validation parts
func (dm *DataModule) Setup(ctx context.Context) error {
	full, err := LoadDataset(filepath.Join(dm.RawDir(), TrainImagesFile), filepath.Join(dm.RawDir(), TrainLabelsFile))
	if err != nil {
		return errors.Wrap(err, "Can't load training set")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if dm.cfg.ValSize >= full.Len {
		return fmt.Errorf("val_size %d leaves no training images out of %d", dm.cfg.ValSize, full.Len)
	}
	dm.train, dm.val = Split(full, dm.cfg.ValSize, dm.cfg.Seed)
	dm.trainLoader = nil
	if dm.train.Len < dm.cfg.BatchSize {
		return fmt.Errorf("training part has %d images, fewer than batch_size %d", dm.train.Len, dm.cfg.BatchSize)
	}
	if dm.val.Len > 0 && dm.val.Len < dm.cfg.BatchSize {
		log.Printf("Warning: validation part has %d images, fewer than batch_size %d. Validation is skipped\n", dm.val.Len, dm.cfg.BatchSize)
	}

	dm.test, err = LoadDataset(filepath.Join(dm.RawDir(), TestImagesFile), filepath.Join(dm.RawDir(), TestLabelsFile))
	if err != nil {
		return errors.Wrap(err, "Can't load test set")
	}
	if dm.test.Len < dm.cfg.BatchSize {
		return fmt.Errorf("test set has %d images, fewer than batch_size %d", dm.test.Len, dm.cfg.BatchSize)
	}
	log.Printf("MNIST: %d train, %d validation, %d test images\n", dm.train.Len, dm.val.Len, dm.test.Len)
	return nil
}

// Split Randomly divides dataset into two parts: (Len - valSize) and valSize samples
func Split(ds *Dataset, valSize int, seed uint64) (*Dataset, *Dataset) {
	perm := rand.New(rand.NewSource(seed)).Perm(ds.Len)
	trainSize := ds.Len - valSize
	return ds.Subset(perm[:trainSize]), ds.Subset(perm[trainSize:])
}

// TrainLoader Shuffled loader over training part. Same loader is returned every time, so each epoch gets new order
func (dm *DataModule) TrainLoader() gan.BatchLoader {
	if dm.trainLoader == nil {
		dm.trainLoader = NewLoader(dm.train, dm.cfg.BatchSize, true, dm.cfg.NumWorkers, dm.cfg.Seed)
	}
	return dm.trainLoader
}

// ValLoader Loader over validation part. Nil when validation part can't fill a single batch
func (dm *DataModule) ValLoader() gan.BatchLoader {
	if dm.val == nil || dm.val.Len < dm.cfg.BatchSize {
		return nil
	}
	return NewLoader(dm.val, dm.cfg.BatchSize, false, dm.cfg.NumWorkers, dm.cfg.Seed)
}

// TestLoader Loader over test set
func (dm *DataModule) TestLoader() gan.BatchLoader {
	return NewLoader(dm.test, dm.cfg.BatchSize, false, dm.cfg.NumWorkers, dm.cfg.Seed)
}
