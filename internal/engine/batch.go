package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/kozaktomas/face-attendance/internal/constants"
	"github.com/kozaktomas/face-attendance/internal/fingerprint"
)

// ErrDuplicateLabel is reported for a batch file whose label an earlier file already uses.
var ErrDuplicateLabel = errors.New("label already used in this batch")

// batchExts are the file extensions picked up by batch registration.
var batchExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".bmp": true, ".tif": true, ".tiff": true, ".webp": true,
}

// BatchProgress is passed to BatchOptions.OnProgress after each file.
type BatchProgress struct {
	Current int
	Total   int
	File    string
	Err     error
}

// BatchOptions tune RegisterBatch.
type BatchOptions struct {
	// Concurrency bounds parallel registrations. Zero means constants.BatchConcurrency.
	Concurrency int
	// RemoveRegistered deletes each file once its identity is stored.
	RemoveRegistered bool
	OnProgress       func(BatchProgress)
}

// BatchItem is the outcome for one batch file.
type BatchItem struct {
	File  string `json:"file"`
	Label string `json:"label"`
	Error string `json:"error,omitempty"`

	err  error
	hash uint64
	// hashed is false when the image could not be decoded for duplicate detection
	hashed bool
}

// Err returns the registration error, nil on success.
func (i BatchItem) Err() error {
	return i.err
}

// DuplicatePair names two batch images that look like the same photo.
type DuplicatePair struct {
	First    string `json:"first"`
	Second   string `json:"second"`
	Distance int    `json:"distance"`
}

// BatchResult summarizes a batch registration. Items follow the directory order.
type BatchResult struct {
	Items      []BatchItem     `json:"items"`
	Duplicates []DuplicatePair `json:"duplicates,omitempty"`
}

// Registered returns the labels stored by the batch.
func (r *BatchResult) Registered() []string {
	var labels []string
	for _, item := range r.Items {
		if item.err == nil {
			labels = append(labels, item.Label)
		}
	}
	return labels
}

// Failed returns the items that could not be registered.
func (r *BatchResult) Failed() []BatchItem {
	var failed []BatchItem
	for _, item := range r.Items {
		if item.err != nil {
			failed = append(failed, item)
		}
	}
	return failed
}

// BatchFiles lists the image files of dir in name order.
func BatchFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading batch directory: %w", err)
	}
	var files []string
	for _, e := range entries {
		// A dot file would map to an invalid label.
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") ||
			!batchExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	return files, nil
}

// LabelForFile derives the identity label from an image file name by dropping the extension.
func LabelForFile(path string) string {
	name := filepath.Base(path)
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// RegisterBatch registers one identity per image file in dir, labelled with the file name
// without extension. An empty dir means the configured batch directory. Failures are
// collected per file; the error is only set when the directory cannot be read.
func (e *Engine) RegisterBatch(ctx context.Context, dir string, opts BatchOptions) (*BatchResult, error) {
	if dir == "" {
		dir = e.opts.BatchDir
	}
	files, err := BatchFiles(dir)
	if err != nil {
		return nil, err
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = constants.BatchConcurrency
	}

	result := &BatchResult{Items: make([]BatchItem, len(files))}
	seen := make(map[string]string)
	for i, file := range files {
		item := BatchItem{File: filepath.Base(file), Label: LabelForFile(file)}
		if first, ok := seen[item.Label]; ok {
			item.err = fmt.Errorf("%w: %s", ErrDuplicateLabel, first)
		} else {
			seen[item.Label] = item.File
		}
		result.Items[i] = item
	}

	semaphore := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var progressMu sync.Mutex
	processed := 0

	reportProgress := func(file string, err error) {
		if opts.OnProgress == nil {
			return
		}
		progressMu.Lock()
		processed++
		p := BatchProgress{Current: processed, Total: len(files), File: file, Err: err}
		opts.OnProgress(p)
		progressMu.Unlock()
	}

	for i, file := range files {
		if result.Items[i].err != nil {
			reportProgress(result.Items[i].File, result.Items[i].err)
			continue
		}
		wg.Add(1)
		go func(item *BatchItem, path string) {
			defer wg.Done()

			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			item.err = e.registerFile(ctx, item, path, opts.RemoveRegistered)
			reportProgress(item.File, item.err)
		}(&result.Items[i], file)
	}
	wg.Wait()

	for i := range result.Items {
		if err := result.Items[i].err; err != nil {
			result.Items[i].Error = err.Error()
			e.logger.Warn("batch registration failed", "file", result.Items[i].File, "error", err)
		}
	}
	result.Duplicates = findDuplicates(result.Items)
	for _, d := range result.Duplicates {
		e.logger.Warn("batch contains the same photo twice", "first", d.First, "second", d.Second, "distance", d.Distance)
	}

	e.logger.Info("batch registration finished", "dir", dir, "files", len(files), "registered", len(result.Registered()))
	return result, nil
}

func (e *Engine) registerFile(ctx context.Context, item *BatchItem, path string, remove bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the batch directory listing
	if err != nil {
		return fmt.Errorf("reading %s: %w", item.File, err)
	}

	if hash, err := fingerprint.DHash(data); err == nil {
		item.hash = hash
		item.hashed = true
	}

	if err := e.Register(ctx, data, item.Label); err != nil {
		return err
	}
	if remove {
		if err := os.Remove(path); err != nil {
			e.logger.Warn("failed to remove registered batch file", "file", item.File, "error", err)
		}
	}
	return nil
}

// findDuplicates pairs images whose difference hashes are nearly equal.
func findDuplicates(items []BatchItem) []DuplicatePair {
	var pairs []DuplicatePair
	for i := range items {
		if !items[i].hashed {
			continue
		}
		for j := i + 1; j < len(items); j++ {
			if !items[j].hashed {
				continue
			}
			if d := fingerprint.HammingDistance(items[i].hash, items[j].hash); d <= constants.DuplicateImageDistance {
				pairs = append(pairs, DuplicatePair{First: items[i].File, Second: items[j].File, Distance: d})
			}
		}
	}
	return pairs
}
