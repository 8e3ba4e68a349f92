// Package source provides the item producers the pipeline ingests from:
// WebDataset tar shards, plain image directories, and a read-ahead wrapper.
package source

import (
	"fmt"
	"net/http"
	"os"

	"go.uber.org/zap"

	"github.com/flashembed/flashembed/internal/domain"
)

// Options selects and tunes the source built by Open.
type Options struct {
	Shuffle  bool
	Seed     uint64
	Prefetch int // read-ahead depth; 0 disables
	Client   *http.Client
	Logger   *zap.Logger
}

// Open picks a source for paths. A single local directory becomes a
// Directory source; anything else is treated as WebDataset shard patterns.
func Open(paths []string, opts Options) (domain.Source, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: at least one data path is required", domain.ErrInvalidConfig)
	}

	var src domain.Source
	if len(paths) == 1 && isDir(paths[0]) {
		d, err := NewDirectory(paths[0])
		if err != nil {
			return nil, err
		}
		src = d
	} else {
		wds, err := NewWebDataset(paths, WebDatasetOptions{
			Shuffle: opts.Shuffle,
			Seed:    opts.Seed,
			Client:  opts.Client,
			Logger:  opts.Logger,
		})
		if err != nil {
			return nil, err
		}
		src = wds
	}

	if opts.Prefetch > 0 {
		src = NewPrefetch(src, opts.Prefetch)
	}
	return src, nil
}

func isDir(p string) bool {
	if isRemote(p) {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}
