// Package media picks engagement assets from a local directory.
package media

import (
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrNoAssets is returned when the media directory holds no usable images.
var ErrNoAssets = errors.New("media: no assets available")

// Asset is one sendable image.
type Asset struct {
	Name string
	Mime string
	Data []byte
}

// Source supplies engagement assets.
type Source interface {
	PickRandom() (Asset, error)
}

var mimeTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
}

// DirSource picks uniformly from the image files of a directory. The
// directory is listed on every pick, so assets can be added or removed
// without a restart.
type DirSource struct {
	fsys fs.FS

	mu sync.Mutex
	rn *rand.Rand
}

// NewDirSource returns a source over fsys. A nil random source seeds from
// the current time.
func NewDirSource(fsys fs.FS, src rand.Source) *DirSource {
	if src == nil {
		src = rand.NewSource(time.Now().UnixNano())
	}
	return &DirSource{fsys: fsys, rn: rand.New(src)}
}

func (d *DirSource) PickRandom() (Asset, error) {
	entries, err := fs.ReadDir(d.fsys, ".")
	if err != nil {
		return Asset{}, fmt.Errorf("media: list assets: %w", err)
	}

	var candidates []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if _, ok := mimeTypes[ext]; ok {
			candidates = append(candidates, e.Name())
		}
	}
	if len(candidates) == 0 {
		return Asset{}, ErrNoAssets
	}

	d.mu.Lock()
	name := candidates[d.rn.Intn(len(candidates))]
	d.mu.Unlock()

	data, err := fs.ReadFile(d.fsys, name)
	if err != nil {
		return Asset{}, fmt.Errorf("media: read %s: %w", name, err)
	}
	return Asset{
		Name: name,
		Mime: mimeTypes[strings.ToLower(filepath.Ext(name))],
		Data: data,
	}, nil
}
