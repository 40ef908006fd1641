package safetensors

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/goccy/go-json"
)

const (
	SingleFile = "model.safetensors"
	IndexFile  = "model.safetensors.index.json"
)

// Set resolves tensor names across one or more shards of a checkpoint
// directory.
type Set struct {
	files  []*File
	byName map[string]*File
}

type shardIndex struct {
	WeightMap map[string]string `json:"weight_map"`
}

// OpenDir opens model.safetensors, or every shard listed in
// model.safetensors.index.json, inside dir.
func OpenDir(dir string) (*Set, error) {
	single := filepath.Join(dir, SingleFile)
	if _, err := os.Stat(single); err == nil {
		f, err := Open(single)
		if err != nil {
			return nil, err
		}
		return newSet([]*File{f}), nil
	}

	raw, err := os.ReadFile(filepath.Join(dir, IndexFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("no %s or %s in %s", SingleFile, IndexFile, dir)
		}
		return nil, err
	}
	var idx shardIndex
	if err := json.Unmarshal(raw, &idx); err != nil {
		return nil, fmt.Errorf("parse %s: %w", IndexFile, err)
	}

	opened := make(map[string]*File)
	var files []*File
	for _, shard := range idx.WeightMap {
		if _, ok := opened[shard]; ok {
			continue
		}
		f, err := Open(filepath.Join(dir, shard))
		if err != nil {
			for _, o := range files {
				_ = o.Close()
			}
			return nil, err
		}
		opened[shard] = f
		files = append(files, f)
	}
	return newSet(files), nil
}

func newSet(files []*File) *Set {
	s := &Set{files: files, byName: make(map[string]*File)}
	for _, f := range files {
		for name := range f.Tensors {
			s.byName[name] = f
		}
	}
	return s
}

// Has reports whether any shard holds name.
func (s *Set) Has(name string) bool {
	_, ok := s.byName[name]
	return ok
}

// Info returns the header entry for name.
func (s *Set) Info(name string) (TensorInfo, bool) {
	f, ok := s.byName[name]
	if !ok {
		return TensorInfo{}, false
	}
	return f.Tensor(name)
}

// Len returns the number of tensors across all shards.
func (s *Set) Len() int { return len(s.byName) }

// Names returns every tensor name across all shards in sorted order.
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.byName))
	for name := range s.byName {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (s *Set) ReadTensorF32(name string) ([]float32, TensorInfo, error) {
	f, ok := s.byName[name]
	if !ok {
		return nil, TensorInfo{}, fmt.Errorf("%w: %s", ErrTensorNotFound, name)
	}
	return f.ReadTensorF32(name)
}

func (s *Set) Close() error {
	var errs []error
	for _, f := range s.files {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
