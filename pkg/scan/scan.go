package scan

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"ctcubes/internal/models"
)

// Kind identifies the on-disk layout of a discovered scan.
type Kind int

const (
	// KindMetaImage is a single .mhd or .mha file.
	KindMetaImage Kind = iota
	// KindDICOMDir is a directory of .dcm slice files.
	KindDICOMDir
)

func (k Kind) String() string {
	switch k {
	case KindMetaImage:
		return "metaimage"
	case KindDICOMDir:
		return "dicom"
	default:
		return "unknown"
	}
}

// Ref points at one discovered scan. ID is the volume identifier annotations
// refer to: the base name without extension for MetaImage files, the
// directory name for DICOM series.
type Ref struct {
	ID   string
	Path string
	Kind Kind
}

// Load reads the referenced scan into memory.
func (r Ref) Load() (*models.Volume, error) {
	switch r.Kind {
	case KindMetaImage:
		return LoadMetaImage(r.Path)
	case KindDICOMDir:
		return LoadDICOMDir(r.Path)
	default:
		return nil, fmt.Errorf("unknown scan kind %d for %s", r.Kind, r.Path)
	}
}

// Discover walks root and returns the scans below it, sorted by ID.
// A directory containing at least one .dcm file is treated as a DICOM
// series; .mhd and .mha files are MetaImage scans. Two scans resolving
// to the same ID is an error since annotations could not be matched
// unambiguously.
func Discover(root string) ([]Ref, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to access scan root %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("scan root %s is not a directory", root)
	}

	byID := make(map[string]Ref)
	dicomDirs := make(map[string]bool)

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(d.Name()))
		switch ext {
		case ".mhd", ".mha":
			id := strings.TrimSuffix(d.Name(), filepath.Ext(d.Name()))
			ref := Ref{ID: id, Path: path, Kind: KindMetaImage}
			if prev, ok := byID[id]; ok {
				return fmt.Errorf("volume id %q is claimed by both %s and %s", id, prev.Path, path)
			}
			byID[id] = ref
		case ".dcm":
			dicomDirs[filepath.Dir(path)] = true
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %v", root, err)
	}

	for dir := range dicomDirs {
		id := filepath.Base(dir)
		ref := Ref{ID: id, Path: dir, Kind: KindDICOMDir}
		if prev, ok := byID[id]; ok {
			return nil, fmt.Errorf("volume id %q is claimed by both %s and %s", id, prev.Path, dir)
		}
		byID[id] = ref
	}

	refs := make([]Ref, 0, len(byID))
	for _, ref := range byID {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	return refs, nil
}

// parseInts splits a whitespace-separated list of integers, requiring
// exactly n of them.
func parseInts(s string, n int) ([]int, error) {
	fields := strings.Fields(s)
	if len(fields) != n {
		return nil, fmt.Errorf("expected %d values, got %d in %q", n, len(fields), s)
	}
	out := make([]int, n)
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("bad integer %q", f)
		}
		out[i] = v
	}
	return out, nil
}

// parseFloats splits a whitespace-separated list of floats, requiring
// exactly n of them.
func parseFloats(s string, n int) ([]float64, error) {
	fields := strings.Fields(s)
	if len(fields) != n {
		return nil, fmt.Errorf("expected %d values, got %d in %q", n, len(fields), s)
	}
	out := make([]float64, n)
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, fmt.Errorf("bad float %q", f)
		}
		out[i] = v
	}
	return out, nil
}
