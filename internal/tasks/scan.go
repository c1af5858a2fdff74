package tasks

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"focusstack/internal/fsutil"
)

// ScanResult captures the batches found under a root directory.
type ScanResult struct {
	Root    string
	Groups  []ImageGroup
	Skipped []ImageGroup // too few images to stack
}

// ImageGroup is one focus bracket: the images of a single subdirectory.
type ImageGroup struct {
	Name      string
	BasePath  string
	Images    []string
	RAW       int // camera RAW files among Images
	GroupType string
	Detection string
}

// Count returns the number of images in the group.
func (g ImageGroup) Count() int { return len(g.Images) }

// Scan treats every visible subdirectory of root as one batch. Groups with
// fewer than minImages images are reported in Skipped.
func Scan(root string, minImages int) (ScanResult, error) {
	st, err := os.Stat(root)
	if err != nil {
		return ScanResult{}, err
	}
	if !st.IsDir() {
		return ScanResult{}, fmt.Errorf("%s is not a directory", root)
	}

	dirs, err := fsutil.Subdirs(root)
	if err != nil {
		return ScanResult{}, err
	}
	res := ScanResult{Root: root}
	for _, dir := range dirs {
		g, err := ScanGroup(dir)
		if err != nil {
			return res, err
		}
		if g.Count() < minImages {
			res.Skipped = append(res.Skipped, g)
			continue
		}
		res.Groups = append(res.Groups, g)
	}
	return res, nil
}

// ScanGroup lists the images of a single batch directory in name order.
func ScanGroup(dir string) (ImageGroup, error) {
	files, err := fsutil.ListImages(dir)
	if err != nil {
		return ImageGroup{}, err
	}
	sort.Strings(files)
	raw, _ := fsutil.SeparateRAWAndProcessed(files)
	return ImageGroup{
		Name:      filepath.Base(dir),
		BasePath:  dir,
		Images:    files,
		RAW:       len(raw),
		GroupType: "focus_stack",
		Detection: "directory",
	}, nil
}

// GroupNames returns the names of the groups, in order.
func (r ScanResult) GroupNames() []string {
	names := make([]string, len(r.Groups))
	for i, g := range r.Groups {
		names[i] = g.Name
	}
	return names
}
