package datasets

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"k8s.io/klog/v2"
)

// Split names returned by LoadDataset.
const (
	SplitTrain = "train"
	SplitVal   = "val"
	SplitTest  = "test"
)

// SourceConfig describes a directory tree of class folders.
type SourceConfig struct {
	// Root is the dataset directory; label files live directly inside it.
	Root string
	// Name selects the label files map_to_label_name_<Name>.json and
	// label_name_to_map_<Name>.json.
	Name string
	// LabelsAsInt parses class names as integer labels when no label file
	// exists.
	LabelsAsInt bool
	// Seed shuffles classes before splitting a tree that is not pre-split.
	Seed int64
	// PreSplit roots hold train, val and test folders.
	PreSplit bool
	// IndexesOfFoldersIndicatingClass picks the path components, relative to
	// the split folder, that form the class name; negative indices count from
	// the end, the file name being -1. Defaults to [-2], the parent folder.
	IndexesOfFoldersIndicatingClass []int
	// TrainValTestSplit are class fractions for a tree that is not pre-split.
	// The test split takes the remainder.
	TrainValTestSplit [3]float64
}

func (c SourceConfig) withDefaults() SourceConfig {
	if len(c.IndexesOfFoldersIndicatingClass) == 0 {
		c.IndexesOfFoldersIndicatingClass = []int{-2}
	}
	if c.TrainValTestSplit == [3]float64{} {
		c.TrainValTestSplit = [3]float64{0.7, 0.15, 0.15}
	}
	return c
}

// Validate checks the configuration after defaults.
func (c SourceConfig) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("%w: empty dataset root", ErrInvalidConfig)
	}
	sum := 0.0
	for _, f := range c.TrainValTestSplit {
		if f < 0 {
			return fmt.Errorf("%w: negative split fraction in %v", ErrInvalidConfig, c.TrainValTestSplit)
		}
		sum += f
	}
	if sum > 1+1e-9 {
		return fmt.Errorf("%w: split fractions %v sum to %g", ErrInvalidConfig, c.TrainValTestSplit, sum)
	}
	return nil
}

// LabelSet maps class names to integer labels and back.
type LabelSet struct {
	IndexToName map[int]string
	NameToIndex map[string]int
}

func labelFiles(root, name string) (indexToName, nameToIndex string) {
	return filepath.Join(root, fmt.Sprintf("map_to_label_name_%s.json", name)),
		filepath.Join(root, fmt.Sprintf("label_name_to_map_%s.json", name))
}

// LoadLabelSet reads both label files of dataset name under root.
func LoadLabelSet(root, name string) (LabelSet, error) {
	i2n, n2i := labelFiles(root, name)
	var raw map[string]string
	if err := readJSON(i2n, &raw); err != nil {
		return LabelSet{}, err
	}
	ls := LabelSet{IndexToName: make(map[int]string, len(raw))}
	for k, v := range raw {
		idx, err := strconv.Atoi(k)
		if err != nil {
			return LabelSet{}, fmt.Errorf("%w: %s: label index %q: %v", ErrInvalidConfig, i2n, k, err)
		}
		ls.IndexToName[idx] = v
	}
	if err := readJSON(n2i, &ls.NameToIndex); err != nil {
		return LabelSet{}, err
	}
	return ls, nil
}

// SaveLabelSet writes both label files of dataset name under root.
func SaveLabelSet(root, name string, ls LabelSet) error {
	i2n, n2i := labelFiles(root, name)
	raw := make(map[string]string, len(ls.IndexToName))
	for k, v := range ls.IndexToName {
		raw[strconv.Itoa(k)] = v
	}
	if err := writeJSON(i2n, raw); err != nil {
		return err
	}
	return writeJSON(n2i, ls.NameToIndex)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrMissingLabelFile, path)
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// classFiles maps class names to their sorted image paths.
type classFiles map[string][]string

func (c classFiles) names() []string {
	out := make([]string, 0, len(c))
	for k := range c {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// scan walks dir and groups image files by class name.
func scan(dir string, indexes []int) (classFiles, error) {
	out := classFiles{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isImageFile(path) {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		name, err := className(filepath.ToSlash(rel), indexes)
		if err != nil {
			return err
		}
		out[name] = append(out[name], path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	for _, paths := range out {
		sort.Strings(paths)
	}
	return out, nil
}

// className joins the selected components of a slash separated relative path.
func className(rel string, indexes []int) (string, error) {
	parts := strings.Split(rel, "/")
	picked := make([]string, len(indexes))
	for i, idx := range indexes {
		if idx < 0 {
			idx += len(parts)
		}
		if idx < 0 || idx >= len(parts) {
			return "", fmt.Errorf("%w: folder index %d out of range for %s", ErrInvalidConfig, indexes[i], rel)
		}
		picked[i] = parts[idx]
	}
	return strings.Join(picked, "/"), nil
}

// scanSplits returns the class files of every split. A tree that is not
// pre-split is scanned as a whole and returned under the empty name.
func scanSplits(cfg SourceConfig) (map[string]classFiles, error) {
	if !cfg.PreSplit {
		all, err := scan(cfg.Root, cfg.IndexesOfFoldersIndicatingClass)
		if err != nil {
			return nil, err
		}
		return map[string]classFiles{"": all}, nil
	}
	out := map[string]classFiles{}
	for _, split := range []string{SplitTrain, SplitVal, SplitTest} {
		dir := filepath.Join(cfg.Root, split)
		if _, err := os.Stat(dir); err != nil {
			klog.Warningf("datasets: pre-split root %s has no %s folder", cfg.Root, split)
			out[split] = classFiles{}
			continue
		}
		files, err := scan(dir, cfg.IndexesOfFoldersIndicatingClass)
		if err != nil {
			return nil, err
		}
		out[split] = files
	}
	return out, nil
}

// DiscoverLabels returns the label set of the tree: the label files when they
// exist, else integer class names when LabelsAsInt, else labels assigned in
// sorted name order.
func DiscoverLabels(cfg SourceConfig) (LabelSet, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return LabelSet{}, err
	}
	splits, err := scanSplits(cfg)
	if err != nil {
		return LabelSet{}, err
	}
	return discoverLabels(cfg, splits)
}

func discoverLabels(cfg SourceConfig, splits map[string]classFiles) (LabelSet, error) {
	ls, err := LoadLabelSet(cfg.Root, cfg.Name)
	if err == nil {
		return ls, nil
	}
	if !errors.Is(err, ErrMissingLabelFile) {
		return LabelSet{}, err
	}
	seen := map[string]bool{}
	var names []string
	for _, files := range splits {
		for name := range files {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	ls = LabelSet{IndexToName: make(map[int]string, len(names)), NameToIndex: make(map[string]int, len(names))}
	for i, name := range names {
		idx := i
		if cfg.LabelsAsInt {
			if idx, err = strconv.Atoi(filepath.Base(name)); err != nil {
				return LabelSet{}, fmt.Errorf("%w: class %q is not an integer", ErrInvalidConfig, name)
			}
		}
		if prev, dup := ls.IndexToName[idx]; dup {
			return LabelSet{}, fmt.Errorf("%w: classes %q and %q share label %d", ErrInvalidConfig, prev, name, idx)
		}
		ls.IndexToName[idx] = name
		ls.NameToIndex[name] = idx
	}
	return ls, nil
}

// LoadDataset scans the tree described by cfg and returns one path-mode
// ClassStore per split name.
func LoadDataset(cfg SourceConfig) (map[string]ClassStore, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	splits, err := scanSplits(cfg)
	if err != nil {
		return nil, err
	}
	labels, err := discoverLabels(cfg, splits)
	if err != nil {
		return nil, err
	}
	if !cfg.PreSplit {
		splits = splitClasses(splits[""], cfg.Seed, cfg.TrainValTestSplit)
	}

	out := make(map[string]ClassStore, len(splits))
	for split, files := range splits {
		paths := make(map[int][]string, len(files))
		for name, p := range files {
			idx, ok := labels.NameToIndex[name]
			if !ok {
				return nil, fmt.Errorf("%w: class %q has no label in %s", ErrMissingLabelFile, name, cfg.Name)
			}
			paths[idx] = p
		}
		out[split] = FromPaths(paths)
		klog.V(1).Infof("datasets: %s/%s: %d classes, %d images", cfg.Name, split, len(paths), out[split].Len())
	}
	return out, nil
}

// splitClasses shuffles the sorted class names with seed and cuts them by the
// train and val fractions; test takes the rest.
func splitClasses(all classFiles, seed int64, fractions [3]float64) map[string]classFiles {
	names := all.names()
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(len(names), func(i, j int) { names[i], names[j] = names[j], names[i] })
	nTrain := int(fractions[0] * float64(len(names)))
	nVal := int(fractions[1] * float64(len(names)))
	if nTrain+nVal > len(names) {
		nVal = len(names) - nTrain
	}
	bounds := map[string][2]int{
		SplitTrain: {0, nTrain},
		SplitVal:   {nTrain, nTrain + nVal},
		SplitTest:  {nTrain + nVal, len(names)},
	}
	out := make(map[string]classFiles, len(bounds))
	for split, b := range bounds {
		files := classFiles{}
		for _, name := range names[b[0]:b[1]] {
			files[name] = all[name]
		}
		out[split] = files
	}
	return out
}
