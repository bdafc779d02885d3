package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"image/color"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Noofbiz/fewshot/datasets"
	"github.com/Noofbiz/fewshot/knn"
	"github.com/Noofbiz/fewshot/models"
	"github.com/Noofbiz/fewshot/netbuild"
	"github.com/Noofbiz/fewshot/tensor"
	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// defaultConfigJSON is written to episodes.json when no -config path is given
// and the file does not exist yet. Flags set on the command line override it.
const defaultConfigJSON = `{
  "dataset": {
    "root": "datasets/omniglot_dataset",
    "name": "omniglot_dataset",
    "split": "train",
    "labels_as_int": false,
    "pre_split": false,
    "indexes_of_folders_indicating_class": [-3, -2],
    "train_val_test_split": [0.737, 0.105, 0.158]
  },
  "tasks": {
    "classes_per_set": 5,
    "support_per_class": 1,
    "target_per_class": 5,
    "channels": 1,
    "tasks_per_epoch": 500,
    "subtasks_per_task": 1,
    "same_class_interval": 1,
    "seed": 0,
    "report": 3
  },
  "transforms": {
    "image_height": 28,
    "image_width": 28,
    "grayscale": true,
    "normalize_mean": [0.92206],
    "normalize_std": [0.08426]
  },
  "materialize": {
    "enabled": false,
    "workers": 4,
    "cache_path": "output/store.gob",
    "force": false,
    "progress_interval_seconds": 3
  },
  "model": {
    "kind": "densenet",
    "filters": 16,
    "stages": 2,
    "blocks_per_stage": 2,
    "seed": 1
  },
  "probe": {
    "k": 1
  },
  "out": "plots"
}
`

type config struct {
	Dataset struct {
		Root                            string     `json:"root"`
		Name                            string     `json:"name"`
		Split                           string     `json:"split"`
		LabelsAsInt                     bool       `json:"labels_as_int"`
		PreSplit                        bool       `json:"pre_split"`
		IndexesOfFoldersIndicatingClass []int      `json:"indexes_of_folders_indicating_class"`
		TrainValTestSplit               [3]float64 `json:"train_val_test_split"`
	} `json:"dataset"`
	Tasks struct {
		ClassesPerSet     int   `json:"classes_per_set"`
		SupportPerClass   int   `json:"support_per_class"`
		TargetPerClass    int   `json:"target_per_class"`
		Channels          int   `json:"channels"`
		TasksPerEpoch     int   `json:"tasks_per_epoch"`
		SubtasksPerTask   int   `json:"subtasks_per_task"`
		SameClassInterval int   `json:"same_class_interval"`
		Seed              int64 `json:"seed"`
		Report            int   `json:"report"`
	} `json:"tasks"`
	Transforms struct {
		ImageHeight   int       `json:"image_height"`
		ImageWidth    int       `json:"image_width"`
		Grayscale     bool      `json:"grayscale"`
		NormalizeMean []float32 `json:"normalize_mean"`
		NormalizeStd  []float32 `json:"normalize_std"`
	} `json:"transforms"`
	Materialize struct {
		Enabled                 bool   `json:"enabled"`
		Workers                 int    `json:"workers"`
		CachePath               string `json:"cache_path"`
		Force                   bool   `json:"force"`
		ProgressIntervalSeconds int    `json:"progress_interval_seconds"`
	} `json:"materialize"`
	Model struct {
		Kind           string `json:"kind"`
		Filters        int    `json:"filters"`
		Stages         int    `json:"stages"`
		BlocksPerStage int    `json:"blocks_per_stage"`
		Seed           int64  `json:"seed"`
	} `json:"model"`
	Probe struct {
		K int `json:"k"`
	} `json:"probe"`
	Out string `json:"out"`
}

// loadConfig reads path, creating it from the embedded defaults first when it
// does not exist.
func loadConfig(path string) (config, error) {
	var cfg config
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := ensureDir(filepath.Dir(path)); err != nil {
			return cfg, err
		}
		if err := os.WriteFile(path, []byte(defaultConfigJSON), 0644); err != nil {
			return cfg, fmt.Errorf("write default config %s: %w", path, err)
		}
		log.Printf("Wrote default config to %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// transformKey fingerprints the load pipeline for the store cache.
func (c config) transformKey() string {
	t := c.Transforms
	return fmt.Sprintf("%dx%d gray=%v mean=%v std=%v", t.ImageWidth, t.ImageHeight, t.Grayscale, t.NormalizeMean, t.NormalizeStd)
}

func (c config) pipeline() datasets.Pipeline {
	var ts []datasets.Transform
	t := c.Transforms
	if t.ImageHeight > 0 && t.ImageWidth > 0 {
		ts = append(ts, datasets.Resize(t.ImageWidth, t.ImageHeight))
	}
	if t.Grayscale {
		ts = append(ts, datasets.Grayscale())
	}
	ts = append(ts, datasets.ToTensor())
	if len(t.NormalizeMean) > 0 {
		ts = append(ts, datasets.Normalize(t.NormalizeMean, t.NormalizeStd))
	}
	return datasets.Pipeline{Transforms: ts}
}

func main() {
	klog.InitFlags(nil)

	configPath := flag.String("config", "", "path to JSON config (default episodes.json, created from embedded defaults)")
	printEffectiveConfig := flag.Bool("print-effective-config", false, "print the effective (JSON+CLI merged) configuration and exit")
	root := flag.String("root", "", "dataset root directory (overrides JSON)")
	findIn := flag.String("find-in", "", "comma separated directories searched for a folder named after the dataset when -root is empty")
	name := flag.String("name", "", "dataset name used by the label files (overrides JSON)")
	split := flag.String("split", "", "split to sample from: train, val or test (overrides JSON)")
	seed := flag.Int64("seed", 0, "base sample seed of the epoch (overrides JSON)")
	classes := flag.Int("classes", 0, "classes per task (overrides JSON)")
	support := flag.Int("support", 0, "support samples per class (overrides JSON)")
	target := flag.Int("target", 0, "target samples per class (overrides JSON)")
	channels := flag.Int("channels", 0, "channels every image is reconciled to (overrides JSON)")
	tasks := flag.Int("tasks", 0, "tasks per epoch (overrides JSON)")
	report := flag.Int("report", 0, "number of tasks to sample and report (overrides JSON)")
	advance := flag.Int("advance", 0, "advance the epoch to this iteration before sampling")
	mean := flag.String("normalize-mean", "", "comma separated per-channel means (overrides JSON)")
	std := flag.String("normalize-std", "", "comma separated per-channel stds (overrides JSON)")
	materialize := flag.Bool("materialize", false, "load the whole split into memory before sampling (overrides JSON)")
	workers := flag.Int("workers", 0, "materialization workers (overrides JSON)")
	cachePath := flag.String("cache", "", "gob cache of the materialized split (overrides JSON)")
	cacheForce := flag.Bool("cache-force", false, "materialize and overwrite the cache even if it exists")
	modelKind := flag.String("model", "", "feature extractor to build: densenet, dilated or none (overrides JSON)")
	probeK := flag.Int("k", 0, "neighbours voting in the task probe (overrides JSON)")
	outDir := flag.String("out", "", "output directory for plots (overrides JSON)")
	flag.Parse()

	path := *configPath
	if path == "" {
		path = "episodes.json"
	}
	cfg, err := loadConfig(path)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Only flags set on the command line override the JSON values.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "root":
			cfg.Dataset.Root = *root
		case "name":
			cfg.Dataset.Name = *name
		case "split":
			cfg.Dataset.Split = *split
		case "seed":
			cfg.Tasks.Seed = *seed
		case "classes":
			cfg.Tasks.ClassesPerSet = *classes
		case "support":
			cfg.Tasks.SupportPerClass = *support
		case "target":
			cfg.Tasks.TargetPerClass = *target
		case "channels":
			cfg.Tasks.Channels = *channels
		case "tasks":
			cfg.Tasks.TasksPerEpoch = *tasks
		case "report":
			cfg.Tasks.Report = *report
		case "normalize-mean":
			if cfg.Transforms.NormalizeMean, err = datasets.ParseFloats(*mean); err != nil {
				log.Fatalf("invalid -normalize-mean: %v", err)
			}
		case "normalize-std":
			if cfg.Transforms.NormalizeStd, err = datasets.ParseFloats(*std); err != nil {
				log.Fatalf("invalid -normalize-std: %v", err)
			}
		case "materialize":
			cfg.Materialize.Enabled = *materialize
		case "workers":
			cfg.Materialize.Workers = *workers
		case "cache":
			cfg.Materialize.CachePath = *cachePath
		case "cache-force":
			cfg.Materialize.Force = *cacheForce
		case "model":
			cfg.Model.Kind = *modelKind
		case "k":
			cfg.Probe.K = *probeK
		case "out":
			cfg.Out = *outDir
		}
	})
	if cfg.Dataset.Root == "" && *findIn != "" {
		found, ferr := datasets.FindDatasetRoot(strings.Split(*findIn, ","), cfg.Dataset.Name)
		if ferr != nil {
			log.Fatalf("failed to find dataset: %v", ferr)
		}
		cfg.Dataset.Root = found
	}

	if *printEffectiveConfig {
		out, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			log.Fatalf("failed to encode config: %v", err)
		}
		fmt.Println(string(out))
		return
	}

	splits, err := datasets.LoadDataset(datasets.SourceConfig{
		Root:                            cfg.Dataset.Root,
		Name:                            cfg.Dataset.Name,
		LabelsAsInt:                     cfg.Dataset.LabelsAsInt,
		Seed:                            cfg.Tasks.Seed,
		PreSplit:                        cfg.Dataset.PreSplit,
		IndexesOfFoldersIndicatingClass: cfg.Dataset.IndexesOfFoldersIndicatingClass,
		TrainValTestSplit:               cfg.Dataset.TrainValTestSplit,
	})
	if err != nil {
		log.Fatalf("failed to load dataset %s: %v", cfg.Dataset.Root, err)
	}
	paths, ok := splits[cfg.Dataset.Split]
	if !ok {
		log.Fatalf("dataset has no %q split", cfg.Dataset.Split)
	}
	log.Printf("Dataset %s/%s: %s classes, %s images", cfg.Dataset.Name, cfg.Dataset.Split,
		humanize.Comma(int64(len(paths))), humanize.Comma(int64(paths.Len())))

	labels, err := datasets.LoadLabelSet(cfg.Dataset.Root, cfg.Dataset.Name)
	if err != nil {
		log.Printf("No label files (%v); writing the discovered labels", err)
		labels, err = datasets.DiscoverLabels(datasets.SourceConfig{
			Root:                            cfg.Dataset.Root,
			Name:                            cfg.Dataset.Name,
			LabelsAsInt:                     cfg.Dataset.LabelsAsInt,
			PreSplit:                        cfg.Dataset.PreSplit,
			IndexesOfFoldersIndicatingClass: cfg.Dataset.IndexesOfFoldersIndicatingClass,
		})
		if err != nil {
			log.Fatalf("failed to discover labels: %v", err)
		}
		if err := datasets.SaveLabelSet(cfg.Dataset.Root, cfg.Dataset.Name, labels); err != nil {
			log.Printf("warning: failed to write label files: %v", err)
		}
	}

	pipeline := cfg.pipeline()
	store := paths
	if cfg.Materialize.Enabled {
		store = materializeStore(cfg, paths, pipeline)
	}

	ep, err := datasets.NewEpisodic(store, datasets.EpisodicConfig{
		SamplerConfig: datasets.SamplerConfig{
			ClassesPerSet:   cfg.Tasks.ClassesPerSet,
			SupportPerClass: cfg.Tasks.SupportPerClass,
			TargetPerClass:  cfg.Tasks.TargetPerClass,
			Load:            pipeline.Load,
		},
		Channels:          cfg.Tasks.Channels,
		TasksPerEpoch:     cfg.Tasks.TasksPerEpoch,
		SubtasksPerTask:   cfg.Tasks.SubtasksPerTask,
		SameClassInterval: cfg.Tasks.SameClassInterval,
		Seed:              cfg.Tasks.Seed,
	})
	if err != nil {
		log.Fatalf("failed to create episodic dataset: %v", err)
	}
	episodes := ep.Episodes(cfg.Dataset.Split)
	if *advance > 0 {
		episodes.AdvanceTo(*advance)
	}
	log.Printf("Epoch: %d tasks left (cursor %+v)", episodes.Len(), episodes.Cursor())

	n := cfg.Tasks.Report
	if n > episodes.Len() {
		n = episodes.Len()
	}
	drawn := map[int]int{}
	var probe *knn.Probe
	for i := 0; i < n; i++ {
		task, err := episodes.ItemAt(i)
		if err != nil {
			log.Fatalf("failed to sample task %d: %v", i, err)
		}
		if probe == nil {
			if probe, err = newProbe(cfg, task); err != nil {
				log.Fatalf("failed to build %s: %v", cfg.Model.Kind, err)
			}
		}
		names := make([]string, len(task.SelectedClasses))
		for j, c := range task.SelectedClasses {
			drawn[c]++
			names[j] = labels.IndexToName[c]
		}
		log.Printf("Task %d: support %v target %v classes %v", i, task.SupportImages.Shape(), task.TargetImages.Shape(), names)
		res, err := probe.Evaluate(task)
		if err != nil {
			log.Fatalf("failed to score task %d: %v", i, err)
		}
		log.Printf("Task %d: %d-nn accuracy %.3f (%d/%d)", i, probe.K, res.Accuracy(), res.Correct(), len(res.Predicted))
	}
	// Class frequencies over the rest of the epoch only need the draws.
	for i := n; i < episodes.Len(); i++ {
		spec, err := ep.TaskSpecAt(episodes.Cursor(), i)
		if err != nil {
			log.Fatalf("failed to plan task %d: %v", i, err)
		}
		for _, c := range spec.SelectedClasses {
			drawn[c]++
		}
	}

	if err := plotCounts(cfg.Out, "class_sizes.png", "Samples per class", store.Sizes()); err != nil {
		log.Fatalf("failed to plot class sizes: %v", err)
	}
	if err := plotCounts(cfg.Out, "class_draws.png", "Class draws over the epoch", drawn); err != nil {
		log.Fatalf("failed to plot class draws: %v", err)
	}
	log.Printf("Plots written to %s", cfg.Out)
}

// materializeStore loads paths into memory, going through the cache when one
// is configured.
func materializeStore(cfg config, paths datasets.ClassStore, pipeline datasets.Pipeline) datasets.ClassStore {
	meta := datasets.CacheMeta{Dataset: cfg.Dataset.Name, Split: cfg.Dataset.Split, Transforms: cfg.transformKey()}
	if cfg.Materialize.CachePath != "" && !cfg.Materialize.Force {
		store, err := datasets.LoadStoreCache(cfg.Materialize.CachePath, paths, meta)
		if err == nil {
			log.Printf("Loaded materialized store from %s (%s images)", cfg.Materialize.CachePath, humanize.Comma(int64(store.Len())))
			return store
		}
		log.Printf("Store cache load failed (%v). Materializing and will attempt to save to %s", err, cfg.Materialize.CachePath)
	}

	m := &datasets.Materializer{
		Workers:  cfg.Materialize.Workers,
		Load:     pipeline.Load,
		Progress: &datasets.LogProgress{Interval: time.Duration(cfg.Materialize.ProgressIntervalSeconds) * time.Second},
	}
	start := time.Now()
	store, err := m.Materialize(context.Background(), paths)
	if err != nil {
		log.Fatalf("failed to materialize %s: %v", cfg.Dataset.Split, err)
	}
	log.Printf("Materialization completed in %v", time.Since(start).Round(time.Millisecond))
	if cfg.Materialize.CachePath != "" {
		if err := datasets.SaveStoreCache(cfg.Materialize.CachePath, store, paths, meta); err != nil {
			log.Printf("warning: failed to save store cache to %s: %v", cfg.Materialize.CachePath, err)
		} else {
			log.Printf("Saved materialized store to %s", cfg.Materialize.CachePath)
		}
	}
	return store
}

// newProbe builds the configured feature extractor for the support set of
// task and returns a nearest-neighbour probe over its features. Kind "none"
// compares raw pixels.
func newProbe(cfg config, task *datasets.Task) (*knn.Probe, error) {
	k := cfg.Probe.K
	if k <= 0 {
		k = 1
	}
	if cfg.Model.Kind == "none" {
		return knn.NewProbe(k, nil)
	}
	s := task.SupportImages.Shape()
	in := tensor.Shape{s[1] * s[2], s[3], s[4], s[5]}
	var (
		mod *netbuild.Module
		err error
	)
	switch cfg.Model.Kind {
	case "densenet":
		net := models.DenseNet{
			Filters:        cfg.Model.Filters,
			Stages:         cfg.Model.Stages,
			BlocksPerStage: cfg.Model.BlocksPerStage,
		}
		mod, err = net.Module(cfg.Model.Seed, in)
	case "dilated":
		net := models.DilatedDenseNet{Filters: cfg.Model.Filters, Stages: cfg.Model.Stages, Blocks: cfg.Model.BlocksPerStage}
		mod, err = net.Module(cfg.Model.Seed, in)
	default:
		return nil, fmt.Errorf("unknown model kind %q", cfg.Model.Kind)
	}
	if err != nil {
		return nil, err
	}
	fmt.Print(mod.Topology().Describe())
	log.Printf("Feature extractor: %v -> %v (%d layers)", in, mod.Topology().OutputShape(), mod.Topology().Len())
	return knn.NewProbe(k, mod.Forward)
}

// plotCounts writes a bar chart of counts keyed by class label.
func plotCounts(outDir, file, title string, counts map[int]int) error {
	keys := make([]int, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	values := make(plotter.Values, len(keys))
	for i, k := range keys {
		values[i] = float64(counts[k])
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "class (sorted by label)"
	p.Y.Label.Text = "count"
	if len(values) > 0 {
		bars, err := plotter.NewBarChart(values, vg.Points(4))
		if err != nil {
			return err
		}
		bars.Color = color.RGBA{R: 20, G: 80, B: 200, A: 220}
		bars.LineStyle.Width = 0
		p.Add(bars)
	}
	p.Add(plotter.NewGrid())

	if err := ensureDir(outDir); err != nil {
		return err
	}
	return p.Save(8*vg.Inch, 4*vg.Inch, filepath.Join(outDir, file))
}

func ensureDir(path string) error {
	if path == "" || path == "." {
		return nil
	}
	return os.MkdirAll(path, 0755)
}
