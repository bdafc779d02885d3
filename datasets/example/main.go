package main

// Example command that samples one few-shot task from a folder of class
// directories and converts it into gomlx tensors.
//
// Usage:
//   go run ./datasets/example -root path/to/dataset
//
// Every sub-folder of root is a class; images are resized to 28x28 gray. If
// no root is given the example looks for ./assets/omniglot_dataset.

import (
	"flag"
	"fmt"
	"log"

	"github.com/Noofbiz/fewshot/datasets"
)

func main() {
	root := flag.String("root", "", "dataset root with one folder per class")
	flag.Parse()

	if *root == "" {
		found, err := datasets.FindDatasetRoot([]string{"assets", "../assets"}, "omniglot_dataset")
		if err != nil {
			log.Fatalf("no dataset root given and none found: %v", err)
		}
		*root = found
	}

	// Take every class for training so a small folder still yields a task.
	splits, err := datasets.LoadDataset(datasets.SourceConfig{
		Root:              *root,
		Name:              "example",
		TrainValTestSplit: [3]float64{1, 0, 0},
	})
	if err != nil {
		log.Fatalf("failed to load dataset: %v", err)
	}
	train := splits[datasets.SplitTrain]
	fmt.Printf("Using dataset root: %s\n", *root)
	fmt.Printf("Classes: %d, images: %d\n", len(train), train.Len())

	pipeline := datasets.Pipeline{Transforms: []datasets.Transform{
		datasets.Resize(28, 28),
		datasets.Grayscale(),
	}}
	ep, err := datasets.NewEpisodic(train, datasets.EpisodicConfig{
		SamplerConfig: datasets.SamplerConfig{
			ClassesPerSet:   5,
			SupportPerClass: 1,
			TargetPerClass:  2,
			Load:            pipeline.Load,
		},
		Channels:      1,
		TasksPerEpoch: 10,
	})
	if err != nil {
		log.Fatalf("failed to create episodic dataset: %v", err)
	}

	task, err := ep.TaskAt(ep.Start(), 0)
	if err != nil {
		log.Fatalf("failed to sample task: %v", err)
	}
	fmt.Printf("Selected classes: %v\n", task.SelectedClasses)
	fmt.Printf("  Support images: %v\n", task.SupportImages.Shape())
	fmt.Printf("  Target images:  %v\n", task.TargetImages.Shape())

	inputs, labels := task.ToGomlxTensors()
	for _, t := range inputs {
		fmt.Printf("  input  %s\n", t.Shape())
	}
	for _, t := range labels {
		fmt.Printf("  label  %s\n", t.Shape())
	}
}
