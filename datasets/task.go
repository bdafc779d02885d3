package datasets

import (
	"fmt"

	"github.com/Noofbiz/fewshot/tensor"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Labels is an integer label tensor stored flat with its shape.
type Labels struct {
	Shape  tensor.Shape
	Values []int32
}

// At returns the label at the given index.
func (l Labels) At(idx ...int) int32 {
	off := 0
	for i, d := range l.Shape {
		off = off*d + idx[i]
	}
	return l.Values[off]
}

// ToGomlx converts the labels to a gomlx int32 tensor.
func (l Labels) ToGomlx() *tensors.Tensor {
	values := make([]int32, len(l.Values))
	copy(values, l.Values)
	return tensors.FromFlatDataAndDimensions(values, l.Shape...)
}

// Task is one episode.
//
//	SupportImages [1, classes, support, channels, height, width]
//	SupportLabels [1, classes, support]
//	TargetImages  [1, classes, target, channels, height, width]
//	TargetLabels  [1, classes, target]
//
// Labels are episode labels in [0, classes): the i-th selected class has
// label i. SelectedClasses holds the store keys in that order.
type Task struct {
	SupportImages   *tensor.Tensor
	SupportLabels   Labels
	TargetImages    *tensor.Tensor
	TargetLabels    Labels
	SelectedClasses []int
}

// newTask splits images [1, classes, support+target, ...] into support and
// target sets along axis 2.
func newTask(images *tensor.Tensor, spec TaskSpec, support int) (*Task, error) {
	classes, per := images.Dim(1), images.Dim(2)
	if classes != len(spec.SelectedClasses) || support > per {
		return nil, fmt.Errorf("%w: task images %v for %d classes with %d support", tensor.ErrShape, images.Shape(), len(spec.SelectedClasses), support)
	}
	sx, err := images.Narrow(2, 0, support)
	if err != nil {
		return nil, err
	}
	tx, err := images.Narrow(2, support, per-support)
	if err != nil {
		return nil, err
	}
	t := &Task{
		SupportImages:   sx,
		TargetImages:    tx,
		SupportLabels:   episodeLabels(classes, support),
		TargetLabels:    episodeLabels(classes, per-support),
		SelectedClasses: append([]int(nil), spec.SelectedClasses...),
	}
	return t, nil
}

func episodeLabels(classes, n int) Labels {
	l := Labels{Shape: tensor.Shape{1, classes, n}, Values: make([]int32, classes*n)}
	for c := 0; c < classes; c++ {
		for i := 0; i < n; i++ {
			l.Values[c*n+i] = int32(c)
		}
	}
	return l
}

// ToGomlxTensors converts the task for a gomlx training loop. Inputs are the
// support and target images; labels are the support labels, the target labels
// and the selected class keys.
func (t *Task) ToGomlxTensors() (inputs, labels []*tensors.Tensor) {
	classes := make([]int32, len(t.SelectedClasses))
	for i, c := range t.SelectedClasses {
		classes[i] = int32(c)
	}
	inputs = []*tensors.Tensor{t.SupportImages.ToGomlx(), t.TargetImages.ToGomlx()}
	labels = []*tensors.Tensor{
		t.SupportLabels.ToGomlx(),
		t.TargetLabels.ToGomlx(),
		tensors.FromFlatDataAndDimensions(classes, len(classes)),
	}
	return inputs, labels
}
