package buildsys

import (
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
)

var (
	ErrTaskNotFound    = eris.New("task not found")
	ErrRecursiveTask   = eris.New("task was called recursively")
	ErrUnknownPathRoot = eris.New("unknown path root")
	ErrUnsafeClean     = eris.New("refusing to delete a path outside of the project root")
)

// Category classifies the failure of a step.
type Category string

const (
	CategoryConfig     Category = "config"
	CategoryCompile    Category = "compile"
	CategoryCommand    Category = "command"
	CategoryFilesystem Category = "filesystem"
	CategoryNetwork    Category = "network"
)

// StepError reports the leaf task that stopped a run.
type StepError struct {
	Task     string
	Kind     Kind
	Category Category
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s failed (%s error): %v", e.Task, e.Category, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// categoryError tags an error returned by a leaf operation with its category. The runner removes it again when
// building the StepError.
type categoryError struct {
	category Category
	err      error
}

func (e *categoryError) Error() string {
	return e.err.Error()
}

func (e *categoryError) Unwrap() error {
	return e.err
}

func withCategory(category Category, err error) error {
	if err == nil {
		return nil
	}

	return &categoryError{category: category, err: err}
}

var defaultCategories = map[Kind]Category{
	KindSass:    CategoryCompile,
	KindBatch:   CategoryCommand,
	KindClean:   CategoryFilesystem,
	KindCopy:    CategoryFilesystem,
	KindConnect: CategoryNetwork,
	KindWatch:   CategoryFilesystem,
	KindFetch:   CategoryNetwork,
}

func newStepError(task *Task, err error) *StepError {
	stepErr := &StepError{
		Task:     task.Name,
		Kind:     task.Kind(),
		Category: defaultCategories[task.Kind()],
		Err:      err,
	}

	var tagged *categoryError
	if errors.As(err, &tagged) {
		stepErr.Category = tagged.category
		stepErr.Err = tagged.err
	}

	return stepErr
}
