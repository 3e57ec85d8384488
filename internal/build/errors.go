package build

import (
	"errors"
	"fmt"
)

var (
	// The recipe text is malformed.
	ErrRecipe = errors.New("invalid recipe")

	// A build cache read or write failed.
	ErrCache = errors.New("build cache failed")
)

// A failed build step.
//
// Step is the 1-based index of the instruction in the recipe. The build
// halts at the first failing step and nothing is saved or tagged.
type BuildError struct {
	Step int
	Op   Op
	Err  error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build step %d (%s): %v", e.Step, e.Op, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// Wraps a step failure unless it already is one.
func stepError(step int, op Op, err error) error {
	var be *BuildError
	if errors.As(err, &be) {
		return err
	}
	return &BuildError{Step: step, Op: op, Err: err}
}
