package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"

	"github.com/pavelanni/rapport/internal/model"
)

// Catalog is the ordered, read-only list of exercises loaded at startup.
type Catalog struct {
	exercises []model.Exercise
}

// New builds a catalog from exercises. Nothing is shared with the caller.
func New(exercises []model.Exercise) *Catalog {
	c := &Catalog{exercises: make([]model.Exercise, len(exercises))}
	for i, ex := range exercises {
		c.exercises[i] = cloneExercise(ex)
	}
	return c
}

func cloneExercise(ex model.Exercise) model.Exercise {
	ex.Variations = slices.Clone(ex.Variations)
	ex.Examples = slices.Clone(ex.Examples)
	return ex
}

// Load reads and validates a catalog file. The raw bytes are returned so the
// caller can fingerprint the file.
func Load(path string) (*Catalog, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return c, data, nil
}

// Parse decodes a JSON array of exercises.
func Parse(data []byte) (*Catalog, error) {
	var exercises []model.Exercise
	if err := json.Unmarshal(data, &exercises); err != nil {
		return nil, err
	}
	for i, ex := range exercises {
		if ex.Name == "" {
			return nil, fmt.Errorf("exercise %d: name is required", i)
		}
		if len(ex.Variations) == 0 {
			return nil, fmt.Errorf("exercise %d (%s): at least one variation is required", i, ex.Name)
		}
	}
	return New(exercises), nil
}

// Len returns the number of exercises.
func (c *Catalog) Len() int {
	return len(c.exercises)
}

// Exercise returns the exercise at index i.
func (c *Catalog) Exercise(i int) (model.Exercise, bool) {
	if i < 0 || i >= len(c.exercises) {
		return model.Exercise{}, false
	}
	return cloneExercise(c.exercises[i]), true
}

// Variation returns the stimulus text of variation k of exercise i.
func (c *Catalog) Variation(i, k int) (string, bool) {
	if i < 0 || i >= len(c.exercises) {
		return "", false
	}
	vars := c.exercises[i].Variations
	if k < 0 || k >= len(vars) {
		return "", false
	}
	return vars[k], true
}

// Shape returns the number of variations of every exercise.
func (c *Catalog) Shape() []int {
	shape := make([]int, len(c.exercises))
	for i, ex := range c.exercises {
		shape[i] = len(ex.Variations)
	}
	return shape
}

// Exercises returns a deep copy of all exercises.
func (c *Catalog) Exercises() []model.Exercise {
	out := make([]model.Exercise, len(c.exercises))
	for i, ex := range c.exercises {
		out[i] = cloneExercise(ex)
	}
	return out
}
