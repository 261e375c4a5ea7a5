// Package prereq checks that a phase's upstream artifacts exist on disk
// before any of its work is enqueued.
package prereq

import (
	"fmt"
	"os"
	"path/filepath"

	"phaseline/internal/config"
)

type Result struct {
	Valid   bool     `json:"valid"`
	Missing []string `json:"missing"`
}

// Validator resolves prerequisite paths against Root, the project directory
// of the namespace being validated.
type Validator struct {
	Root     string
	Workflow *config.Workflow
}

// Validate checks the static prerequisite list of phase.
func (v Validator) Validate(namespace, phase string) (Result, error) {
	if v.Workflow == nil {
		return Result{}, fmt.Errorf("validate %s/%s: no workflow loaded", namespace, phase)
	}
	def, ok := v.Workflow.Phase(phase)
	if !ok {
		return Result{}, fmt.Errorf("unknown phase %q", phase)
	}
	return Check(v.Root, def.Prerequisites), nil
}

// Check reports which of required are absent under root. Directories do not
// count as present.
func Check(root string, required []string) Result {
	res := Result{Valid: true, Missing: []string{}}
	for _, name := range required {
		if !fileExists(resolve(root, name)) {
			res.Missing = append(res.Missing, name)
		}
	}
	res.Valid = len(res.Missing) == 0
	return res
}

// Exists reports whether path, resolved against root, is a regular file.
func Exists(root, path string) bool {
	return fileExists(resolve(root, path))
}

func resolve(root, path string) string {
	if path == "" {
		return ""
	}
	if filepath.IsAbs(path) || root == "" {
		return path
	}
	return filepath.Join(root, path)
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}
