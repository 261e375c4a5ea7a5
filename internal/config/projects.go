package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ProjectRoot resolves the directory holding namespace's artifacts. A
// namespace listed in projects uses that directory, relative entries resolve
// against workspace; every other namespace gets workspace/<namespace>.
func ProjectRoot(workspace string, projects map[string]string, namespace string) (string, error) {
	if err := validateNamespace(namespace); err != nil {
		return "", err
	}
	dir, ok := projects[namespace]
	if !ok {
		// viper folds map keys to lower case.
		dir, ok = projects[strings.ToLower(namespace)]
	}
	if !ok || strings.TrimSpace(dir) == "" {
		return filepath.Join(workspace, namespace), nil
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(workspace, dir)
	}
	return filepath.Clean(dir), nil
}

func validateNamespace(ns string) error {
	switch {
	case strings.TrimSpace(ns) == "":
		return fmt.Errorf("invalid namespace %q: empty", ns)
	case strings.ContainsAny(ns, `/\`):
		return fmt.Errorf("invalid namespace %q: path separators are not allowed", ns)
	case strings.HasPrefix(ns, "."):
		return fmt.Errorf("invalid namespace %q: must not start with a dot", ns)
	}
	return nil
}
