package workflow

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/snarktank/antfarm/pkg/api"
)

// Parse decodes one YAML workflow definition and validates it. Unknown keys
// are rejected.
func Parse(r io.Reader) (*api.WorkflowSpec, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var spec api.WorkflowSpec
	if err := dec.Decode(&spec); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("empty workflow document: %w", api.ErrInvalidWorkflow)
		}
		return nil, fmt.Errorf("decode workflow: %w", err)
	}
	if err := Validate(&spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

// LoadFile reads a definition from path.
func LoadFile(path string) (*api.WorkflowSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	spec, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return spec, nil
}

// LoadDir registers every *.yaml and *.yml file directly inside dir. A
// directory of the form <dir>/<id>/workflow.yml is also accepted.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read workflows dir: %w", err)
	}

	var paths []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			for _, candidate := range []string{"workflow.yml", "workflow.yaml"} {
				p := filepath.Join(dir, name, candidate)
				if _, err := os.Stat(p); err == nil {
					paths = append(paths, p)
					break
				}
			}
			continue
		}
		if ext := strings.ToLower(filepath.Ext(name)); ext == ".yml" || ext == ".yaml" {
			paths = append(paths, filepath.Join(dir, name))
		}
	}
	sort.Strings(paths)

	var errs []error
	for _, p := range paths {
		spec, err := LoadFile(p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := r.Replace(*spec); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
		}
	}
	return errors.Join(errs...)
}
