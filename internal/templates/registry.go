// Package templates holds the workflow template registry. Templates are
// validated eagerly when registered and never change afterwards.
package templates

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/example/workflow-orchestrator/internal/dag"
	"github.com/example/workflow-orchestrator/internal/models"
)

//go:embed builtin/*.yaml
var builtin embed.FS

type Registry struct {
	mu   sync.RWMutex
	byID map[string]*models.Template
}

func NewRegistry() *Registry {
	return &Registry{byID: map[string]*models.Template{}}
}

// Register validates tpl and adds it. Registering an id again is a no-op when
// the content is identical and a validation error otherwise.
func (r *Registry) Register(tpl *models.Template) error {
	if err := Validate(tpl); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byID[tpl.ID]; ok {
		if reflect.DeepEqual(existing, tpl) {
			return nil
		}
		return fmt.Errorf("%w: template %q is already registered with different content; version it under a new id",
			models.ErrValidation, tpl.ID)
	}
	r.byID[tpl.ID] = tpl
	return nil
}

// Get returns the registered template. Callers must treat it as read-only.
func (r *Registry) Get(id string) (*models.Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tpl, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("template %s: %w", id, models.ErrNotFound)
	}
	return tpl, nil
}

func (r *Registry) List() []*models.Template {
	r.mu.RLock()
	out := make([]*models.Template, 0, len(r.byID))
	for _, tpl := range r.byID {
		out = append(out, tpl)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LoadEmbedded registers the templates compiled into the binary.
func (r *Registry) LoadEmbedded() error {
	return r.loadFS(builtin, "builtin")
}

// LoadDir registers every *.yaml, *.yml and *.json file in dir.
func (r *Registry) LoadDir(dir string) error {
	if strings.TrimSpace(dir) == "" {
		return nil
	}
	return r.loadFS(os.DirFS(dir), ".")
}

func (r *Registry) loadFS(fsys fs.FS, root string) error {
	entries, err := fs.ReadDir(fsys, root)
	if err != nil {
		return fmt.Errorf("read templates: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}
		data, err := fs.ReadFile(fsys, filepath.ToSlash(filepath.Join(root, e.Name())))
		if err != nil {
			return fmt.Errorf("read template %s: %w", e.Name(), err)
		}
		tpl, err := Parse(data)
		if err != nil {
			return fmt.Errorf("template %s: %w", e.Name(), err)
		}
		if err := r.Register(tpl); err != nil {
			return fmt.Errorf("template %s: %w", e.Name(), err)
		}
	}
	return nil
}

// Parse decodes a YAML (or JSON) template document. Unknown fields are rejected.
func Parse(data []byte) (*models.Template, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var tpl models.Template
	if err := dec.Decode(&tpl); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty template document", models.ErrValidation)
		}
		return nil, fmt.Errorf("%w: %v", models.ErrValidation, err)
	}
	return &tpl, nil
}

// Validate checks the step graph, parallel groups and quality gate references.
func Validate(tpl *models.Template) error {
	if tpl == nil || strings.TrimSpace(tpl.ID) == "" {
		return fmt.Errorf("%w: template id is required", models.ErrValidation)
	}
	if err := ValidateSpecs(tpl.Steps); err != nil {
		return fmt.Errorf("template %s: %w", tpl.ID, err)
	}
	nodes := dag.FromSpecs(tpl.Steps)
	if err := dag.ValidateParallelGroups(nodes, tpl.ParallelGroups); err != nil {
		return fmt.Errorf("template %s: %w", tpl.ID, err)
	}
	for metric := range tpl.QualityGates {
		if strings.TrimSpace(metric) == "" {
			return fmt.Errorf("%w: template %s: quality gate metric name is required", models.ErrValidation, tpl.ID)
		}
	}
	for _, s := range tpl.Steps {
		for _, metric := range s.Gates {
			if _, ok := tpl.QualityGates[metric]; !ok {
				return fmt.Errorf("%w: template %s: step %q references undefined quality gate %q",
					models.ErrValidation, tpl.ID, s.Name, metric)
			}
		}
	}
	return nil
}

// ValidateSpecs checks per-step fields and the dependency graph.
func ValidateSpecs(specs []models.StepSpec) error {
	nodes := dag.FromSpecs(specs)
	if err := dag.Validate(nodes); err != nil {
		return err
	}
	ancestors := dag.Ancestors(nodes)
	for _, s := range specs {
		for _, ref := range OutputRefs(s.Task) {
			if !ancestors[s.Name][ref] {
				return fmt.Errorf("%w: step %q: references the output of %q, which it does not depend on", models.ErrValidation, s.Name, ref)
			}
		}
		if strings.TrimSpace(s.Agent) == "" {
			return fmt.Errorf("%w: step %q: agent is required", models.ErrValidation, s.Name)
		}
		if s.TimeoutMinutes < 0 {
			return fmt.Errorf("%w: step %q: timeout_minutes must not be negative", models.ErrValidation, s.Name)
		}
		if s.MaxAttempts < 0 {
			return fmt.Errorf("%w: step %q: max_attempts must not be negative", models.ErrValidation, s.Name)
		}
	}
	return nil
}

var outputRef = regexp.MustCompile(`\{\{step:([a-zA-Z0-9_\-]+)\.output\}\}`)

// OutputRefs lists the step names a task text reads through
// {{step:NAME.output}}, in order of appearance.
func OutputRefs(text string) []string {
	var names []string
	for _, m := range outputRef.FindAllStringSubmatch(text, -1) {
		names = append(names, m[1])
	}
	return names
}

// Defaults fill in step fields a template leaves unset.
type Defaults struct {
	MaxAttempts int
	Timeout     time.Duration
}

// Instantiate builds the initial steps of a task bound to tpl.
func Instantiate(tpl *models.Template, d Defaults) ([]*models.Step, error) {
	if err := Validate(tpl); err != nil {
		return nil, err
	}
	return buildSteps(tpl.Steps, tpl.ParallelGroups, tpl.QualityGates, d), nil
}

// StepsFromSpecs builds steps for an ad-hoc task. Ad-hoc steps carry no
// parallel groups or quality gates.
func StepsFromSpecs(specs []models.StepSpec, d Defaults) ([]*models.Step, error) {
	if err := ValidateSpecs(specs); err != nil {
		return nil, err
	}
	for _, s := range specs {
		if len(s.Gates) > 0 {
			return nil, fmt.Errorf("%w: step %q: quality gates need a template", models.ErrValidation, s.Name)
		}
	}
	return buildSteps(specs, nil, nil, d), nil
}

func buildSteps(specs []models.StepSpec, groups [][]string, gates map[string]float64, d Defaults) []*models.Step {
	groupOf := map[string]int{}
	for gi, g := range groups {
		for _, name := range g {
			groupOf[name] = gi
		}
	}
	// Gates no step opts into apply to the sink steps.
	referenced := map[string]bool{}
	for _, s := range specs {
		for _, m := range s.Gates {
			referenced[m] = true
		}
	}
	sinks := map[string]bool{}
	for _, name := range dag.Sinks(dag.FromSpecs(specs)) {
		sinks[name] = true
	}

	steps := make([]*models.Step, len(specs))
	for i, s := range specs {
		st := &models.Step{
			Name:            s.Name,
			Position:        i,
			Agent:           s.Agent,
			TaskText:        s.Task,
			Dependencies:    append([]string(nil), s.Dependencies...),
			Timeout:         time.Duration(s.TimeoutMinutes * float64(time.Minute)),
			Priority:        s.Priority,
			MaxAttempts:     s.MaxAttempts,
			Optional:        s.Optional,
			AllowFailedDeps: s.AllowFailedDeps,
			ParallelGroup:   -1,
			Status:          models.StepWaiting,
		}
		if st.Timeout <= 0 {
			st.Timeout = d.Timeout
		}
		if st.MaxAttempts <= 0 {
			st.MaxAttempts = d.MaxAttempts
		}
		if gi, ok := groupOf[s.Name]; ok {
			st.ParallelGroup = gi
		}
		for _, m := range s.Gates {
			if st.Gates == nil {
				st.Gates = map[string]float64{}
			}
			st.Gates[m] = gates[m]
		}
		if sinks[s.Name] {
			for m, threshold := range gates {
				if referenced[m] {
					continue
				}
				if st.Gates == nil {
					st.Gates = map[string]float64{}
				}
				st.Gates[m] = threshold
			}
		}
		steps[i] = st
	}
	return steps
}
