package technique

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// ErrNoDescriptors is returned by Load in strict mode when no valid
// technique descriptor was found under the root.
var ErrNoDescriptors = errors.New("no valid technique descriptors")

// descriptorName matches on-disk descriptor file names, e.g. SAFE-T1102.yaml.
var descriptorName = regexp.MustCompile(`^SAFE-T\d+\.(ya?ml|json)$`)

// LoadError records one descriptor that failed to load. Collected so
// startup logs can name every rejected file precisely.
type LoadError struct {
	File string
	Err  error
}

func (e LoadError) Error() string {
	return fmt.Sprintf("%s: %v", e.File, e.Err)
}

// Catalogue is the immutable, indexed set of techniques and mitigations.
// Built once by Load; queries are safe for concurrent use.
type Catalogue struct {
	techniques  map[string]*Technique
	ordered     []*Technique
	mitigations map[string]*Mitigation

	// LoadErrors lists descriptors rejected during load (lenient mode).
	LoadErrors []LoadError
}

// Load reads technique descriptors (one file per technique) and the
// mitigations document from root. In strict mode any invalid descriptor
// fails the load; otherwise invalid descriptors are collected in
// LoadErrors and the valid subset is used. An empty or missing root
// yields the built-in catalogue so the gateway is never blind.
func Load(root string, strict bool) (*Catalogue, error) {
	c := &Catalogue{
		techniques:  make(map[string]*Technique),
		mitigations: make(map[string]*Mitigation),
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		if strict {
			return nil, fmt.Errorf("reading technique root: %w", err)
		}
		return Builtin(), nil
	}

	validate := validator.New()

	for _, entry := range entries {
		if entry.IsDir() || !descriptorName.MatchString(entry.Name()) {
			continue
		}
		path := filepath.Join(root, entry.Name())
		t, err := loadDescriptor(path, validate)
		if err != nil {
			if strict {
				return nil, fmt.Errorf("loading %s: %w", entry.Name(), err)
			}
			c.LoadErrors = append(c.LoadErrors, LoadError{File: entry.Name(), Err: err})
			continue
		}
		c.techniques[t.ID] = t
	}

	if len(c.techniques) == 0 {
		if strict {
			return nil, ErrNoDescriptors
		}
		b := Builtin()
		b.LoadErrors = c.LoadErrors
		return b, nil
	}

	if err := c.loadMitigations(filepath.Join(root, "mitigations.yaml")); err != nil && strict {
		return nil, err
	}

	c.buildOrder()
	return c, nil
}

func loadDescriptor(path string, validate *validator.Validate) (*Technique, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var t Technique
	// yaml.v3 also accepts JSON input, so one decoder covers both formats.
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := validate.Struct(&t); err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}
	if !t.Severity.IsValid() {
		return nil, fmt.Errorf("unknown severity %q", t.Severity)
	}
	if !t.Tactic.IsValid() {
		return nil, fmt.Errorf("unknown tactic %q", t.Tactic)
	}
	if err := Compile(&t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Compile pre-compiles every pattern in descriptor order.
// An invalid regex rejects the whole descriptor; partial matcher sets
// would silently weaken detection.
func Compile(t *Technique) error {
	for i, spec := range t.Detection.Patterns {
		if spec.Weight == 0 {
			spec.Weight = 1.0
			t.Detection.Patterns[i].Weight = 1.0
		}
		m := CompiledMatcher{Spec: spec}
		switch spec.Kind {
		case MatcherRegex:
			expr := spec.Pattern
			if !spec.CaseSensitive {
				expr = "(?i)" + expr
			}
			re, err := regexp.Compile(expr)
			if err != nil {
				return fmt.Errorf("pattern %d: %w", i, err)
			}
			m.Regex = re
		case MatcherSubstring:
			if !spec.CaseSensitive {
				m.FoldedLiteral = strings.ToLower(spec.Pattern)
			}
		default:
			return fmt.Errorf("pattern %d: unknown kind %q", i, spec.Kind)
		}
		t.Matchers = append(t.Matchers, m)
	}
	return nil
}

func (c *Catalogue) loadMitigations(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading mitigations: %w", err)
	}

	var doc map[string]*Mitigation
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing mitigations: %w", err)
	}
	for id, m := range doc {
		m.ID = id
		c.mitigations[id] = m
	}
	return nil
}

func (c *Catalogue) buildOrder() {
	c.ordered = c.ordered[:0]
	for _, t := range c.techniques {
		c.ordered = append(c.ordered, t)
	}
	sort.Slice(c.ordered, func(i, j int) bool {
		return c.ordered[i].ID < c.ordered[j].ID
	})
}

// Lookup returns the technique with the given id, or nil.
func (c *Catalogue) Lookup(id string) *Technique {
	return c.techniques[id]
}

// List returns all techniques ordered by id.
func (c *Catalogue) List() []*Technique {
	return c.ordered
}

// Mitigation returns the mitigation with the given id, or nil.
func (c *Catalogue) Mitigation(id string) *Mitigation {
	return c.mitigations[id]
}

// EnabledFor returns the enabled techniques applicable to the given
// method and argument set, in catalogue order. A technique with an
// Applies block restricted to argument keys is skipped when none of the
// named keys is present (a path-traversal technique only fires on
// requests carrying a path-like argument).
func (c *Catalogue) EnabledFor(method string, args map[string]interface{}) []*Technique {
	var out []*Technique
	for _, t := range c.ordered {
		if !t.Enabled {
			continue
		}
		if applies(t.Detection.Applies, method, args) {
			out = append(out, t)
		}
	}
	return out
}

func applies(a *Applicability, method string, args map[string]interface{}) bool {
	if a == nil {
		return true
	}
	if len(a.Methods) > 0 {
		found := false
		for _, m := range a.Methods {
			if m == method {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(a.ArgKeys) > 0 {
		for _, k := range a.ArgKeys {
			if _, ok := args[k]; ok {
				return true
			}
		}
		return false
	}
	return true
}

// Store holds the current catalogue and supports atomic replacement.
// In-flight inspections keep the catalogue pointer they started with.
type Store struct {
	current atomic.Pointer[Catalogue]
}

// NewStore creates a Store seeded with the given catalogue.
func NewStore(c *Catalogue) *Store {
	s := &Store{}
	s.current.Store(c)
	return s
}

// Current returns the active catalogue.
func (s *Store) Current() *Catalogue {
	return s.current.Load()
}

// Replace installs a new catalogue atomically.
func (s *Store) Replace(c *Catalogue) {
	s.current.Store(c)
}
