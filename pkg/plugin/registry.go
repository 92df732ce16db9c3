package plugin

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	xerrors "github.com/JohnLonginotto/SeQC/internal/errors"
)

// Stat is a validated statistic held by a Registry.
type Stat struct {
	Descriptor
	Origin      string
	Fingerprint string
}

// Registry is the immutable catalog of statistics produced by Load.
type Registry struct {
	stats    map[string]*Stat
	names    []string
	warnings []string
}

// Option modifies how Load builds a registry.
type Option func(*loadOptions)

type loadOptions struct {
	logger   *slog.Logger
	disabled map[string]bool
}

// WithLogger sends dependency warnings to logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *loadOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithDisabled skips the named statistics.
func WithDisabled(names ...string) Option {
	return func(o *loadOptions) {
		for _, name := range names {
			o.disabled[name] = true
		}
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load validates every source and builds the catalog. Any invalid descriptor or duplicate
// name is a CONFIGURATION_ERROR. Dependencies on unknown statistics only warn.
func Load(sources []Source, opts ...Option) (*Registry, error) {
	o := loadOptions{logger: slog.Default(), disabled: map[string]bool{}}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	r := &Registry{stats: make(map[string]*Stat, len(sources))}
	for _, src := range sources {
		d := src.Descriptor
		if o.disabled[d.Name] {
			continue
		}
		if err := Validate(d); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, fmt.Sprintf("statistic %q from %s is invalid", d.Name, origin(src)))
		}
		if prev, exists := r.stats[d.Name]; exists {
			return nil, xerrors.New(xerrors.CodeConfiguration,
				fmt.Sprintf("statistic %q registered twice: %s and %s", d.Name, prev.Origin, origin(src)),
				xerrors.WithMetadata("first", prev.Origin),
				xerrors.WithMetadata("second", origin(src)))
		}
		r.stats[d.Name] = &Stat{Descriptor: d, Origin: origin(src), Fingerprint: Fingerprint(d.Source)}
		r.names = append(r.names, d.Name)
	}
	sort.Strings(r.names)

	for _, name := range r.names {
		for _, dep := range r.stats[name].Dependencies {
			if _, ok := r.stats[dep]; ok {
				continue
			}
			msg := fmt.Sprintf("statistic %q depends on %q which is not registered", name, dep)
			r.warnings = append(r.warnings, msg)
			o.logger.Warn(msg, slog.String("stat", name), slog.String("dependency", dep))
		}
	}
	return r, nil
}

// Validate checks one descriptor against the plugin contract.
func Validate(d Descriptor) error {
	if err := validate.Struct(d); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return describe(verrs)
		}
		return err
	}

	switch {
	case d.SQL == "" && len(d.Columns) == 0:
		return errors.New("SQL type or explicit Columns required")
	case d.SQL != "" && len(d.Columns) > 0:
		return errors.New("SQL type and explicit Columns are mutually exclusive")
	case d.Linkable && d.SQL == TypeJSON:
		return errors.New("JSON statistics cannot be linkable, store them unlinked or pick TEXT, INT or REAL")
	case d.Linkable && len(d.Columns) > 0:
		return errors.New("statistics with explicit Columns cannot be linkable")
	case d.Linkable && !d.SQL.Linkable():
		return fmt.Errorf("linkable statistics must use TEXT, INT or REAL, not %q", d.SQL)
	case d.Linkable && len(d.Index) > 0:
		return errors.New("Index is managed by the engine for linkable statistics")
	}

	if len(d.Index) > 0 {
		known := make(map[string]bool, len(d.Columns))
		for _, c := range d.Columns {
			known[c.Name] = true
		}
		for _, col := range d.Index {
			if !known[col] {
				return fmt.Errorf("Index column %q is not declared in Columns", col)
			}
		}
	}
	for _, dep := range d.Dependencies {
		if dep == d.Name {
			return errors.New("statistic depends on itself")
		}
	}
	return nil
}

func describe(verrs validator.ValidationErrors) error {
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", fe.Namespace()))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s exceeds %s", fe.Namespace(), fe.Param()))
		case "excludes":
			msgs = append(msgs, fmt.Sprintf("%s must not contain %q", fe.Namespace(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s %s", fe.Namespace(), fe.Tag(), fe.Param()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}

// Fingerprint is the hex MD5 of a statistic's processing logic.
func Fingerprint(source string) string {
	sum := md5.Sum([]byte(source))
	return hex.EncodeToString(sum[:])
}

func origin(src Source) string {
	if src.Origin == "" {
		return "<unknown>"
	}
	return src.Origin
}

// Get returns the statistic called name.
func (r *Registry) Get(name string) (*Stat, bool) {
	s, ok := r.stats[name]
	return s, ok
}

// Names returns all statistic names in alphabetical order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.names...)
}

// Len is the number of statistics.
func (r *Registry) Len() int { return len(r.names) }

// Warnings lists non-fatal problems found while loading.
func (r *Registry) Warnings() []string {
	return append([]string(nil), r.warnings...)
}

// Dependencies returns the declared dependencies of name that exist in the registry.
func (r *Registry) Dependencies(name string) []string {
	s, ok := r.stats[name]
	if !ok {
		return nil
	}
	deps := make([]string, 0, len(s.Dependencies))
	for _, dep := range s.Dependencies {
		if _, ok := r.stats[dep]; ok {
			deps = append(deps, dep)
		}
	}
	return deps
}
