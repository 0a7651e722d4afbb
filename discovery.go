package lattice

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/golobby/cast"
	"gopkg.in/yaml.v3"
)

// Declaration file names recognized while walking the module tree. A static
// descriptor embedded in module code always wins over a file; among files,
// the first one found (lexical walk order) wins per module name.
const (
	declFileYAML = "module.yaml"
	declFileTOML = "module.toml"
)

// Discovery locates module descriptors: explicit static declarations on
// registered modules first, legacy declaration files in the module tree
// second. It performs a pure metadata scan; no module object is constructed
// and no descriptor hook is invoked.
type Discovery struct {
	logger   Logger
	validate *validator.Validate
}

// NewDiscovery creates a Discovery using the given logger.
func NewDiscovery(logger Logger) *Discovery {
	return &Discovery{logger: logger, validate: validator.New()}
}

// DiscoveryResult is the outcome of one discovery pass. Failed holds
// module-scoped descriptor errors; those modules are excluded from
// Descriptors and the bootstrap proceeds without them.
type DiscoveryResult struct {
	// Descriptors maps module identity to its parsed, validated
	// descriptor. Disabled modules are absent.
	Descriptors map[string]*Descriptor

	// FileOnly names descriptors that came from a declaration file with
	// no registered module backing them.
	FileOnly map[string]bool

	// Failed maps module identity (or file path when the name is
	// unparseable) to its descriptor error.
	Failed map[string]error
}

// Discover runs one discovery pass over the registered modules and, when
// tree is non-nil, the legacy declaration files beneath it. It is safe to
// run repeatedly; the result is recomputed from scratch each time.
func (d *Discovery) Discover(tree fs.FS, modules map[string]Module) (*DiscoveryResult, error) {
	res := &DiscoveryResult{
		Descriptors: make(map[string]*Descriptor),
		FileOnly:    make(map[string]bool),
		Failed:      make(map[string]error),
	}

	fromFiles := make(map[string]*Descriptor)
	if tree != nil {
		if err := d.walkTree(tree, fromFiles, res.Failed); err != nil {
			return nil, err
		}
	}

	for name, mod := range modules {
		var desc *Descriptor
		switch {
		case isSelfDescribing(mod):
			desc = mod.(SelfDescribing).Descriptor()
			if desc == nil || desc.Name != name {
				res.Failed[name] = moduleErr(name, ErrDescriptorInvalid,
					fmt.Errorf("static descriptor name does not match module name"))
				continue
			}
		case fromFiles[name] != nil:
			desc = fromFiles[name]
		default:
			// walkTree may have already recorded a parse failure for this
			// module's declaration file; keep the parse kind rather than
			// masking it as a missing descriptor.
			if _, recorded := res.Failed[name]; !recorded {
				res.Failed[name] = moduleErr(name, ErrDescriptorNotFound, nil)
			}
			continue
		}
		if desc.Disabled {
			d.logger.Debug("skipping disabled module", "module", name)
			continue
		}
		if err := desc.validate(); err != nil {
			res.Failed[name] = moduleErr(name, ErrDescriptorInvalid, err)
			continue
		}
		res.Descriptors[name] = desc
	}

	// Declaration files with no registered module still participate: their
	// storage declarations and graph edges are honored even though no code
	// backs them.
	for name, desc := range fromFiles {
		if _, taken := res.Descriptors[name]; taken {
			continue
		}
		if _, failed := res.Failed[name]; failed {
			continue
		}
		if _, registered := modules[name]; registered {
			continue
		}
		if desc.Disabled {
			d.logger.Debug("skipping disabled module", "module", name)
			continue
		}
		res.Descriptors[name] = desc
		res.FileOnly[name] = true
	}

	d.logger.Info("discovery complete",
		"modules", len(res.Descriptors), "fileOnly", len(res.FileOnly), "failed", len(res.Failed))
	return res, nil
}

// walkTree scans the module tree once, collecting one descriptor per module
// name. The walk order is lexical, so "first found wins" is deterministic.
func (d *Discovery) walkTree(tree fs.FS, out map[string]*Descriptor, failed map[string]error) error {
	err := fs.WalkDir(tree, ".", func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		base := path.Base(p)
		if base != declFileYAML && base != declFileTOML {
			return nil
		}
		desc, perr := d.parseDeclFile(tree, p)
		if perr != nil {
			key := p
			var merr *ModuleError
			if errors.As(perr, &merr) && merr.Module != "" {
				key = merr.Module
			}
			failed[key] = perr
			d.logger.Warn("descriptor file rejected", "path", p, "error", perr)
			return nil
		}
		if _, dup := out[desc.Name]; dup {
			d.logger.Warn("duplicate declaration file ignored", "module", desc.Name, "path", p)
			return nil
		}
		out[desc.Name] = desc
		return nil
	})
	if err != nil {
		return fmt.Errorf("walking module tree: %w", err)
	}
	return nil
}

// declFile is the on-disk shape of a legacy declaration file. Loosely typed
// fields (priorities, timeouts) are coerced after parsing.
type declFile struct {
	Name        string   `yaml:"name" toml:"name" validate:"required"`
	Version     string   `yaml:"version" toml:"version"`
	Description string   `yaml:"description" toml:"description"`
	Provides    string   `yaml:"provides" toml:"provides"`
	Requires    []string `yaml:"requires" toml:"requires"`
	Priority    any      `yaml:"priority" toml:"priority"`
	Disabled    bool     `yaml:"disabled" toml:"disabled"`

	Storage *struct {
		Database string `yaml:"database" toml:"database" validate:"required"`
		Tables   []struct {
			Name string `yaml:"name" toml:"name" validate:"required"`
			DDL  string `yaml:"ddl" toml:"ddl" validate:"required"`
		} `yaml:"tables" toml:"tables"`
	} `yaml:"storage" toml:"storage"`

	Health *struct {
		Interval string `yaml:"interval" toml:"interval"`
		Timeout  string `yaml:"timeout" toml:"timeout"`
	} `yaml:"health" toml:"health"`

	Shutdown *struct {
		Graceful *struct {
			Timeout  string   `yaml:"timeout" toml:"timeout"`
			Priority any      `yaml:"priority" toml:"priority"`
			After    []string `yaml:"after" toml:"after"`
		} `yaml:"graceful" toml:"graceful"`
		Forced *struct {
			Timeout string `yaml:"timeout" toml:"timeout"`
		} `yaml:"forced" toml:"forced"`
	} `yaml:"shutdown" toml:"shutdown"`
}

func (d *Discovery) parseDeclFile(tree fs.FS, p string) (*Descriptor, error) {
	data, err := fs.ReadFile(tree, p)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDescriptorParse, p, err)
	}

	var file declFile
	switch {
	case strings.HasSuffix(p, ".yaml"):
		err = yaml.Unmarshal(data, &file)
	case strings.HasSuffix(p, ".toml"):
		err = toml.Unmarshal(data, &file)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDescriptorParse, p, err)
	}
	if err := d.validate.Struct(&file); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDescriptorParse, p, err)
	}
	return file.toDescriptor()
}

func (f *declFile) toDescriptor() (*Descriptor, error) {
	b := NewDescriptor(f.Name).
		WithVersion(f.Version).
		WithDescription(f.Description).
		Requires(f.Requires...)
	if f.Provides != "" {
		b.Provides(f.Provides)
	}
	if f.Disabled {
		b.Disable()
	}

	if f.Priority != nil {
		p, err := coerceInt(f.Priority)
		if err != nil {
			return nil, moduleErr(f.Name, ErrDescriptorParse, fmt.Errorf("priority: %w", err))
		}
		b.WithPriority(p)
	}

	if f.Storage != nil {
		tables := make([]TableSpec, 0, len(f.Storage.Tables))
		for _, t := range f.Storage.Tables {
			tables = append(tables, TableSpec{Name: t.Name, DDL: t.DDL})
		}
		b.WithStorage(f.Storage.Database, tables...)
	}

	if f.Health != nil {
		interval, err := coerceDuration(f.Health.Interval, DefaultHealthInterval)
		if err != nil {
			return nil, moduleErr(f.Name, ErrDescriptorParse, fmt.Errorf("health.interval: %w", err))
		}
		timeout, err := coerceDuration(f.Health.Timeout, interval)
		if err != nil {
			return nil, moduleErr(f.Name, ErrDescriptorParse, fmt.Errorf("health.timeout: %w", err))
		}
		b.WithHealthCheck(interval, timeout)
	}

	if f.Shutdown != nil {
		if g := f.Shutdown.Graceful; g != nil {
			timeout, err := coerceDuration(g.Timeout, DefaultGracefulTimeout)
			if err != nil {
				return nil, moduleErr(f.Name, ErrDescriptorParse, fmt.Errorf("shutdown.graceful.timeout: %w", err))
			}
			priority := DefaultPriority
			if g.Priority != nil {
				if priority, err = coerceInt(g.Priority); err != nil {
					return nil, moduleErr(f.Name, ErrDescriptorParse, fmt.Errorf("shutdown.graceful.priority: %w", err))
				}
			}
			b.WithGraceful(timeout, priority, g.After...)
		}
		if fc := f.Shutdown.Forced; fc != nil {
			timeout, err := coerceDuration(fc.Timeout, DefaultForcedTimeout)
			if err != nil {
				return nil, moduleErr(f.Name, ErrDescriptorParse, fmt.Errorf("shutdown.forced.timeout: %w", err))
			}
			b.WithForced(timeout)
		}
	}

	desc, err := b.Build()
	if err != nil {
		return nil, moduleErr(f.Name, ErrDescriptorParse, err)
	}
	return desc, nil
}

// coerceInt accepts the value shapes the YAML and TOML decoders produce for
// a numeric field, plus quoted numbers from hand-edited files.
func coerceInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		converted, err := cast.FromType(n, reflect.TypeOf(0))
		if err != nil {
			return 0, fmt.Errorf("cannot convert %q to int: %w", n, err)
		}
		return converted.(int), nil
	default:
		return 0, fmt.Errorf("unsupported value %v of type %T", v, v)
	}
}

func coerceDuration(s string, fallback time.Duration) (time.Duration, error) {
	if s == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("cannot parse duration %q: %w", s, err)
	}
	return d, nil
}

func isSelfDescribing(m Module) bool {
	_, ok := m.(SelfDescribing)
	return ok
}
