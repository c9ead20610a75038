package runtime

import (
	"context"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-vm/engine"
	"github.com/wippyai/wasm-vm/errors"
	"github.com/wippyai/wasm-vm/translate"
)

// Config configures a Runtime. The embedded engine.Config is passed to the
// engine unchanged.
type Config struct {
	engine.Config

	// Fuel is loaded into every new store when ConsumeFuel is set.
	Fuel uint64

	// Logger, when set, replaces the runtime, engine and translate loggers.
	Logger *zap.Logger
}

type Runtime struct {
	engine *engine.Engine
	hosts  *HostRegistry
	cfg    Config
}

// New creates a runtime. A nil config uses engine defaults.
func New(ctx context.Context, cfg *Config) (*Runtime, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Load("create runtime", err)
	}
	var c Config
	if cfg != nil {
		c = *cfg
	}
	if c.Logger != nil {
		SetLogger(c.Logger)
		engine.SetLogger(c.Logger)
		translate.SetLogger(c.Logger)
	}
	return &Runtime{
		engine: engine.NewEngine(&c.Config),
		hosts:  NewHostRegistry(),
		cfg:    c,
	}, nil
}

// Engine returns the underlying engine, e.g. to advance the epoch.
func (r *Runtime) Engine() *engine.Engine { return r.engine }

// RegisterHost registers all exported methods of h as host functions.
// Must be called BEFORE instantiating modules that import these functions.
// Method names are converted from PascalCase to kebab-case (GetValue -> get-value).
func (r *Runtime) RegisterHost(h Host) error {
	return r.hosts.RegisterHost(h)
}

func (r *Runtime) RegisterFunc(namespace, name string, fn any) error {
	return r.hosts.RegisterFunc(namespace, name, fn)
}

func (r *Runtime) Hosts() *HostRegistry {
	return r.hosts
}

// LoadModule decodes, validates and translates a core WebAssembly binary.
func (r *Runtime) LoadModule(ctx context.Context, wasm []byte) (*Module, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Load("load module", err)
	}
	cm, err := r.engine.CompileBinary(wasm)
	if err != nil {
		return nil, errors.Load("load module", err)
	}
	Logger().Debug("module loaded",
		zap.Int("bytes", len(wasm)),
		zap.Int("functions", len(cm.Funcs)))
	return &Module{runtime: r, compiled: cm}, nil
}

func (r *Runtime) newStore() (*engine.Store, error) {
	s := engine.NewStore(r.engine)
	if r.cfg.ConsumeFuel && r.cfg.Fuel > 0 {
		if err := s.SetFuel(r.cfg.Fuel); err != nil {
			return nil, err
		}
	}
	return s, nil
}
