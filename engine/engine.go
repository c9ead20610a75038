package engine

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-vm/errors"
	"github.com/wippyai/wasm-vm/translate"
	"github.com/wippyai/wasm-vm/wasm"
)

// Engine holds configuration and the epoch counter shared by its stores.
// It is safe for concurrent use.
type Engine struct {
	cfg       Config
	epoch     atomic.Uint64
	nextStore atomic.Uint64
}

// NewEngine creates an engine. A nil config means DefaultConfig().
func NewEngine(cfg *Config) *Engine {
	return &Engine{cfg: cfg.normalized()}
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

// IncrementEpoch advances the epoch by one. It may be called from any goroutine.
func (e *Engine) IncrementEpoch() {
	e.epoch.Add(1)
}

// Epoch returns the current epoch.
func (e *Engine) Epoch() uint64 { return e.epoch.Load() }

// CompiledModule is a validated module with every function body translated.
// It can be instantiated any number of times in stores of the same engine.
type CompiledModule struct {
	engine *Engine
	Module *wasm.Module
	Funcs  []*translate.Function // defined functions in index order
}

// Compile validates m and translates all of its function bodies.
func (e *Engine) Compile(m *wasm.Module) (*CompiledModule, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	fns, err := translate.TranslateModule(m)
	if err != nil {
		return nil, err
	}
	Logger().Debug("module compiled",
		zap.Int("functions", len(fns)),
		zap.Int("imports", len(m.Imports)),
		zap.Int("exports", len(m.Exports)))
	return &CompiledModule{engine: e, Module: m, Funcs: fns}, nil
}

// CompileBinary decodes and compiles a binary module.
func (e *Engine) CompileBinary(data []byte) (*CompiledModule, error) {
	m, err := wasm.ParseModule(data)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseDecode, errors.KindInvalidData, err, "decode module")
	}
	return e.Compile(m)
}

// Code returns the translated body of the function at module index idx,
// or nil for imports.
func (cm *CompiledModule) Code(idx uint32) *translate.Function {
	imported := uint32(cm.Module.NumImportedFuncs())
	if idx < imported || int(idx-imported) >= len(cm.Funcs) {
		return nil
	}
	return cm.Funcs[idx-imported]
}
