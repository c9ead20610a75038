package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/term"

	wasmvm "github.com/wippyai/wasm-vm"
	"github.com/wippyai/wasm-vm/engine"
	"github.com/wippyai/wasm-vm/internal/refexec"
	"github.com/wippyai/wasm-vm/runtime"
)

type options struct {
	wasmFile    string
	funcName    string
	args        string
	fuel        uint64
	injectCount uint64
	injectFuel  uint64
	epochDelta  uint64
	list        bool
	verify      bool
	verbose     bool
}

func main() {
	var (
		opts        options
		interactive bool
	)
	flag.StringVar(&opts.wasmFile, "wasm", "", "Path to core wasm module")
	flag.StringVar(&opts.funcName, "func", "", "Function to call (optional)")
	flag.StringVar(&opts.args, "args", "", "Comma-separated arguments, optionally typed (u32:7)")
	flag.Uint64Var(&opts.fuel, "fuel", 0, "Fuel per slice; 0 disables metering")
	flag.Uint64Var(&opts.injectCount, "inject-count", 0, "Silent fuel injections before a yield")
	flag.Uint64Var(&opts.injectFuel, "inject-fuel", 0, "Fuel added per injection (default: -fuel)")
	flag.Uint64Var(&opts.epochDelta, "epoch-delta", 0, "Yield every N epochs (1 epoch = 1ms); 0 disables")
	flag.BoolVar(&opts.list, "list", false, "List exports and translated functions and exit")
	flag.BoolVar(&opts.verify, "verify", false, "Cross-check the result against wazero")
	flag.BoolVar(&opts.verbose, "v", false, "Debug logging")
	flag.BoolVar(&interactive, "i", false, "Interactive mode with TUI")
	flag.Parse()

	if opts.wasmFile == "" {
		fmt.Fprintln(os.Stderr, "Usage: run -wasm <file.wasm> [-func name] [-args 1,2] [-fuel N -inject-count K -inject-fuel M] [-epoch-delta D] [-verify]")
		fmt.Fprintln(os.Stderr, "       run -wasm <file.wasm> -list")
		fmt.Fprintln(os.Stderr, "       run -wasm <file.wasm> -i  (interactive mode)")
		os.Exit(1)
	}
	if opts.injectFuel == 0 {
		opts.injectFuel = opts.fuel
	}

	if interactive {
		if !term.IsTerminal(int(os.Stdout.Fd())) {
			fmt.Fprintln(os.Stderr, "Error: -i needs a terminal on stdout")
			os.Exit(1)
		}
		if err := runInteractive(opts); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// session is a loaded module plus the async runtime it runs in.
type session struct {
	rt   *runtime.Runtime
	mod  *runtime.Module
	data []byte
	opts options
}

func load(ctx context.Context, opts options) (*session, error) {
	data, err := os.ReadFile(opts.wasmFile)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	cfg := &runtime.Config{
		Config: engine.Config{
			Async:             true,
			ConsumeFuel:       opts.fuel > 0,
			EpochInterruption: opts.epochDelta > 0,
		},
		Fuel: opts.fuel,
	}
	if opts.verbose {
		logger, err := zap.NewDevelopment()
		if err != nil {
			return nil, fmt.Errorf("create logger: %w", err)
		}
		cfg.Logger = logger
	}
	rt, err := runtime.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create runtime: %w", err)
	}
	mod, err := rt.LoadModule(ctx, data)
	if err != nil {
		return nil, err
	}
	return &session{rt: rt, mod: mod, data: data, opts: opts}, nil
}

// instantiate creates an instance, configures yielding and runs the start
// function to completion.
func (s *session) instantiate(ctx context.Context) (*runtime.Instance, error) {
	inst, start, err := s.mod.InstantiateAsync()
	if err != nil {
		return nil, fmt.Errorf("instantiate: %w", err)
	}
	st := inst.Store()
	if s.opts.fuel > 0 {
		if err := st.FuelAsyncYield(s.opts.injectCount, s.opts.injectFuel); err != nil {
			return nil, err
		}
	}
	if s.opts.epochDelta > 0 {
		st.SetEpochDeadline(s.opts.epochDelta)
		st.EpochDeadlineAsyncYieldAndUpdate(s.opts.epochDelta)
	}
	if start != nil {
		defer start.Delete()
		if err := runtime.Drive(ctx, start, nil); err != nil {
			return nil, fmt.Errorf("start function: %w", err)
		}
	}
	return inst, nil
}

// tickEpochs advances the engine epoch every millisecond until ctx ends.
func (s *session) tickEpochs(ctx context.Context) {
	if s.opts.epochDelta == 0 {
		return
	}
	go func() {
		t := time.NewTicker(time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.rt.Engine().IncrementEpoch()
			}
		}
	}()
}

// entryPoint picks the function to call when -func is not given.
func (s *session) entryPoint() string {
	var funcs []string
	for _, e := range s.mod.Exports() {
		if e.Kind == "func" {
			funcs = append(funcs, e.Name)
		}
	}
	for _, name := range []string{"_start", "run", "main"} {
		for _, f := range funcs {
			if f == name {
				return name
			}
		}
	}
	if len(funcs) == 1 {
		return funcs[0]
	}
	return ""
}

func (s *session) parseArgs(name, raw string) ([]any, error) {
	params, _, err := s.mod.Signature(name)
	if err != nil {
		return nil, err
	}
	var fields []string
	if strings.TrimSpace(raw) != "" {
		fields = strings.Split(raw, ",")
	}
	return runtime.ParseArgs(params, fields)
}

// verify reruns the call on wazero and compares outcomes.
func (s *session) verify(ctx context.Context, fut *engine.CallFuture, name string, args []any) error {
	ft, err := s.mod.FuncType(name)
	if err != nil {
		return err
	}
	vals := make([]wasmvm.Value, len(args))
	for i, a := range args {
		if vals[i], err = runtime.ToValue(ft.Params[i], a); err != nil {
			return err
		}
	}
	out, err := refexec.New().Run(ctx, s.data, nil, name, refexec.Bits(vals))
	if err != nil {
		return err
	}
	var results []wasmvm.Value
	if fut.Trap() == nil {
		results = fut.Results()
	}
	return refexec.Compare(out, results, fut.Trap())
}

func run(opts options) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := load(ctx, opts)
	if err != nil {
		return err
	}

	fmt.Printf("Module: %s\n", opts.wasmFile)
	fmt.Printf("\nExports:\n")
	for _, e := range s.mod.Exports() {
		if e.Kind != "func" {
			fmt.Printf("  %s %s\n", e.Kind, e.Name)
			continue
		}
		fmt.Printf("  func %s\n", signature(s.mod, e.Name))
	}

	if opts.list {
		fmt.Printf("\nFunctions:\n")
		for _, f := range s.mod.Functions() {
			name := f.Name
			if name == "" {
				name = fmt.Sprintf("#%d", f.Index)
			}
			fmt.Printf("  %-20s ops=%d blocks=%d reachable=%d sealed=%d checkpoints=%d max-stack=%d\n",
				name, f.Ops, f.Blocks, f.Reachable, f.Sealed, f.Checkpoints, f.MaxStack)
		}
		return nil
	}

	funcName := opts.funcName
	if funcName == "" {
		funcName = s.entryPoint()
		if funcName == "" {
			fmt.Printf("\nNo function specified and no common entry point found.\n")
			fmt.Printf("Use -func to specify a function to call.\n")
			return nil
		}
	}
	args, err := s.parseArgs(funcName, opts.args)
	if err != nil {
		return fmt.Errorf("arguments: %w", err)
	}

	s.tickEpochs(ctx)
	inst, err := s.instantiate(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("\nCalling %s%v...\n", funcName, args)
	fut, err := inst.CallAsync(funcName, args...)
	if err != nil {
		return fmt.Errorf("call %s: %w", funcName, err)
	}
	defer fut.Delete()

	start := time.Now()
	callErr := runtime.Drive(ctx, fut, func(st engine.CallState) {
		fmt.Printf("  poll %d: %s (fuel consumed %d)\n", fut.Polls(), st, inst.Store().FuelConsumed())
	})
	fmt.Printf("Finished after %d polls in %s\n", fut.Polls(), time.Since(start).Round(time.Microsecond))

	if opts.verify {
		if err := s.verify(ctx, fut, funcName, args); err != nil {
			return fmt.Errorf("verify: %w", err)
		}
		fmt.Printf("Reference: match\n")
	}
	if callErr != nil {
		return fmt.Errorf("call %s: %w", funcName, callErr)
	}
	fmt.Printf("Result: %v\n", runtime.Results(fut))
	return nil
}

func signature(mod *runtime.Module, name string) string {
	params, results, err := mod.Signature(name)
	if err != nil {
		ft, ferr := mod.FuncType(name)
		if ferr != nil {
			return name
		}
		return name + ft.String()
	}
	ps := make([]string, len(params))
	for i, p := range params {
		ps[i] = fmt.Sprintf("arg%d: %s", i, runtime.TypeName(p))
	}
	out := name + "(" + strings.Join(ps, ", ") + ")"
	if len(results) == 1 {
		out += " -> " + runtime.TypeName(results[0])
	} else if len(results) > 1 {
		rs := make([]string, len(results))
		for i, r := range results {
			rs[i] = runtime.TypeName(r)
		}
		out += " -> (" + strings.Join(rs, ", ") + ")"
	}
	return out
}
