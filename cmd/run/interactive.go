package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.bytecodealliance.org/wit"

	"github.com/wippyai/wasm-vm/engine"
	"github.com/wippyai/wasm-vm/runtime"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	funcStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	typeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	suspendStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFD166"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

// maxLog bounds the poll history shown while stepping.
const maxLog = 12

type interactiveModel struct {
	err      error
	ctx      context.Context
	sess     *session
	instance *runtime.Instance
	future   *engine.CallFuture
	opts     options
	result   string
	funcs    []funcInfo
	inputs   []textinput.Model
	log      []string
	selected int
	focusIdx int
	state    modelState
}

type funcInfo struct {
	name    string
	params  []wit.Type
	results []wit.Type
}

type modelState int

const (
	stateSelectFunc modelState = iota
	stateInputArgs
	stateStepping
	stateShowResult
)

func newInteractiveModel(ctx context.Context, opts options) *interactiveModel {
	return &interactiveModel{
		ctx:   ctx,
		opts:  opts,
		state: stateSelectFunc,
	}
}

type loadedMsg struct {
	err   error
	sess  *session
	funcs []funcInfo
}

func (m *interactiveModel) Init() tea.Cmd {
	return m.loadModule
}

func (m *interactiveModel) loadModule() tea.Msg {
	sess, err := load(m.ctx, m.opts)
	if err != nil {
		return loadedMsg{err: err}
	}
	var funcs []funcInfo
	for _, e := range sess.mod.Exports() {
		if e.Kind != "func" {
			continue
		}
		params, results, err := sess.mod.Signature(e.Name)
		if err != nil {
			// vector or reference signatures cannot be entered as text
			continue
		}
		funcs = append(funcs, funcInfo{name: e.Name, params: params, results: results})
	}
	sort.Slice(funcs, func(i, j int) bool { return funcs[i].name < funcs[j].name })
	if len(funcs) == 0 {
		return loadedMsg{err: fmt.Errorf("no callable exports in %s", m.opts.wasmFile)}
	}
	sess.tickEpochs(m.ctx)
	return loadedMsg{sess: sess, funcs: funcs}
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.dropFuture()
			return m, tea.Quit

		case "up", "k":
			if m.state == stateSelectFunc && m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.state == stateSelectFunc && m.selected < len(m.funcs)-1 {
				m.selected++
			}

		case "enter":
			switch m.state {
			case stateSelectFunc:
				if len(m.funcs) == 0 {
					return m, nil
				}
				m.prepareInputs()
				if len(m.inputs) == 0 {
					m.startCall()
					return m, nil
				}
				m.state = stateInputArgs

			case stateInputArgs:
				m.startCall()
				return m, nil

			case stateShowResult:
				m.reset()
			}

		case " ", "n":
			if m.state == stateStepping {
				m.step()
			}

		case "r":
			if m.state == stateStepping {
				for m.state == stateStepping {
					m.step()
				}
			}

		case "tab":
			if m.state == stateInputArgs && len(m.inputs) > 1 {
				m.inputs[m.focusIdx].Blur()
				m.focusIdx = (m.focusIdx + 1) % len(m.inputs)
				m.inputs[m.focusIdx].Focus()
			}

		case "esc":
			switch m.state {
			case stateInputArgs:
				m.state = stateSelectFunc
				m.inputs = nil
			case stateStepping, stateShowResult:
				m.reset()
			}
		}

	case loadedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.funcs = msg.funcs
		m.sess = msg.sess
	}

	if m.state == stateInputArgs {
		var cmds []tea.Cmd
		for i := range m.inputs {
			var cmd tea.Cmd
			m.inputs[i], cmd = m.inputs[i].Update(msg)
			cmds = append(cmds, cmd)
		}
		return m, tea.Batch(cmds...)
	}

	return m, nil
}

func (m *interactiveModel) prepareInputs() {
	f := m.funcs[m.selected]
	m.inputs = make([]textinput.Model, len(f.params))
	for i, p := range f.params {
		ti := textinput.New()
		ti.Placeholder = runtime.TypeName(p)
		ti.Prompt = fmt.Sprintf("arg%d: ", i)
		ti.Width = 40
		if i == 0 {
			ti.Focus()
		}
		m.inputs[i] = ti
	}
	m.focusIdx = 0
}

// startCall instantiates a fresh instance, so each call starts with the
// configured fuel, and prepares a future without polling it.
func (m *interactiveModel) startCall() {
	f := m.funcs[m.selected]
	raw := make([]string, len(m.inputs))
	for i, input := range m.inputs {
		raw[i] = input.Value()
	}
	m.log = nil
	m.result = ""
	m.err = nil

	args, err := runtime.ParseArgs(f.params, raw)
	if err != nil {
		m.finish(err)
		return
	}
	inst, err := m.sess.instantiate(m.ctx)
	if err != nil {
		m.finish(err)
		return
	}
	fut, err := inst.CallAsync(f.name, args...)
	if err != nil {
		m.finish(err)
		return
	}
	m.instance = inst
	m.future = fut
	m.state = stateStepping
}

// step polls the current call once.
func (m *interactiveModel) step() {
	fut := m.future
	done := fut.Poll(m.ctx)
	line := fmt.Sprintf("poll %3d  %-28s fuel consumed %d", fut.Polls(), fut.State(), m.instance.Store().FuelConsumed())
	m.log = append(m.log, line)
	if len(m.log) > maxLog {
		m.log = m.log[len(m.log)-maxLog:]
	}
	if !done {
		return
	}
	if trap := fut.Trap(); trap != nil {
		m.finish(trap)
		return
	}
	m.result = fmt.Sprintf("%v", runtime.Results(fut))
	m.finish(nil)
}

func (m *interactiveModel) finish(err error) {
	m.err = err
	m.dropFuture()
	m.state = stateShowResult
}

func (m *interactiveModel) dropFuture() {
	if m.future != nil {
		m.future.Delete()
		m.future = nil
	}
}

func (m *interactiveModel) reset() {
	m.dropFuture()
	m.state = stateSelectFunc
	m.inputs = nil
	m.log = nil
	m.result = ""
	m.err = nil
}

func (m *interactiveModel) formatFunc(f funcInfo) string {
	var params []string
	for i, p := range f.params {
		params = append(params, fmt.Sprintf("arg%d: ", i)+typeStyle.Render(runtime.TypeName(p)))
	}
	result := ""
	if len(f.results) > 0 {
		names := make([]string, len(f.results))
		for i, r := range f.results {
			names[i] = runtime.TypeName(r)
		}
		result = " -> " + typeStyle.Render(strings.Join(names, ", "))
	}
	return funcStyle.Render(f.name) + "(" + strings.Join(params, ", ") + ")" + result
}

func (m *interactiveModel) View() string {
	if m.err != nil && m.state != stateShowResult {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err))
	}

	if len(m.funcs) == 0 {
		return "Loading module..."
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("WASM Stepper"))
	b.WriteString(" ")
	b.WriteString(m.opts.wasmFile)
	b.WriteString(helpStyle.Render(fmt.Sprintf("  fuel=%d inject=%dx%d epoch-delta=%d",
		m.opts.fuel, m.opts.injectCount, m.opts.injectFuel, m.opts.epochDelta)))
	b.WriteString("\n\n")

	switch m.state {
	case stateSelectFunc:
		b.WriteString("Select a function to call:\n\n")
		for i, f := range m.funcs {
			if i == m.selected {
				b.WriteString(selectedStyle.Render("> " + m.formatFunc(f)))
			} else {
				b.WriteString("  " + m.formatFunc(f))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("↑/↓ select • enter call • q quit"))

	case stateInputArgs:
		f := m.funcs[m.selected]
		b.WriteString(fmt.Sprintf("Calling %s\n\n", funcStyle.Render(f.name)))
		for i, input := range m.inputs {
			b.WriteString(input.View())
			b.WriteString(" ")
			b.WriteString(typeStyle.Render(runtime.TypeName(f.params[i])))
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("tab next field • enter start • esc back"))

	case stateStepping:
		f := m.funcs[m.selected]
		b.WriteString(fmt.Sprintf("Stepping %s\n\n", funcStyle.Render(f.name)))
		m.writeLog(&b)
		b.WriteString(suspendStyle.Render(fmt.Sprintf("state: %s", m.future.State())))
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("space/n poll once • r run to end • esc abandon • q quit"))

	case stateShowResult:
		f := m.funcs[m.selected]
		b.WriteString(fmt.Sprintf("Result of %s:\n\n", funcStyle.Render(f.name)))
		m.writeLog(&b)
		if m.err != nil {
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		} else {
			b.WriteString(resultStyle.Render(m.result))
		}
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter continue • q quit"))
	}

	return b.String()
}

func (m *interactiveModel) writeLog(b *strings.Builder) {
	for _, line := range m.log {
		b.WriteString("  ")
		b.WriteString(line)
		b.WriteString("\n")
	}
	if len(m.log) > 0 {
		b.WriteString("\n")
	}
}

func runInteractive(opts options) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p := tea.NewProgram(newInteractiveModel(ctx, opts), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
