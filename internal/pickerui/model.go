package pickerui

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/charmbracelet/bubbles/filepicker"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

// Model is the bubbletea model of one picker run.
type Model struct {
	opts  Options
	theme Theme

	files filepicker.Model
	input textinput.Model

	selected  []string
	result    []string
	done      bool
	cancelled bool
	status    string
	width     int
}

func New(opts Options) Model {
	m := Model{opts: opts, theme: NewDefaultTheme()}
	if opts.Mode == ModeSave {
		ti := textinput.New()
		ti.Prompt = "> "
		ti.SetValue(filepath.Join(opts.Folder, opts.Name))
		ti.CursorEnd()
		ti.Focus()
		m.input = ti
		return m
	}

	fp := filepicker.New()
	fp.CurrentDirectory = opts.Folder
	fp.AutoHeight = true
	fp.DirAllowed = opts.Directory
	fp.FileAllowed = !opts.Directory
	m.files = fp
	return m
}

func (m Model) Init() tea.Cmd {
	if m.opts.Mode == ModeSave {
		return textinput.Blink
	}
	return m.files.Init()
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			m.cancelled = true
			return m.finish(nil)
		case "tab":
			if m.opts.Mode == ModeOpen && m.opts.Multiple {
				return m.finish(m.selected)
			}
		case "enter":
			if m.opts.Mode == ModeSave {
				return m.save()
			}
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	}

	var cmd tea.Cmd
	if m.opts.Mode == ModeSave {
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}

	m.files, cmd = m.files.Update(msg)
	if ok, path := m.files.DidSelectFile(msg); ok {
		if !m.opts.Multiple {
			return m.finish([]string{path})
		}
		m.toggle(path)
	}
	if ok, path := m.files.DidSelectDisabledFile(msg); ok {
		m.status = fmt.Sprintf("%s cannot be selected", filepath.Base(path))
	}
	return m, cmd
}

func (m Model) save() (tea.Model, tea.Cmd) {
	name := strings.TrimSpace(m.input.Value())
	if name == "" {
		m.status = "enter a file name"
		return m, nil
	}
	if !filepath.IsAbs(name) {
		name = filepath.Join(m.opts.Folder, name)
	}
	return m.finish([]string{filepath.Clean(name)})
}

// toggle adds path to the selection or removes it when already selected.
func (m *Model) toggle(path string) {
	if i := slices.Index(m.selected, path); i >= 0 {
		m.selected = slices.Delete(m.selected, i, i+1)
		m.status = "removed " + filepath.Base(path)
		return
	}
	m.selected = append(m.selected, path)
	m.status = "added " + filepath.Base(path)
}

func (m Model) finish(paths []string) (tea.Model, tea.Cmd) {
	m.done = true
	m.result = slices.Clone(paths)
	return m, tea.Quit
}

// Result returns the chosen paths; empty when the user cancelled.
func (m Model) Result() []string {
	if !m.done || m.cancelled {
		return nil
	}
	return m.result
}

func (m Model) Cancelled() bool { return m.cancelled }

func (m Model) View() string {
	if m.done {
		return ""
	}

	var b strings.Builder
	switch {
	case m.opts.Mode == ModeSave:
		b.WriteString(m.theme.Title.Render("Save file"))
		b.WriteString("\n\n")
		b.WriteString(m.input.View())
		b.WriteString("\n\n")
		b.WriteString(m.theme.Dim.Render("enter save • esc cancel"))
	default:
		title := "Open file"
		if m.opts.Directory {
			title = "Open folder"
		}
		if m.opts.Multiple {
			title += "s"
		}
		b.WriteString(m.theme.Title.Render(title))
		b.WriteString(" ")
		b.WriteString(m.theme.Dim.Render(m.files.CurrentDirectory))
		b.WriteString("\n\n")
		b.WriteString(m.files.View())
		b.WriteString("\n")
		if m.opts.Multiple {
			b.WriteString(m.theme.Highlight.Render(fmt.Sprintf("%d selected", len(m.selected))))
			b.WriteString("\n")
			b.WriteString(m.theme.Dim.Render("enter toggle • tab done • esc cancel"))
		} else {
			b.WriteString(m.theme.Dim.Render("enter choose • esc cancel"))
		}
	}
	if m.status != "" {
		b.WriteString("\n")
		b.WriteString(m.theme.Highlight.Render(m.status))
	}

	box := m.theme.Border
	if m.width > 4 {
		box = box.Width(m.width - 4)
	}
	return box.Render(b.String())
}
