// Package ui renders a chat session on a terminal and reads user input.
package ui

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

var usernameColors = []lipgloss.Color{
	lipgloss.Color("14"), // bright cyan
	lipgloss.Color("10"), // bright green
	lipgloss.Color("11"), // bright yellow
	lipgloss.Color("13"), // bright magenta
	lipgloss.Color("12"), // bright blue
	lipgloss.Color("6"),
	lipgloss.Color("2"),
	lipgloss.Color("3"),
}

var (
	systemStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
)

// Terminal prints session events and keeps the input prompt visible after
// asynchronous output.
type Terminal struct {
	mx       sync.Mutex
	out      io.Writer
	errOut   io.Writer
	prompt   string
	styles   map[string]lipgloss.Style
	colorIdx int
}

func NewTerminal(out, errOut io.Writer, username string) *Terminal {
	t := &Terminal{
		out:    out,
		errOut: errOut,
		styles: make(map[string]lipgloss.Style),
	}
	if username != "" {
		t.prompt = t.userStyle(username).Render(username) + ": "
	}
	return t
}

// userStyle assigns colors to usernames in order of appearance.
func (t *Terminal) userStyle(username string) lipgloss.Style {
	style, ok := t.styles[username]
	if !ok {
		style = lipgloss.NewStyle().
			Bold(true).
			Foreground(usernameColors[t.colorIdx%len(usernameColors)])
		t.colorIdx++
		t.styles[username] = style
	}
	return style
}

func (t *Terminal) Message(user, text string) {
	t.mx.Lock()
	defer t.mx.Unlock()
	fmt.Fprintf(t.out, "\r%s: %s\n%s", t.userStyle(user).Render(user), text, t.prompt)
}

func (t *Terminal) System(text string) {
	t.mx.Lock()
	defer t.mx.Unlock()
	fmt.Fprintf(t.out, "\r%s\n%s", systemStyle.Render("[system] "+text), t.prompt)
}

func (t *Terminal) Error(text string) {
	t.mx.Lock()
	defer t.mx.Unlock()
	fmt.Fprintln(t.errOut, errorStyle.Render("Error: "+text))
}

func (t *Terminal) Info(text string) {
	t.mx.Lock()
	defer t.mx.Unlock()
	fmt.Fprintln(t.out, infoStyle.Render(text))
}

func (t *Terminal) Success(text string) {
	t.mx.Lock()
	defer t.mx.Unlock()
	fmt.Fprintln(t.out, successStyle.Render(text))
}

// Prompt prints the input prompt.
func (t *Terminal) Prompt() {
	t.mx.Lock()
	defer t.mx.Unlock()
	fmt.Fprint(t.out, t.prompt)
}
