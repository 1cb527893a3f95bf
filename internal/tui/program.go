package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Program wraps a running dashboard so the supervisor can feed it
// events and tell a keyboard exit apart from its own shutdown.
type Program struct {
	p *tea.Program

	// done closes when the Bubble Tea event loop returns.
	done chan struct{}

	// userQuit closes only when the user exited the dashboard with q,
	// esc or ctrl+c. A supervisor-sent QuitMsg does not close it.
	userQuit chan struct{}
}

// Start launches the dashboard in the alternate screen and runs its
// event loop in a goroutine.
func Start(cfg Config) *Program {
	prog := &Program{
		p:        tea.NewProgram(New(cfg), tea.WithAltScreen()),
		done:     make(chan struct{}),
		userQuit: make(chan struct{}),
	}

	go func() {
		defer close(prog.done)
		final, err := prog.p.Run()
		if err != nil {
			return
		}
		if m, ok := final.(Model); ok && m.userQuit {
			close(prog.userQuit)
		}
	}()

	return prog
}

// Event appends a line to the dashboard's recent events pane.
func (p *Program) Event(line string) {
	p.p.Send(EventMsg{Time: time.Now(), Line: line})
}

// Done reports a user-initiated dashboard exit.
func (p *Program) Done() <-chan struct{} {
	return p.userQuit
}

// Quit closes the dashboard and waits for the terminal to be
// restored.
func (p *Program) Quit() {
	p.p.Send(QuitMsg{})
	select {
	case <-p.done:
	case <-time.After(2 * time.Second):
		p.p.Kill()
		<-p.done
	}
}
