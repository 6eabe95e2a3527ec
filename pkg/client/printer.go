package client

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/gen2brain/beeep"
)

const notifyTitle = "peerchat"

// Printer writes chat output, one line per call. It satisfies peer.Output.
type Printer struct {
	mu sync.Mutex
	w  io.Writer

	notify   bool
	notifyFn func(title, message string) error

	sender  lipgloss.Style
	private lipgloss.Style
	notice  lipgloss.Style
	failure lipgloss.Style
}

// NewPrinter styles output for w. Colour is dropped when w is not a terminal.
// With notify set, incoming messages also raise a desktop notification.
func NewPrinter(w io.Writer, notify bool) *Printer {
	r := lipgloss.NewRenderer(w)
	return &Printer{
		w:        w,
		notify:   notify,
		notifyFn: desktopNotify,
		sender:   r.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		private:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("170")),
		notice:   r.NewStyle().Foreground(lipgloss.Color("244")),
		failure:  r.NewStyle().Foreground(lipgloss.Color("196")),
	}
}

func (p *Printer) println(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, s)
}

// Line prints text unstyled.
func (p *Printer) Line(text string) {
	p.println(text)
}

// Notice prints a server or link notice. Notices that report an error are
// highlighted.
func (p *Printer) Notice(text string) {
	if strings.HasPrefix(text, "Error:") {
		p.println(p.failure.Render(text))
		return
	}
	// Rendered per line so multi-line lists are not padded to a block.
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = p.notice.Render(line)
	}
	p.println(strings.Join(lines, "\n"))
}

// Error prints a locally detected error.
func (p *Printer) Error(text string) {
	p.println(p.failure.Render("Error: " + text))
}

// Message prints a direct or broadcast message from another user.
func (p *Printer) Message(from, text string) {
	p.println(p.sender.Render(from+":") + " " + text)
	p.alert(from, text)
}

// Private prints a message that arrived over a peer link.
func (p *Printer) Private(from, text string) {
	p.println(p.private.Render(from+"(private):") + " " + text)
	p.alert(from+" (private)", text)
}

func (p *Printer) alert(from, text string) {
	if !p.notify {
		return
	}
	if runes := []rune(text); len(runes) > 100 {
		text = string(runes[:97]) + "..."
	}
	if err := p.notifyFn(notifyTitle, from+": "+text); err != nil {
		logger.WithError(err).Debug("desktop notification failed")
	}
}

func desktopNotify(title, message string) error {
	return beeep.Notify(title, message, "")
}
