package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/atelierhq/atelier/internal/plan"
	"github.com/atelierhq/atelier/internal/protocol"
)

var (
	headingStyle = lipgloss.NewStyle().Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	activeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	waitingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
)

// statusStyles colors plan, step and approval statuses alike.
var statusStyles = map[string]lipgloss.Style{
	string(plan.StatusCompleted):        okStyle,
	string(plan.StatusFailed):           failStyle,
	string(plan.StatusExecuting):        activeStyle,
	string(plan.StatusPaused):           waitingStyle,
	string(plan.StatusAwaitingApproval): waitingStyle,
	string(plan.StatusCancelled):        mutedStyle,
	string(plan.StepInProgress):         activeStyle,
	string(plan.StepPending):            waitingStyle,
	protocol.ApprovalApproved:           okStyle,
	protocol.ApprovalExecuted:           okStyle,
	protocol.ApprovalRejected:           failStyle,
}

// printer writes command output. Styling is applied only when the
// destination is a terminal. Writes are serialized because event handlers
// print from the client's read loop.
type printer struct {
	mu    sync.Mutex
	w     io.Writer
	color bool
	width int
}

func newPrinter(w io.Writer) *printer {
	p := &printer{w: w}
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		p.color = true
		if width, _, err := term.GetSize(int(f.Fd())); err == nil {
			p.width = width
		}
	}
	return p
}

func (p *printer) Printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

func (p *printer) Println(args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, args...)
}

func (p *printer) render(style lipgloss.Style, s string) string {
	if !p.color {
		return s
	}
	return style.Render(s)
}

func (p *printer) heading(s string) string { return p.render(headingStyle, s) }
func (p *printer) muted(s string) string   { return p.render(mutedStyle, s) }
func (p *printer) ok(s string) string      { return p.render(okStyle, s) }
func (p *printer) fail(s string) string    { return p.render(failStyle, s) }

func (p *printer) status(s string) string {
	style, ok := statusStyles[s]
	if !ok {
		return s
	}
	return p.render(style, s)
}

// truncate shortens s to fit the terminal after indent columns.
func (p *printer) truncate(s string, indent int) string {
	if p.width == 0 || indent >= p.width {
		return s
	}
	limit := p.width - indent
	r := []rune(s)
	if len(r) <= limit || limit < 4 {
		return s
	}
	return string(r[:limit-3]) + "..."
}

// printPlan renders a plan with one line per step.
func (p *printer) printPlan(pl *plan.Plan) {
	p.Printf("%s %s\n", p.heading("Plan:"), pl.Goal)
	p.Printf("  ID: %s\n", pl.ID)
	p.Printf("  Status: %s (%d/%d steps completed)\n",
		p.status(string(pl.Status)), pl.Count(plan.StepCompleted), len(pl.Steps))
	p.Println()
	for i, s := range pl.Steps {
		p.Printf("  %d. [%s] %s: %s\n", i+1, p.status(string(s.Status)), s.Action, p.truncate(s.Description, 20))
		switch {
		case s.Error != "":
			p.Printf("     %s\n", p.fail(s.Error))
		case s.Result != "":
			p.Printf("     %s\n", p.muted(s.Result))
		}
	}
	switch pl.Status {
	case plan.StatusAwaitingApproval, plan.StatusPaused:
		p.Println()
		p.Println(p.muted("Run 'atelier plan next' to execute the next step, or 'atelier plan run' to execute the rest."))
	case plan.StatusFailed, plan.StatusCancelled:
		p.Println()
		p.Println(p.muted("This plan is closed. Start a new conversation to continue."))
	}
}

// printApproval renders one approval on one or two lines.
func (p *printer) printApproval(a protocol.Approval) {
	p.Printf("  %s  %-10s %s", a.ID, p.status(a.Status), a.Tool)
	if a.RequestedBy != "" {
		p.Printf(" %s", p.muted("(requested by "+a.RequestedBy+")"))
	}
	p.Println()
	if a.Description != "" {
		p.Printf("      %s\n", p.truncate(a.Description, 6))
	}
	if a.Error != "" {
		p.Printf("      %s\n", p.fail(a.Error))
	}
}

// printArtifacts lists the identifiers a command created.
func (p *printer) printArtifacts(a *protocol.Artifacts) {
	if a == nil {
		return
	}
	for _, line := range []struct {
		label string
		ids   []string
	}{
		{"Assets", a.Assets},
		{"Variants", a.Variants},
		{"Jobs", a.Jobs},
	} {
		if len(line.ids) > 0 {
			p.Printf("%s %s\n", p.muted(line.label+":"), strings.Join(line.ids, ", "))
		}
	}
}
