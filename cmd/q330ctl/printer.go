package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/arloliu/go-q330/session"
)

// printer writes the operator facing state and message lines.
type printer struct {
	mu  sync.Mutex
	out io.Writer
	now func() time.Time
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out, now: time.Now}
}

var (
	stationColor = color.New(color.Bold)
	timeColor    = color.New(color.FgHiBlack)
)

func stateColor(st session.State) *color.Color {
	switch st {
	case session.StateRun:
		return color.New(color.FgGreen)
	case session.StateWait, session.StateIdle, session.StateDealloc:
		return color.New(color.FgYellow)
	case session.StateTerminated:
		return color.New(color.FgRed)
	default:
		return color.New(color.FgCyan)
	}
}

func messageColor(c session.MessageCategory) *color.Color {
	switch c {
	case session.CategorySuccess:
		return color.New(color.FgGreen)
	case session.CategoryClientFault, session.CategoryServerFault:
		return color.New(color.FgRed)
	case session.CategoryDebug:
		return color.New(color.FgHiBlack)
	default:
		return color.New(color.Reset)
	}
}

func (p *printer) printf(label, format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "%s %-12s %s\n",
		timeColor.Sprint(p.now().Format(time.TimeOnly)),
		stationColor.Sprint(label),
		fmt.Sprintf(format, args...),
	)
}

// state prints a state transition.
func (p *printer) state(label string, ev session.StateEvent) {
	line := stateColor(ev.State).Sprint(ev.State.String())
	if ev.Reason != session.ReasonNone {
		line += " (" + ev.Reason.String() + ")"
	}
	p.printf(label, "%s -> %s", ev.Prev, line)
}

// message prints a session message.
func (p *printer) message(label string, msg session.Message) {
	p.printf(label, "%s", messageColor(msg.Code.Category()).Sprint(msg.Text()))
}
