// Package progress renders live status lines on a terminal. Output that is
// not a terminal gets the final state of each line once, without escape
// sequences.
package progress

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"golang.org/x/term"
)

const (
	defaultTermWidth  = 80
	defaultTermHeight = 24
)

type State interface {
	String() string
}

type Progress struct {
	mu sync.Mutex
	// buffer output to minimize flickering on all terminals
	w   *bufio.Writer
	fd  int
	tty bool

	pos int

	ticker *time.Ticker
	done   chan struct{}
	states []State
}

// NewProgress starts rendering to w. Rendering is animated only when w is
// a terminal.
func NewProgress(w io.Writer) *Progress {
	p := &Progress{w: bufio.NewWriter(w), fd: -1, done: make(chan struct{})}
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		p.fd, p.tty = int(f.Fd()), true
		p.ticker = time.NewTicker(100 * time.Millisecond)
		go p.start()
	}
	return p
}

func (p *Progress) termSize() (int, int) {
	if p.tty {
		if w, h, err := term.GetSize(p.fd); err == nil {
			return w, h
		}
	}
	return defaultTermWidth, defaultTermHeight
}

func (p *Progress) stop() bool {
	p.mu.Lock()
	for _, state := range p.states {
		if spinner, ok := state.(*Spinner); ok {
			spinner.Stop()
		}
	}
	ticker := p.ticker
	p.ticker = nil
	p.mu.Unlock()

	if ticker == nil {
		return false
	}
	ticker.Stop()
	close(p.done)
	p.render()
	return true
}

// Stop renders the final state and leaves it on screen.
func (p *Progress) Stop() bool {
	stopped := p.stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	if stopped {
		fmt.Fprintln(p.w)
		// show cursor
		fmt.Fprint(p.w, "\033[?25h")
	} else {
		for _, state := range p.states {
			fmt.Fprintln(p.w, state.String())
		}
		p.states = nil
	}
	p.w.Flush()
	return stopped
}

// StopAndClear removes the status lines from a terminal.
func (p *Progress) StopAndClear() bool {
	stopped := p.stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	if stopped {
		for range p.pos - 1 {
			fmt.Fprint(p.w, "\033[A")
		}
		fmt.Fprint(p.w, "\033[2K", "\033[1G", "\033[?25h")
	}
	p.states = nil
	p.w.Flush()
	return stopped
}

func (p *Progress) Add(state State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states = append(p.states, state)
}

func (p *Progress) render() {
	_, termHeight := p.termSize()

	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprint(p.w, "\033[?2026h")
	defer fmt.Fprint(p.w, "\033[?2026l")

	for range p.pos - 1 {
		fmt.Fprint(p.w, "\033[A")
	}
	fmt.Fprint(p.w, "\033[1G")

	maxHeight := min(len(p.states), termHeight)
	for i := len(p.states) - maxHeight; i < len(p.states); i++ {
		fmt.Fprint(p.w, p.states[i].String(), "\033[K")
		if i < len(p.states)-1 {
			fmt.Fprint(p.w, "\n")
		}
	}

	p.pos = len(p.states)
	p.w.Flush()
}

func (p *Progress) start() {
	// hide cursor
	p.mu.Lock()
	fmt.Fprint(p.w, "\033[?25l")
	ticker := p.ticker
	p.mu.Unlock()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.render()
		}
	}
}
