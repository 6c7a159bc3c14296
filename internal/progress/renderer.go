package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/x/term"
	"github.com/mattn/go-isatty"
)

const (
	minMeter = 20
	maxMeter = 60
	// meterPad is the width of everything on the meter line except the meter.
	meterPad = 16
)

// BarRenderer shows a status line and a meter on a terminal, redrawn in
// place. Anywhere else it prints one timestamped line per event.
type BarRenderer struct {
	out   io.Writer
	start time.Time
	tty   bool
	width int
	last  Event
	drawn int
}

// NewBarRenderer detects whether out is a terminal and how wide it is.
func NewBarRenderer(out *os.File) *BarRenderer {
	fd := out.Fd()
	tty := isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
	width := 80
	if tty {
		if w, _, err := term.GetSize(fd); err == nil && w > 0 {
			width = w
		}
	}
	return newRenderer(out, tty, width)
}

func newRenderer(out io.Writer, tty bool, width int) *BarRenderer {
	return &BarRenderer{out: out, start: time.Now(), tty: tty, width: width}
}

// Handle satisfies Callback.
func (r *BarRenderer) Handle(e Event) {
	e.Elapsed = time.Since(r.start)
	if e.Stage == StageComplete {
		e.Percent = 1
	}
	r.last = e

	if !r.tty {
		fmt.Fprintf(r.out, "[%s] %s\n", clock(e.Elapsed), e.Message)
		return
	}
	r.erase()
	fmt.Fprintf(r.out, "%s\n  %s %3d%%  %s",
		truncate(r.status(e), r.width),
		meter(e.Percent, r.meterWidth()),
		int(e.Percent*100),
		clock(e.Elapsed),
	)
	r.drawn = 2
}

func (r *BarRenderer) status(e Event) string {
	if e.Stage == StageConverse && e.TurnTotal > 0 {
		return fmt.Sprintf("  [turn %d/%d] %s", e.Turn, e.TurnTotal, e.Message)
	}
	return "  " + e.Message
}

// Finish removes the meter and reports how the run ended.
func (r *BarRenderer) Finish() {
	r.erase()
	switch e := r.last; {
	case e.Error != nil:
		fmt.Fprintf(r.out, "\n  Error: %v\n", e.Error)
	case e.Stage == StageComplete:
		fmt.Fprintf(r.out, "\n  Conversation %s after %d turns in %s\n", e.State, e.Turn, clock(e.Elapsed))
		if e.OutputFile != "" {
			fmt.Fprintf(r.out, "  Transcript saved to %s\n", e.OutputFile)
		}
	}
}

func (r *BarRenderer) erase() {
	if !r.tty || r.drawn == 0 {
		return
	}
	fmt.Fprint(r.out, "\r\033[2K")
	for range r.drawn - 1 {
		fmt.Fprint(r.out, "\033[A\033[2K")
	}
	fmt.Fprint(r.out, "\r")
	r.drawn = 0
}

func (r *BarRenderer) meterWidth() int {
	return min(max(r.width-meterPad, minMeter), maxMeter)
}

// meter draws pct (clamped to 0..1) as [####....] width cells wide.
func meter(pct float64, width int) string {
	pct = min(max(pct, 0), 1)
	filled := min(int(pct*float64(width)), width)
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", width-filled) + "]"
}

// clock formats d as M:SS.
func clock(d time.Duration) string {
	s := int(d.Seconds())
	return fmt.Sprintf("%d:%02d", s/60, s%60)
}

// truncate shortens s to width runes so the status line never wraps.
func truncate(s string, width int) string {
	runes := []rune(s)
	if width <= 3 || len(runes) <= width {
		return s
	}
	return string(runes[:width-3]) + "..."
}
