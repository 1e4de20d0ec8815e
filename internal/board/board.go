// Package board renders a live, colorized console view of every UUT port's
// latest validation level — one cell per port, refreshed in place. It reuses
// the same ansi256 block-coloring plus go-colorable Windows-safe writer an
// LED-strip emulator would use, retargeted from a stream of RGB pixels to a
// stream of validate.Level results.
package board

import (
	"bytes"
	"fmt"
	"image/color"
	"io"
	"sort"
	"sync"

	"github.com/maruel/ansi256"
	"github.com/mattn/go-colorable"

	"github.com/periph-extra/bibrunner/internal/validate"
)

// Cell identifies one UUT port slot on the board.
type Cell struct {
	BibID string
	UutID string
	Port  int
}

func (c Cell) String() string {
	return fmt.Sprintf("%s/%s/%d", c.BibID, c.UutID, c.Port)
}

func colorFor(level validate.Level) color.NRGBA {
	switch level {
	case validate.Pass:
		return color.NRGBA{G: 200, A: 255}
	case validate.Warn:
		return color.NRGBA{R: 220, G: 160, A: 255}
	case validate.Fail:
		return color.NRGBA{R: 220, A: 255}
	case validate.Critical:
		return color.NRGBA{R: 255, B: 255, A: 255}
	default:
		return color.NRGBA{R: 80, G: 80, B: 80, A: 255}
	}
}

// Board is a console status board: one colored, labeled block per Cell,
// redrawn on the same line every time Update is called. It is safe for
// concurrent use by multiple UUT workflow goroutines.
type Board struct {
	w   io.Writer
	mu  sync.Mutex
	buf bytes.Buffer

	order  []Cell
	levels map[Cell]validate.Level
}

// New returns a Board that writes to the console.
func New() *Board {
	return &Board{
		w:      colorable.NewColorableStdout(),
		levels: map[Cell]validate.Level{},
	}
}

// Update records the latest level for cell and redraws the board.
func (b *Board) Update(cell Cell, level validate.Level) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.levels[cell]; !ok {
		b.order = append(b.order, cell)
		sort.Slice(b.order, func(i, j int) bool { return b.order[i].String() < b.order[j].String() })
	}
	b.levels[cell] = level
	_, err := b.refresh()
	return err
}

// Halt clears the board's color state, leaving the cursor on a fresh line.
func (b *Board) Halt() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.w.Write([]byte("\n\033[0m"))
	return err
}

func (b *Board) refresh() (int, error) {
	b.buf.Reset()
	b.buf.WriteString("\r\033[0m")
	for _, cell := range b.order {
		b.buf.WriteString(ansi256.Default.Block(colorFor(b.levels[cell])))
		fmt.Fprintf(&b.buf, "%s ", cell)
	}
	b.buf.WriteString("\033[0m")
	n, err := b.buf.WriteTo(b.w)
	return int(n), err
}
