package main

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// printer writes prefixed status lines, colored only on a terminal.
type printer struct {
	w     io.Writer
	color bool
}

func newPrinter(w io.Writer) *printer {
	color := false
	if f, ok := w.(*os.File); ok {
		color = term.IsTerminal(int(f.Fd()))
	}
	return &printer{w: w, color: color}
}

func (p *printer) line(code, tag, msg string) {
	if p.color {
		fmt.Fprintf(p.w, "\033[%sm%s\033[0m %s\n", code, tag, msg)
		return
	}
	fmt.Fprintf(p.w, "%s %s\n", tag, msg)
}

func (p *printer) header(title string) {
	const rule = "========================================"
	if p.color {
		fmt.Fprintf(p.w, "\033[1m\033[0;36m%s\n       %s\n%s\033[0m\n\n", rule, title, rule)
		return
	}
	fmt.Fprintf(p.w, "%s\n       %s\n%s\n\n", rule, title, rule)
}

func (p *printer) success(msg string) { p.line("0;32", "[OK]", msg) }
func (p *printer) info(msg string)    { p.line("0;34", "[INFO]", msg) }
func (p *printer) warn(msg string)    { p.line("1;33", "[WARN]", msg) }
func (p *printer) fail(msg string)    { p.line("0;31", "[ERROR]", msg) }
