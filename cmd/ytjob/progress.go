package main

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"

	"ytjobs/internal/models"
	"ytjobs/internal/tracker"
)

// progressPrinter writes job events as lines. On a terminal, consecutive
// progress events rewrite the same line.
type progressPrinter struct {
	out     io.Writer
	inPlace bool
	open    bool
}

func newProgressPrinter(out io.Writer) *progressPrinter {
	return &progressPrinter{out: out, inPlace: isTerminal(out)}
}

func (p *progressPrinter) event(ev tracker.Event) {
	switch ev.Status {
	case models.StatusDisconnected:
		p.line(fmt.Sprintf("[%s] realtime channel lost (%s), polling instead", ev.Source, ev.Reason))
	case models.StatusCompleted:
		p.line(fmt.Sprintf("[%s] completed %s %s", ev.Source, ev.FileName, ev.DownloadURL))
	case models.StatusError, models.StatusFailed:
		msg := ev.Error
		if msg == "" {
			msg = ev.Message
		}
		p.line(fmt.Sprintf("[%s] %s %s", ev.Source, ev.Status, msg))
	default:
		text := fmt.Sprintf("[%s] %s %.1f%%", ev.Source, ev.Status, ev.Progress)
		if ev.Message != "" {
			text += " " + ev.Message
		}
		if p.inPlace {
			fmt.Fprintf(p.out, "\r\033[K%s", text)
			p.open = true
			return
		}
		p.line(text)
	}
}

func (p *progressPrinter) line(text string) {
	if p.open {
		fmt.Fprint(p.out, "\r\033[K")
		p.open = false
	}
	fmt.Fprintln(p.out, text)
}

func isTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := file.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
