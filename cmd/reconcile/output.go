package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/import/normalizer"
	"github.com/FACorreiaa/snapshot-reconciler/internal/domain/import/repository"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow, color.Bold)
	blue   = color.New(color.FgBlue)
	red    = color.New(color.FgRed)
)

func header(w io.Writer, text string) {
	line := strings.Repeat("=", 60)
	green.Fprintf(w, "%s\n%s\n%s\n", line, text, line)
}

func success(w io.Writer, format string, args ...any) {
	green.Fprintf(w, "  → "+format+"\n", args...)
}

func info(w io.Writer, format string, args ...any) {
	fmt.Fprintf(w, "  → "+format+"\n", args...)
}

func warning(w io.Writer, format string, args ...any) {
	yellow.Fprintf(w, "  ⚠ "+format+"\n", args...)
}

// txLine prints one transaction as a diff line: '+' inserted, '-' rolled
// back, '=' confirmed.
func txLine(w io.Writer, mark byte, t *repository.Transaction) {
	c := blue
	switch mark {
	case '+':
		c = green
	case '-':
		c = red
	}
	c.Fprintf(w, "%c %-30s %s %12s  %s\n",
		mark, t.TransID, t.EntryDate.Format("2006-01-02"), normalizer.FormatCents(t.Amount), t.Description)
}

func checkpointLine(w io.Writer, cp *repository.Checkpoint) {
	prev := "root"
	if cp.PreviousID != nil {
		prev = cp.PreviousID.String()[:8]
	}
	fmt.Fprintf(w, "%6d  %s  %14s  %-8s  %s\n",
		cp.Sequence, cp.At.Format("2006-01-02 15:04:05.000000"), normalizer.FormatCents(cp.Balance), prev, cp.Notes)
}
