// SPDX-License-Identifier: MIT

// Package prompt provides terminal input helpers for slmctl's
// interactive device-registration wizard, backed by
// charmbracelet/huh when attached to a real terminal and falling back
// to plain scanner-based input otherwise (so the wizard stays testable
// with an in-memory io.Reader).
package prompt

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
)

// Confirm asks a yes/no question.
func Confirm(r io.Reader, w io.Writer, prompt string) bool {
	if r != os.Stdin {
		return confirmWithScanner(r, w, prompt)
	}

	var confirmed bool
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(prompt).
				Affirmative("Yes").
				Negative("No").
				Value(&confirmed),
		),
	)
	if err := form.Run(); err != nil {
		return false
	}
	return confirmed
}

func confirmWithScanner(r io.Reader, w io.Writer, prompt string) bool {
	_, _ = fmt.Fprintf(w, "%s [y/N]: ", prompt)
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		return false
	}
	response := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return response == "y" || response == "yes"
}

// Input asks for a line of free text. If def is non-empty, an empty
// response is replaced with it.
func Input(r io.Reader, w io.Writer, title, def string) string {
	if r != os.Stdin {
		return inputWithScanner(r, w, title, def)
	}

	value := def
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title(title).
				Placeholder(def).
				Value(&value),
		),
	)
	if err := form.Run(); err != nil {
		return def
	}
	if value == "" {
		return def
	}
	return value
}

func inputWithScanner(r io.Reader, w io.Writer, title, def string) string {
	if def != "" {
		_, _ = fmt.Fprintf(w, "%s [%s]: ", title, def)
	} else {
		_, _ = fmt.Fprintf(w, "%s: ", title)
	}
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		return def
	}
	value := strings.TrimSpace(scanner.Text())
	if value == "" {
		return def
	}
	return value
}

// InputInt asks for an integer through Input and returns def when the
// answer does not parse; neither the huh form nor the scanner fallback
// re-prompts.
func InputInt(r io.Reader, w io.Writer, title string, def int) int {
	text := Input(r, w, title, strconv.Itoa(def))
	n, err := strconv.Atoi(strings.TrimSpace(text))
	if err != nil {
		return def
	}
	return n
}

// Select presents a fixed list of options and returns the chosen index,
// or -1 if the user aborted or gave an out-of-range answer.
func Select(r io.Reader, w io.Writer, title string, options []string) int {
	if r != os.Stdin {
		return selectWithScanner(r, w, title, options)
	}

	var choice int
	huhOptions := make([]huh.Option[int], 0, len(options))
	for i, opt := range options {
		huhOptions = append(huhOptions, huh.NewOption(opt, i))
	}
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[int]().
				Title(title).
				Options(huhOptions...).
				Value(&choice),
		),
	)
	if err := form.Run(); err != nil {
		return -1
	}
	return choice
}

func selectWithScanner(r io.Reader, w io.Writer, title string, options []string) int {
	_, _ = fmt.Fprintln(w, title)
	for i, opt := range options {
		_, _ = fmt.Fprintf(w, "  %d. %s\n", i+1, opt)
	}
	_, _ = fmt.Fprint(w, "Selection: ")
	scanner := bufio.NewScanner(r)
	if !scanner.Scan() {
		return -1
	}
	choice, err := strconv.Atoi(strings.TrimSpace(scanner.Text()))
	if err != nil || choice < 1 || choice > len(options) {
		return -1
	}
	return choice - 1
}
