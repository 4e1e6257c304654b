// Package cliui renders terminal output for the pgcrypto command.
package cliui

import (
	"flag"
	"os"
	"sync"

	"github.com/muesli/termenv"
	"golang.org/x/xerrors"

	"github.com/coder/pretty"
)

var Canceled = xerrors.New("canceled")

// DefaultStyles compose visual elements of the UI.
var DefaultStyles Styles

type Styles struct {
	Code,
	Error,
	Keyword,
	Placeholder,
	Prompt,
	Warn pretty.Style
}

var (
	color     termenv.Profile
	colorOnce sync.Once
)

var (
	// ANSI color codes
	red     = Color("1")
	green   = Color("2")
	yellow  = Color("3")
	magenta = Color("5")
	white   = Color("7")
)

// Color returns a color for the given string.
func Color(s string) termenv.Color {
	colorOnce.Do(func() {
		color = termenv.NewOutput(os.Stdout).EnvColorProfile()
		if flag.Lookup("test.v") != nil {
			// Use a consistent colorless profile in tests so that results
			// are deterministic.
			color = termenv.Ascii
		}
	})
	return color.Color(s)
}

func isTerm() bool {
	return color != termenv.Ascii
}

// Bold returns text in bold if the terminal supports it.
func Bold(s string) string {
	if !isTerm() {
		return s
	}
	return pretty.Sprint(pretty.Bold(), s)
}

// Code formats code for display.
func Code(s string) string {
	return pretty.Sprint(DefaultStyles.Code, s)
}

// Keyword formats a keyword for display.
func Keyword(s string) string {
	return pretty.Sprint(DefaultStyles.Keyword, s)
}

// Warn formats a warning for display.
func Warn(s string) string {
	return pretty.Sprint(DefaultStyles.Warn, s)
}

func ifTerm(f pretty.Formatter) pretty.Formatter {
	if !isTerm() {
		return pretty.Nop
	}
	return f
}

func init() {
	DefaultStyles = Styles{
		Code: pretty.Style{
			ifTerm(pretty.XPad(1, 1)),
			pretty.FgColor(Color("#ED567A")),
			pretty.BgColor(Color("#2C2C2C")),
		},
		Error: pretty.Style{
			pretty.FgColor(red),
		},
		Keyword: pretty.Style{
			pretty.FgColor(green),
		},
		Placeholder: pretty.Style{
			pretty.FgColor(magenta),
		},
		Prompt: pretty.Style{
			pretty.FgColor(white),
			pretty.Wrap("> ", ""),
		},
		Warn: pretty.Style{
			pretty.FgColor(yellow),
		},
	}
}
