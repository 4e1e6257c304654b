package cliui

import (
	"bufio"
	"fmt"
	"strings"

	"golang.org/x/xerrors"

	"github.com/coder/pretty"
	"github.com/coder/serpent"
)

const skipPromptFlag = "yes"

// SkipPromptOption adds a "--yes/-y" flag to the cmd that can be used to skip
// confirmation prompts.
func SkipPromptOption() serpent.Option {
	return serpent.Option{
		Flag:          skipPromptFlag,
		FlagShorthand: "y",
		Description:   "Bypass confirmation prompts.",
		// Discard
		Value: serpent.BoolOf(new(bool)),
	}
}

const (
	ConfirmYes = "yes"
	ConfirmNo  = "no"
)

// Confirm asks the user to confirm text. It returns Canceled unless the
// answer is yes, or the command was run with --yes.
func Confirm(inv *serpent.Invocation, text string) error {
	if inv.ParsedFlags().Lookup(skipPromptFlag) != nil {
		if skip, _ := inv.ParsedFlags().GetBool(skipPromptFlag); skip {
			return nil
		}
	}

	pretty.Fprintf(inv.Stdout, DefaultStyles.Prompt, "%s ", text)
	pretty.Fprintf(inv.Stdout, DefaultStyles.Placeholder, "(%s/%s) ", Bold(ConfirmYes), ConfirmNo)

	lineCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		line, err := bufio.NewReader(inv.Stdin).ReadString('\n')
		if err != nil && line == "" {
			errCh <- err
			return
		}
		lineCh <- strings.TrimSpace(line)
	}()

	select {
	case <-inv.Context().Done():
		return inv.Context().Err()
	case err := <-errCh:
		return xerrors.Errorf("read answer: %w", err)
	case line := <-lineCh:
		switch strings.ToLower(line) {
		case "", "y", ConfirmYes:
			return nil
		}
		_, _ = fmt.Fprintln(inv.Stdout)
		return xerrors.Errorf("got %q: %w", line, Canceled)
	}
}
