package cli

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/coder/pgcryptofields/cli/cliui"
	"github.com/coder/serpent"
)

// helpHandler prints the usage, subcommands and options of a command.
func helpHandler() serpent.HandlerFunc {
	return func(inv *serpent.Invocation) error {
		cmd := inv.Command
		var sb strings.Builder
		_, _ = fmt.Fprintf(&sb, "%s %s\n\n", cliui.Bold("USAGE:"), cmd.FullUsage())
		if cmd.Short != "" {
			_, _ = fmt.Fprintf(&sb, "  %s\n\n", cmd.Short)
		}
		if cmd.Long != "" {
			_, _ = fmt.Fprintf(&sb, "%s\n\n", cmd.Long)
		}

		if len(cmd.Children) > 0 {
			_, _ = fmt.Fprintf(&sb, "%s\n", cliui.Bold("SUBCOMMANDS:"))
			tw := cliui.Table()
			for _, child := range cmd.Children {
				if child.Hidden {
					continue
				}
				tw.AppendRow(table.Row{"  " + cliui.Keyword(child.Name()), child.Short})
			}
			_, _ = fmt.Fprintf(&sb, "%s\n\n", tw.Render())
		}

		for c := cmd; c != nil; c = c.Parent {
			if len(c.Options) == 0 {
				continue
			}
			title := "OPTIONS:"
			if c != cmd {
				title = strings.ToUpper(c.Name()) + " OPTIONS:"
			}
			_, _ = fmt.Fprintf(&sb, "%s\n", cliui.Bold(title))
			for _, opt := range c.Options {
				if opt.Hidden || opt.Flag == "" {
					continue
				}
				flag := "--" + opt.Flag
				if opt.FlagShorthand != "" {
					flag = "-" + opt.FlagShorthand + ", " + flag
				}
				if opt.Env != "" {
					flag += ", $" + opt.Env
				}
				_, _ = fmt.Fprintf(&sb, "  %s\n", flag)
				desc := opt.Description
				if opt.Default != "" {
					desc += fmt.Sprintf(" (default: %s)", opt.Default)
				}
				_, _ = fmt.Fprintf(&sb, "      %s\n\n", desc)
			}
		}
		_, err := fmt.Fprint(inv.Stdout, sb.String())
		return err
	}
}
