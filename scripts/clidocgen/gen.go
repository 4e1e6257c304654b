package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	_ "embed"

	"github.com/acarl005/stripansi"

	"github.com/coder/flog"
	"github.com/coder/pgcryptofields/buildinfo"
	"github.com/coder/serpent"
)

const rootName = "pgcrypto"

//go:embed command.tpl
var commandTemplateRaw string

var commandTemplate = template.Must(
	template.New("command.tpl").Funcs(template.FuncMap{
		"visibleSubcommands": func(cmd *serpent.Command) []*serpent.Command {
			var visible []*serpent.Command
			for _, sub := range cmd.Children {
				if !sub.Hidden {
					visible = append(visible, sub)
				}
			}
			return visible
		},
		"visibleOptions": func(cmd *serpent.Command) []serpent.Option {
			var visible []serpent.Option
			for _, opt := range cmd.Options {
				if !opt.Hidden && opt.Flag != "" {
					visible = append(visible, opt)
				}
			}
			return visible
		},
		"wrapCode": func(s string) string {
			return fmt.Sprintf("<code>%s</code>", s)
		},
		"commandURI": fmtDocFilename,
		"fullName":   fullName,
		"tableHeader": func() string {
			return `| | |
| --- | --- |`
		},
	}).Parse(strings.TrimSpace(commandTemplateRaw)),
)

func fullName(cmd *serpent.Command) string {
	if cmd.FullName() == rootName {
		return rootName
	}
	return strings.TrimPrefix(cmd.FullName(), rootName+" ")
}

func fmtDocFilename(cmd *serpent.Command) string {
	if cmd.FullName() == rootName {
		return "README.md"
	}
	return strings.ReplaceAll(fullName(cmd), " ", "_") + ".md"
}

func writeCommand(w io.Writer, cmd *serpent.Command) error {
	var b strings.Builder
	if err := commandTemplate.Execute(&b, cmd); err != nil {
		return err
	}
	content := stripansi.Strip(b.String())

	// Build info differs between machines, keep the docs reproducible.
	content = strings.ReplaceAll(content, buildinfo.Version()+"\n", "\n")

	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	content = strings.ReplaceAll(content, cwd, ".")

	_, err = w.Write([]byte(content + "\n"))
	return err
}

// genTree writes the docs of cmd and its visible children into dir.
func genTree(dir string, cmd *serpent.Command, wrote map[string]*serpent.Command) error {
	if cmd.Hidden {
		return nil
	}

	path := filepath.Join(dir, fmtDocFilename(cmd))
	fi, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer fi.Close()

	if err := writeCommand(fi, cmd); err != nil {
		return err
	}
	flog.Successf("wrote\t%s", fi.Name())
	wrote[path] = cmd
	for _, sub := range cmd.Children {
		if err := genTree(dir, sub, wrote); err != nil {
			return err
		}
	}
	return nil
}
