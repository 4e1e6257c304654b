// Command clidocgen writes markdown docs for every visible pgcrypto command.
package main

import (
	"flag"
	"os"

	"github.com/coder/flog"
	"github.com/coder/pgcryptofields/cli"
	"github.com/coder/serpent"
)

func main() {
	dir := flag.String("out", "docs/cli", "directory the markdown files are written to")
	flag.Parse()

	if err := os.MkdirAll(*dir, 0o755); err != nil {
		flog.Fatalf("create %s: %v", *dir, err)
	}

	var root cli.RootCmd
	wrote := map[string]*serpent.Command{}
	if err := genTree(*dir, root.Command(), wrote); err != nil {
		flog.Fatalf("generate docs: %v", err)
	}
	flog.Successf("wrote %d files", len(wrote))
}
