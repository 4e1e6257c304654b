package main

import (
	_ "time/tzdata"

	"github.com/coder/pgcryptofields/cli"
)

func main() {
	var rootCmd cli.RootCmd
	rootCmd.Main()
}
