// Package main is the single-binary entrypoint for flashembed.
package main

import "github.com/flashembed/flashembed/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
