// Package main is the entry point for the qry CLI.
package main

import "github.com/quarryhq/quarry-cli/internal/cli"

func main() {
	cli.Execute()
}
