// Package main provides the entry point for the deployer CLI.
package main

import "yqhp/deployer/cmd"

func main() {
	cmd.Execute()
}
