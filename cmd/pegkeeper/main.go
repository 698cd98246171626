package main

import "peg-keeper/internal/cli"

func main() {
	cli.Execute()
}
