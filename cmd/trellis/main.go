package main

import "github.com/trellis-works/trellis/internal/cli"

func main() {
	cli.Execute()
}
