package main

import "github.com/example/dojang/internal/cli"

func main() {
	cli.Execute()
}
