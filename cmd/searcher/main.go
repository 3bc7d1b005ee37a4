package main

import "github.com/pulkyeet/triarb/internal/cli"

func main() {
	cli.Execute()
}
