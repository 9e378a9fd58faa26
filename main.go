package main

import "github.com/sembridge/sembridge/cli"

func main() {
	cli.Execute()
}
