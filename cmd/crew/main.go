package main

import "github.com/agusx1211/crew/internal/cli"

func main() {
	cli.Execute()
}
