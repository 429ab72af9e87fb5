package main

import (
	_ "time/tzdata"

	"tapesim/internal/cli"
)

func main() {
	cli.Execute()
}
