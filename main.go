package main

import (
	"github.com/andresmejia3/facefind/cmd"
	_ "go.uber.org/automaxprocs"
)

func main() {
	cmd.Execute()
}
