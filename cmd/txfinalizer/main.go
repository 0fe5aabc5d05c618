package main

import "github.com/tranvictor/txfinalizer/cmd/txfinalizer/cmd"

func main() {
	cmd.Execute()
}
