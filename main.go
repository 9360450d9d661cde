package main

import "github.com/tanq16/partdl/cmd"

func main() {
	cmd.Execute()
}
