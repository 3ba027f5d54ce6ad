package main

import "github.com/nagyistge/egeo.visual.guidelines/cmd"

func main() {
	cmd.Execute()
}
