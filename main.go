package main

import "github.com/spachava753/vidpixie/cmd"

func main() {
	cmd.Execute()
}
