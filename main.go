package main

import "github.com/axrunhq/ax/cmd"

func main() {
	cmd.Execute()
}
