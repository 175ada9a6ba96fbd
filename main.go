package main

import "facefind/cmd"

func main() {
	cmd.Execute()
}
