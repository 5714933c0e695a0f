package main

import "github.com/adam-wheater/Forge-Cli-sub000/cmd"

func main() {
	cmd.Execute()
}
