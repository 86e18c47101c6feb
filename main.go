package main

import "github.com/flowsentry/flowsentry/cmd"

func main() {
	cmd.Execute()
}
