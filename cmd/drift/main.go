package main

import "github.com/blacktop/drift/cmd/drift/cmd"

func main() {
	cmd.Execute()
}
