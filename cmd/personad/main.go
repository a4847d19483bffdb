package main

import "github.com/browserid/personad/cmd/personad/cmd"

func main() {
	cmd.Execute()
}
