package main

import "github.com/pilab-dev/arch-idp/cmd/archidp/cmd"

func main() {
	cmd.Execute()
}
