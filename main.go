package main

import "github.com/twinclawhq/twinclaw/cmd"

func main() {
	cmd.Execute()
}
