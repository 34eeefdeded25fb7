package main

import "github.com/eriklieben/streamshift/app/cmd"

func main() {
	cmd.Execute()
}
