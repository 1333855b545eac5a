package main

import "github.com/OpenTraceLab/jtagverify/cmd/jtagverify/cmd"

func main() {
	cmd.Execute()
}
