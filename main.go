package main

import "github.com/nextlevelbuilder/clawtask/cmd"

func main() {
	cmd.Execute()
}
