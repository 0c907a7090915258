package main

import "github.com/nextlevelbuilder/foreman/cmd"

func main() {
	cmd.Execute()
}
