package main

import "github.com/nextlevelbuilder/chatcoder/cmd"

func main() {
	cmd.Execute()
}
