package main

import "github.com/nextlevelbuilder/turnstile/cmd"

func main() {
	cmd.Execute()
}
