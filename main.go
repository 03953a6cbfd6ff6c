package main

import "github.com/andresmejia3/masquerade/cmd"

func main() {
	cmd.Execute()
}
