package main

import "github.com/andresmejia3/identity/cmd"

func main() {
	cmd.Execute()
}
