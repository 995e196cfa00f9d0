package main

import "github.com/pygreece/greeter/cmd"

func main() {
	cmd.Execute()
}
