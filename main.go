package main

import "github.com/pktvault/pktvault/cmd"

func main() {
	cmd.Execute()
}
