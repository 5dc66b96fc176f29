package main

import "github.com/bcilibrelab/streamrec/cmd"

func main() {
	cmd.Execute()
}
