package main

import "github.com/abdoulaahmad/transcrypt2/cmd/transcrypt/cmd"

func main() {
	cmd.Execute()
}
