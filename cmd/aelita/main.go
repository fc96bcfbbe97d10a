package main

import "aelita/internal/cmd"

func main() {
	cmd.Execute()
}
