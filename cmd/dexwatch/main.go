package main

import "dexwatch/internal/cli"

func main() {
	cli.Execute()
}
