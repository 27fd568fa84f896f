package main

import "oracle-audit/internal/cli"

func main() {
	cli.Execute()
}
