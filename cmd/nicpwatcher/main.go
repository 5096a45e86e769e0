package main

import "nicp-arb-alerts/internal/cli"

func main() {
	cli.Execute()
}
