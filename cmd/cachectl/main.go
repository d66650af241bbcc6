package main

import "rbac-cache/internal/cli"

func main() {
	cli.Execute()
}
