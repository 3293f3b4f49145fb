package main

import "scriptorium/backend/internal/cli"

func main() {
	cli.Execute()
}
