package main

import "github.com/vietddude/importer/internal/cli"

func main() {
	cli.Execute()
}
