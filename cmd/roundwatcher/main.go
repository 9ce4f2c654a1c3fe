package main

import "github.com/vietddude/roundwatcher/internal/cli"

func main() {
	cli.Execute()
}
