package main

import "github.com/jsherman999/livefeed/internal/cli"

func main() {
	cli.Main()
}
