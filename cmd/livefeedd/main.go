package main

import "github.com/jsherman999/livefeed/internal/daemon"

func main() {
	daemon.Main()
}
