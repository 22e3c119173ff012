package main

import (
	"os"

	"killfeed/cmd/killfeed"
)

func main() {
	os.Exit(killfeed.Run(os.Args[1:]))
}
