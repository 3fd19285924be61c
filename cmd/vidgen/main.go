package main

import (
	"os"

	"github.com/Xseven888/Sora2-Video-Generator/cmd/vidgen/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
