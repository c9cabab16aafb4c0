package main

import (
	"fmt"
	"os"

	"mimamori/internal/commands"
)

// Version はビルド時に -ldflags で埋め込む
var Version = "dev"

func main() {
	app := commands.NewApp(Version)
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "エラー: %v\n", err)
		os.Exit(1)
	}
}
