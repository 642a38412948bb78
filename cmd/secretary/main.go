package main

import (
	"fmt"
	"os"

	"github.com/sunlibo2390/notion-telegram-secretary-bot/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
