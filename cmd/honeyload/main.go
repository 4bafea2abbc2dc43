package main

import (
	"context"
	"fmt"
	"os"

	"github.com/telhawk-systems/honeyload/internal/cmd"
)

func main() {
	if err := cmd.Execute(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "honeyload: %v\n", err)
		os.Exit(1)
	}
}
