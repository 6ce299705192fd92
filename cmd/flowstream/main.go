package main

import (
	"fmt"
	"os"

	"github.com/ignatij/flowstream/internal/cli"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "flowstream",
	Short: "Run pipelines asynchronously and stream their logs",
}

func main() {
	cli.SetupCLI(rootCmd)
	if err := cli.Execute(rootCmd); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
