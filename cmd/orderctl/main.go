package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "orderctl",
		Short:   "Operator tooling for the order service",
		Version: Version,
	}

	rootCmd.AddCommand(seedProductsCmd())
	rootCmd.AddCommand(getOrderCmd())
	rootCmd.AddCommand(issueTokenCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
