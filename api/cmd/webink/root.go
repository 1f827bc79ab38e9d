package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "webink",
		Short: "webink",
		Long:  "Renders web pages to tiled, low-bit-depth raster images for e-ink displays.",
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())

	return root
}

func execute() {
	root := newRootCmd()
	root.SetContext(context.Background())
	root.SetOut(os.Stdout)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func main() {
	execute()
}
