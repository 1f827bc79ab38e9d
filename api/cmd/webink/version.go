package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/webink/snapshot-server/api/pkg/version"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Get())
		},
	}
}
