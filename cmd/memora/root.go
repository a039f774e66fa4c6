package main

import (
	"github.com/spf13/cobra"
)

func main() {
	var root = &cobra.Command{Use: "memora"}

	root.AddCommand(serveCMD(), extractCMD(), migrateCMD())
	_ = root.Execute()
}
