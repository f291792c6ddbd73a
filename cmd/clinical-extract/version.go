package main

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pdiddy/clinical-extract/internal/llm"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version and supported providers",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("clinical-extract %s (%s, %s/%s)\n", version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		fmt.Printf("providers: %s\n", strings.Join(llm.Providers(), ", "))
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
