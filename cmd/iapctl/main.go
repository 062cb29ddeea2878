package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:     "iapctl",
		Short:   "Drive the purchasing core against the sandbox store",
		Version: Version,
	}

	rootCmd.PersistentFlags().String("variant", "", "Platform backend: auto, legacy or modern (default from IAP_BACKEND_VARIANT)")
	rootCmd.PersistentFlags().Bool("async-store", true, "Report the async-native store as available")
	rootCmd.PersistentFlags().Bool("debug", false, "Log at debug level")

	rootCmd.AddCommand(productsCmd())
	rootCmd.AddCommand(purchaseCmd())
	rootCmd.AddCommand(restoreCmd())
	rootCmd.AddCommand(recoverCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
