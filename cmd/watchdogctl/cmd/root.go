package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	redisAddr string
	redisDB   int
	redisPass string
)

var rootCmd = &cobra.Command{
	Use:   "watchdogctl",
	Short: "watchdogctl",
	Long:  `Reads the watchdog status mirror published to Redis by watchdogd. Never touches a running supervisor directly.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&redisAddr, "redis-addr", "127.0.0.1:6379", "address of the status mirror's Redis instance")
	rootCmd.PersistentFlags().IntVar(&redisDB, "redis-db", 0, "Redis logical database")
	rootCmd.PersistentFlags().StringVar(&redisPass, "redis-password", "", "Redis password, if any")
}
