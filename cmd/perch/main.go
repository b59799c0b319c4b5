// Command perch runs and operates a perch runtime node.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Set via -ldflags at release time.
	version = "dev"

	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:           "perch",
	Short:         "Durable virtual-actor runtime node",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default perch.yaml)")
	rootCmd.PersistentFlags().String("store", "", "store DSN (postgres:// or a sqlite path); empty = in-memory")
	rootCmd.PersistentFlags().String("prefix", "", "opaque table scoping prefix")
	_ = viper.BindPFlag("store", rootCmd.PersistentFlags().Lookup("store"))
	_ = viper.BindPFlag("prefix", rootCmd.PersistentFlags().Lookup("prefix"))

	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(alarmsCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("perch")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.config/perch")
	}
	viper.SetEnvPrefix("PERCH")
	viper.AutomaticEnv()
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "perch: config: %v\n", err)
			os.Exit(1)
		}
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the perch version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "perch: %v\n", err)
		os.Exit(1)
	}
}
