package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"keyfeed/pkg/logs"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "keyfeed",
	Short: "Content encryption key source for media packaging",
	Long: `Keyfeed fetches content encryption keys from a Widevine-style key
service, either one set of keys per content or a rolling window of crypto
period keys, and writes them out for a packager to pick up.

It also ships a small stand-in key service for development and testing.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logs.Initialize()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	logs.AddFlags(rootCmd.PersistentFlags())

	// Values from a .env file fill in for unset environment variables.
	_ = godotenv.Load()

	setFlagsFromEnv("KEYFEED_", rootCmd.PersistentFlags())
	for _, command := range rootCmd.Commands() {
		setFlagsFromEnv("KEYFEED_", command.PersistentFlags())
	}

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func setFlagsFromEnv(prefix string, fs *pflag.FlagSet) {
	set := map[string]bool{}
	fs.Visit(func(f *pflag.Flag) {
		set[f.Name] = true
	})
	fs.VisitAll(func(f *pflag.Flag) {
		// ignore flags set from the commandline
		if set[f.Name] {
			return
		}
		// remove trailing _ to reduce common errors with the prefix, i.e. people setting it to MY_PROG_
		cleanPrefix := strings.TrimSuffix(prefix, "_")
		name := fmt.Sprintf("%s_%s", cleanPrefix, strings.Replace(strings.ToUpper(f.Name), "-", "_", -1))
		if e, ok := os.LookupEnv(name); ok {
			_ = f.Value.Set(e)
		}
	})
}
