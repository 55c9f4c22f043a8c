package cmd

import (
	"fmt"
	"os"
	"path"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/spachava753/vidpixie/internal/version"
)

var cfgDir string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "vidpixie",
	Short: "Synchronized watch-party session relay and client",
	Long: `Vidpixie keeps multiple viewers' video players in lockstep: play, pause
and seek actions performed by one participant are reproduced on every other
participant's player in near-real time.

The serve command runs the central relay; the join command runs a headless
participant that connects to a room, mirrors its playback events against a
simulated player, and answers state requests from late joiners.`,
	Version:       version.Version,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgDir, "config", "", "config directory (default is $HOME/.config/vidpixie)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn or error")
	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// initConfig reads in the optional config file and ENV variables if set.
func initConfig() {
	if cfgDir == "" {
		home, err := homedir.Dir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		cfgDir = path.Join(home, ".config", "vidpixie")
	}

	viper.AddConfigPath(cfgDir)
	viper.SetConfigName("vidpixie")
	viper.SetEnvPrefix("vidpixie")
	viper.AutomaticEnv()

	// The config file is optional; flags and env cover everything.
	viper.ReadInConfig()
}
