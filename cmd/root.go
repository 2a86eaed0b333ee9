package cmd

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"widget-datacache/cmd/configprint"
	"widget-datacache/cmd/poll"
	"widget-datacache/cmd/reap"
	"widget-datacache/cmd/serve"
	"widget-datacache/cmd/version"
	"widget-datacache/pkg/log"
)

var cfgFile string

const CFG_FLAG_NAME = "config"

var RootCmd = &cobra.Command{
	Use:   "widget-datacache",
	Short: "Cache and refresh third-party data for signage widgets",
	Long: `widget-datacache keeps one fresh copy of every third-party payload the
signage widgets need: it polls pull-mode integrations on their configured
intervals, ingests push-mode webhook deliveries, deduplicates concurrent
fetches per cache line, and reaps entries no widget references anymore.`,
}

func Execute() {
	err := RootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func SetVersionInfo(v, c, d, b string) {
	version.SetVersionInfo(v, c, d, b)
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVarP(&cfgFile, CFG_FLAG_NAME, "c", "", "path to config file")

	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("widget_datacache")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(poll.PollCmd)
	RootCmd.AddCommand(reap.ReapCmd)
	RootCmd.AddCommand(configprint.ConfigPrintCmd)
	RootCmd.AddCommand(version.VersionCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/widget-datacache/")
		viper.AddConfigPath("$HOME/.widget-datacache")
	}

	if err := viper.ReadInConfig(); err != nil {
		log.Logger.Warn().Err(err).Msg("No config file loaded, relying on defaults and environment")
	}
}
