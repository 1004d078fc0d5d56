package cmd

import (
	"fmt"
	"os"
	"strings"

	run "github.com/dreamforge/dream-server/cmd/dream/run"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const dreamPrefix = "DREAM"

var Cmd = &cobra.Command{
	Use:   "dream",
	Short: "Dream Server CLI",
	Long:  "A local inference server that queues image-generation jobs against a single GPU-resident model",

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		viper.SetEnvPrefix(dreamPrefix)
		viper.SetEnvKeyReplacer(strings.NewReplacer(
			`-`, `_`,
			`.`, `_`,
		))
		viper.AutomaticEnv()

		if err := viper.BindPFlags(cmd.Flags()); err != nil {
			return err
		}

		return viper.BindPFlags(cmd.PersistentFlags())
	},
}

func Execute() {
	if err := Cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	pflags := Cmd.PersistentFlags()

	pflags.String("dream-home", "", "Path to the dream home directory")
	pflags.String("config-file", "", "Path to the config file")

	viper.BindPFlag("dream_home", pflags.Lookup("dream-home"))
	viper.BindPFlag("config_file", pflags.Lookup("config-file"))

	Cmd.AddCommand(run.Cmd)
}
