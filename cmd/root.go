package cmd

import (
	"context"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	cmdcore "github.com/lp-systems/livepatch/cmd/core"
	cmdinfo "github.com/lp-systems/livepatch/cmd/info"
	cmdothers "github.com/lp-systems/livepatch/cmd/others"
	cmdpatch "github.com/lp-systems/livepatch/cmd/patch"
	cmdunpatch "github.com/lp-systems/livepatch/cmd/unpatch"
	"github.com/lp-systems/livepatch/config"
)

var (
	cfgFile string
	verbose bool
	conf    *config.Config
)

var rootCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "livepatch",
		Short:        "livepatch - live binary patching engine",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initConfig(cmdcore.CommandContext(cmd))
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	cmd.PersistentFlags().String("root-dir", "", "root data directory")
	cmd.PersistentFlags().String("storage-path", "", "patch storage path or OCI repository reference")
	cmd.PersistentFlags().Bool("storage-oci", false, "treat storage-path as an OCI repository reference")
	cmd.PersistentFlags().Bool("paranoid", true, "check every stack frame during safety checks instead of stopping at the first safe return point")
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "raise the log level to debug")

	_ = viper.BindPFlag("root_dir", cmd.PersistentFlags().Lookup("root-dir"))
	_ = viper.BindPFlag("storage_path", cmd.PersistentFlags().Lookup("storage-path"))
	_ = viper.BindPFlag("storage_is_oci", cmd.PersistentFlags().Lookup("storage-oci"))
	_ = viper.BindPFlag("paranoid", cmd.PersistentFlags().Lookup("paranoid"))

	viper.SetEnvPrefix("LIVEPATCH")
	viper.AutomaticEnv()

	confProvider := func() *config.Config { return conf }
	base := cmdcore.BaseHandler{ConfProvider: confProvider}

	cmd.AddCommand(cmdpatch.Command(cmdpatch.Handler{BaseHandler: base}))
	cmd.AddCommand(cmdunpatch.Command(cmdunpatch.Handler{BaseHandler: base}))
	cmd.AddCommand(cmdinfo.Command(cmdinfo.Handler{BaseHandler: base}))
	for _, c := range cmdothers.Commands(cmdothers.Handler{BaseHandler: base}) {
		cmd.AddCommand(c)
	}

	return cmd
}()

// Execute is the main entry point called from main.go.
func Execute() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}

func initConfig(ctx context.Context) error {
	conf = config.DefaultConfig()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return err
		}
	}
	if err := viper.Unmarshal(conf); err != nil {
		return err
	}

	if conf.PoolSize <= 0 {
		conf.PoolSize = runtime.NumCPU()
	}
	if verbose {
		conf.Log.Level = "debug"
	}
	if err := conf.EnsureDirs(); err != nil {
		return err
	}

	return log.SetupLog(ctx, &conf.Log, "")
}
