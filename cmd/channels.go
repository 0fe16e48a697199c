package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"AirbandBridge/core/channel"
	"AirbandBridge/core/destination"

	"github.com/spf13/cobra"
)

var channelsConfigPath string

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "打印解析出的频点",
	Long:  `解析 rtl_airband 配置并打印每个频点及其房间别名，用于检查配置是否能被正确识别。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		path := cfg.AirbandConfigPath
		if channelsConfigPath != "" {
			path = channelsConfigPath
		}

		registry, err := channel.Load(path)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "FREQUENCY (Hz)\tLABEL\tENABLED\tALIAS\tROOM NAME")
		for _, ch := range registry.Channels() {
			spec := destination.RoomSpecFor(ch)
			alias := "#" + spec.AliasLocalpart
			if cfg.MatrixDomain != "" {
				alias += ":" + cfg.MatrixDomain
			}
			fmt.Fprintf(tw, "%d\t%s\t%t\t%s\t%s\n", ch.FrequencyHz, ch.Label, ch.Enabled, alias, spec.Name)
		}
		if err := tw.Flush(); err != nil {
			return err
		}

		fmt.Printf("\n共 %d 个频点，发布 %d 个（SKIP_DISABLED_CHANNELS=%t）\n",
			len(registry.Channels()), len(registry.Eligible(cfg.SkipDisabledChannels)), cfg.SkipDisabledChannels)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(channelsCmd)
	channelsCmd.Flags().StringVarP(&channelsConfigPath, "config", "c", "", "rtl_airband 配置文件，默认使用 RTL_AIRBAND_CONFIG")
}
