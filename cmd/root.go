package cmd

import (
	"fmt"
	"os"

	"AirbandBridge/config"
	"AirbandBridge/logger"

	"github.com/spf13/cobra"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "airband-bridge",
	Short: "Publish rtl_airband recordings as Matrix voice messages.",
	Long: `airband-bridge 监听 rtl_airband 的录音目录，把每个写完的录音作为语音消息
发布到对应频点的 Matrix 房间。不带子命令时等同于 run。`,
	SilenceUsage: true,
	RunE:         runBridge,
}

// Execute executes the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "覆盖 LOG_LEVEL")
}

// loadConfig 加载配置并初始化日志
func loadConfig() *config.Config {
	cfg := config.Load()
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	logger.InitLogger(logger.Config{
		Level:      logger.ParseLevel(cfg.LogLevel),
		OutputPath: cfg.LogFile,
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
		MaxAge:     cfg.LogMaxAge,
		Compress:   cfg.LogCompress,
	})
	return cfg
}
