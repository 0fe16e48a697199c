package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"AirbandBridge/cache"

	"github.com/spf13/cobra"
)

var redisCmd = &cobra.Command{
	Use:   "redis",
	Short: "Redis连接测试",
	Long:  `测试Redis连接是否成功，并进行基本读写操作。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		fmt.Printf("Redis配置: %s:%s, DB: %d\n", cfg.RedisHost, cfg.RedisPort, cfg.RedisDB)

		if err := cache.ConnectRedis(cfg); err != nil {
			return fmt.Errorf("无法连接到Redis: %w", err)
		}
		defer cache.CloseRedis()
		fmt.Println("Redis连接成功！")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := cache.TestRedis(ctx); err != nil {
			return fmt.Errorf("Redis操作测试失败: %w", err)
		}
		fmt.Println("Redis基本操作测试成功！")
		return nil
	},
}

var redisShowCmd = &cobra.Command{
	Use:   "show <frequencyHz>",
	Short: "查看频点缓存的房间绑定",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		freq, err := parseFrequencyArg(args[0])
		if err != nil {
			return err
		}
		cfg := loadConfig()
		if err := cache.ConnectRedis(cfg); err != nil {
			return fmt.Errorf("无法连接到Redis: %w", err)
		}
		defer cache.CloseRedis()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		dest, err := cache.NewDestinationCache().GetDestination(ctx, freq)
		if err != nil {
			return err
		}
		if dest == nil {
			fmt.Printf("%s 没有缓存的房间绑定\n", cache.DestinationKey(freq))
			return nil
		}
		out, err := json.MarshalIndent(dest, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var redisForgetCmd = &cobra.Command{
	Use:   "forget <frequencyHz>",
	Short: "删除频点缓存的房间绑定",
	Long:  `房间被删除或重建后使用，下次启动时重新解析别名。`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		freq, err := parseFrequencyArg(args[0])
		if err != nil {
			return err
		}
		cfg := loadConfig()
		if err := cache.ConnectRedis(cfg); err != nil {
			return fmt.Errorf("无法连接到Redis: %w", err)
		}
		defer cache.CloseRedis()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := cache.NewDestinationCache().DeleteDestination(ctx, freq); err != nil {
			return err
		}
		fmt.Printf("已删除 %s\n", cache.DestinationKey(freq))
		return nil
	},
}

func parseFrequencyArg(s string) (int64, error) {
	freq, err := strconv.ParseInt(s, 10, 64)
	if err != nil || freq <= 0 {
		return 0, fmt.Errorf("invalid frequency %q: want a positive integer in Hz", s)
	}
	return freq, nil
}

func init() {
	rootCmd.AddCommand(redisCmd)
	redisCmd.AddCommand(redisShowCmd)
	redisCmd.AddCommand(redisForgetCmd)
}
