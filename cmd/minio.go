package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"AirbandBridge/storage"

	"github.com/spf13/cobra"
)

var (
	minioPrefix    string
	minioStats     bool
	minioDelete    bool
	minioFrequency int64
)

var minioCmd = &cobra.Command{
	Use:   "minio",
	Short: "MinIO录音归档管理",
	Long:  `查看和管理 MinIO 中归档的录音，支持按频点或前缀列出文件、查看统计信息、删除前缀。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if !cfg.ArchiveEnabled() {
			return fmt.Errorf("MINIO_ENDPOINT 未配置")
		}
		fmt.Printf("MinIO配置: %s, Bucket: %s\n", cfg.MinioEndpoint, cfg.MinioBucket)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		archiver, err := storage.NewArchiver(ctx, cfg)
		if err != nil {
			return fmt.Errorf("无法连接到MinIO: %w", err)
		}

		prefix := minioPrefix
		if minioFrequency > 0 {
			prefix = storage.FrequencyPrefix(minioFrequency)
		}

		if minioDelete {
			n, err := archiver.DeletePrefix(ctx, prefix)
			if err != nil {
				return fmt.Errorf("删除失败: %w", err)
			}
			fmt.Printf("成功删除 %s 下的 %d 个文件\n", prefix, n)
			return nil
		}
		return archiver.PrintBucketStatus(ctx, os.Stdout, prefix, minioStats)
	},
}

func init() {
	rootCmd.AddCommand(minioCmd)

	minioCmd.Flags().StringVarP(&minioPrefix, "prefix", "p", "", "按前缀过滤文件或指定要删除的前缀")
	minioCmd.Flags().Int64VarP(&minioFrequency, "frequency", "f", 0, "只操作该频点（Hz）的录音，优先于 --prefix")
	minioCmd.Flags().BoolVarP(&minioStats, "stats", "s", false, "只显示统计信息")
	minioCmd.Flags().BoolVarP(&minioDelete, "delete", "d", false, "删除前缀下的所有文件")

	minioCmd.Example = `  # 列出所有归档录音
  airband-bridge minio

  # 只看某个频点
  airband-bridge minio -f 146145000

  # 按频点汇总
  airband-bridge minio -s

  # 删除某个频点的全部归档
  airband-bridge minio -d -f 146145000`
}
