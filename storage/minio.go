package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"AirbandBridge/config"
	"AirbandBridge/logger"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// recordingsPrefix 归档对象的统一前缀，其下按频点分目录
const recordingsPrefix = "recordings/"

// Archiver 发布成功的录音在删除前复制到 MinIO
type Archiver struct {
	client *minio.Client
	bucket string
	region string
}

// NewMinioClient 按配置创建 MinIO 客户端
func NewMinioClient(cfg *config.Config) (*minio.Client, error) {
	client, err := minio.New(cfg.MinioEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.MinioAccessKey, cfg.MinioSecretKey, ""),
		Secure: cfg.MinioUseSSL,
		Region: cfg.MinioRegion,
	})
	if err != nil {
		return nil, fmt.Errorf("创建 MinIO 客户端失败: %w", err)
	}
	return client, nil
}

// NewArchiver 连接 MinIO，存储桶不存在时创建
func NewArchiver(ctx context.Context, cfg *config.Config) (*Archiver, error) {
	logger.Info("正在连接 MinIO 服务器",
		logger.String("endpoint", cfg.MinioEndpoint),
		logger.String("bucket", cfg.MinioBucket))

	client, err := NewMinioClient(cfg)
	if err != nil {
		return nil, err
	}

	a := &Archiver{client: client, bucket: cfg.MinioBucket, region: cfg.MinioRegion}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := a.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Archiver) ensureBucket(ctx context.Context) error {
	exists, err := a.client.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("检查存储桶失败: %w", err)
	}
	if exists {
		logger.Info("存储桶已存在", logger.String("bucket", a.bucket))
		return nil
	}
	if err := a.client.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{Region: a.region}); err != nil {
		return fmt.Errorf("创建存储桶失败: %w", err)
	}
	logger.Info("成功创建存储桶", logger.String("bucket", a.bucket))
	return nil
}

// FrequencyPrefix 某个频点全部归档的前缀
func FrequencyPrefix(frequencyHz int64) string {
	return recordingsPrefix + strconv.FormatInt(frequencyHz, 10) + "/"
}

// ObjectKey 录音在存储桶中的键：recordings/<频点Hz>/<文件名>
func ObjectKey(frequencyHz int64, path string) string {
	return FrequencyPrefix(frequencyHz) + filepath.Base(path)
}

// Archive 上传一个录音文件，同名对象会被覆盖
func (a *Archiver) Archive(ctx context.Context, frequencyHz int64, path string) error {
	key := ObjectKey(frequencyHz, path)
	info, err := a.client.FPutObject(ctx, a.bucket, key, path, minio.PutObjectOptions{
		ContentType: contentTypeFor(path),
	})
	if err != nil {
		return fmt.Errorf("归档 %s 失败: %w", key, err)
	}
	logger.Debug("录音已归档",
		logger.String("key", key),
		logger.Int64("size", info.Size),
		logger.Frequency(frequencyHz))
	return nil
}
