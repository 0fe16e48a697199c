package storage

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"AirbandBridge/model"

	"github.com/minio/minio-go/v7"
)

// BucketStats 存储桶统计信息
type BucketStats struct {
	TotalObjects int64
	TotalSize    int64
	LastModified time.Time
}

// ObjectInfo 文件信息
type ObjectInfo struct {
	Key          string
	FrequencyHz  int64 // 从键解析，非归档对象为 0
	Size         int64
	LastModified time.Time
	ContentType  string
	ETag         string
}

// FrequencyUsage 单个频点的归档占用
type FrequencyUsage struct {
	FrequencyHz int64
	Objects     int64
	Size        int64
}

// ListRecordings 列出归档对象；prefix 为空时列出全部录音
func (a *Archiver) ListRecordings(ctx context.Context, prefix string) ([]ObjectInfo, *BucketStats, error) {
	if prefix == "" {
		prefix = recordingsPrefix
	}

	stats := &BucketStats{}
	var objects []ObjectInfo

	objectCh := a.client.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})
	for object := range objectCh {
		if object.Err != nil {
			return nil, nil, fmt.Errorf("列出对象时出错: %w", object.Err)
		}

		stats.TotalObjects++
		stats.TotalSize += object.Size
		if object.LastModified.After(stats.LastModified) {
			stats.LastModified = object.LastModified
		}

		contentType := object.ContentType
		if contentType == "" {
			contentType = contentTypeFor(object.Key)
		}
		objects = append(objects, ObjectInfo{
			Key:          object.Key,
			FrequencyHz:  frequencyFromKey(object.Key),
			Size:         object.Size,
			LastModified: object.LastModified,
			ContentType:  contentType,
			ETag:         object.ETag,
		})
	}

	return objects, stats, nil
}

// UsageByFrequency 按频点汇总，按频点升序
func UsageByFrequency(objects []ObjectInfo) []FrequencyUsage {
	byFreq := make(map[int64]*FrequencyUsage)
	for _, obj := range objects {
		u, ok := byFreq[obj.FrequencyHz]
		if !ok {
			u = &FrequencyUsage{FrequencyHz: obj.FrequencyHz}
			byFreq[obj.FrequencyHz] = u
		}
		u.Objects++
		u.Size += obj.Size
	}

	out := make([]FrequencyUsage, 0, len(byFreq))
	for _, u := range byFreq {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FrequencyHz < out[j].FrequencyHz })
	return out
}

// PrintBucketStatus 打印归档状态，stats 为 true 时只打印按频点汇总
func (a *Archiver) PrintBucketStatus(ctx context.Context, w io.Writer, prefix string, statsOnly bool) error {
	objects, stats, err := a.ListRecordings(ctx, prefix)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "存储桶: %s\n", a.bucket)
	fmt.Fprintf(w, "总文件数: %d\n", stats.TotalObjects)
	fmt.Fprintf(w, "总存储大小: %s\n", formatSize(stats.TotalSize))
	if !stats.LastModified.IsZero() {
		fmt.Fprintf(w, "最后更新时间: %s\n", stats.LastModified.Format("2006-01-02 15:04:05"))
	}

	fmt.Fprintln(w, "\n按频点:")
	for _, u := range UsageByFrequency(objects) {
		fmt.Fprintf(w, "  %-14s %6d 个文件  %s\n", frequencyText(u.FrequencyHz), u.Objects, formatSize(u.Size))
	}
	if statsOnly {
		return nil
	}

	fmt.Fprintln(w, "\n文件列表:")
	for _, obj := range objects {
		fmt.Fprintf(w, "  ├─ %s\n", obj.Key)
		fmt.Fprintf(w, "  │  ├─ 大小: %s\n", formatSize(obj.Size))
		fmt.Fprintf(w, "  │  ├─ 类型: %s\n", obj.ContentType)
		fmt.Fprintf(w, "  │  └─ 修改时间: %s\n", obj.LastModified.Format("2006-01-02 15:04:05"))
	}
	return nil
}

// DeletePrefix 删除前缀下的全部对象，返回删除数量
func (a *Archiver) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	if prefix == "" {
		return 0, fmt.Errorf("删除操作需要指定前缀")
	}

	objectCh := a.client.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	})

	var objectsToDelete []minio.ObjectInfo
	for object := range objectCh {
		if object.Err != nil {
			return 0, fmt.Errorf("列出对象时出错: %w", object.Err)
		}
		objectsToDelete = append(objectsToDelete, object)
	}
	if len(objectsToDelete) == 0 {
		return 0, fmt.Errorf("前缀 %s 下没有对象", prefix)
	}

	objectsCh := make(chan minio.ObjectInfo, len(objectsToDelete))
	for _, obj := range objectsToDelete {
		objectsCh <- obj
	}
	close(objectsCh)

	errorsCh := a.client.RemoveObjects(ctx, a.bucket, objectsCh, minio.RemoveObjectsOptions{})
	for e := range errorsCh {
		if e.Err != nil {
			return 0, fmt.Errorf("删除对象 %s 失败: %w", e.ObjectName, e.Err)
		}
	}
	return len(objectsToDelete), nil
}

// formatSize 格式化文件大小
func formatSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}

// contentTypeFor 从文件名推断内容类型
func contentTypeFor(name string) string {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}

// frequencyFromKey recordings/<freq>/<file> → freq
func frequencyFromKey(key string) int64 {
	rest, ok := strings.CutPrefix(key, recordingsPrefix)
	if !ok {
		return 0
	}
	dir, _, ok := strings.Cut(rest, "/")
	if !ok {
		return 0
	}
	freq, err := strconv.ParseInt(dir, 10, 64)
	if err != nil || freq <= 0 {
		return 0
	}
	return freq
}

func frequencyText(frequencyHz int64) string {
	if frequencyHz == 0 {
		return "其他"
	}
	return model.FrequencyLabel(frequencyHz)
}
