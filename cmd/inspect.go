package cmd

import (
	"fmt"
	"strings"

	"AirbandBridge/core/envelope"
	"AirbandBridge/core/matrix"
	"AirbandBridge/core/pipeline"
	"AirbandBridge/model"

	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <file>...",
	Short: "解析录音文件名并计算时长与波形",
	Long:  `对录音文件执行与发布前相同的解析：文件名中的频点与时间、音频时长、波形包络。不会访问 Matrix。`,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		extractor := envelope.NewExtractor(envelope.Config{
			Buckets:      cfg.EnvelopeBuckets,
			WindowFrames: cfg.EnvelopeWindowFrames,
			Normalize:    cfg.EnvelopeNormalize,
		})

		failed := 0
		for _, path := range args {
			fmt.Printf("%s\n", path)
			if name, err := pipeline.ParseFilename(path); err != nil {
				fmt.Printf("  文件名: %v\n", err)
			} else {
				fmt.Printf("  频点: %d Hz (%s)\n", name.FrequencyHz, model.FrequencyLabel(name.FrequencyHz))
				if !name.RecordedAt.IsZero() {
					fmt.Printf("  录制时间: %s\n", name.RecordedAt.Format("2006-01-02 15:04:05 MST"))
				}
			}

			env, err := extractor.Extract(path)
			if err != nil {
				fmt.Printf("  解码失败: %v\n", err)
				failed++
				continue
			}
			fmt.Printf("  类型: %s\n", extractor.MimeType(path))
			fmt.Printf("  时长: %d ms\n", env.DurationMs)
			if cfg.MinAudioDuration > 0 && env.DurationMs < cfg.MinAudioDuration.Milliseconds() {
				fmt.Printf("  短于 MIN_AUDIO_DURATION (%s)，将被跳过\n", cfg.MinAudioDuration)
			}
			fmt.Printf("  波形: %s\n", sparkline(env.Samples))
			fmt.Printf("  waveform: %v\n", matrix.Waveform(env.Samples))
		}

		if failed > 0 {
			return fmt.Errorf("%d 个文件无法解码", failed)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

var sparkLevels = []rune("▁▂▃▄▅▆▇█")

// sparkline 把 [0,1] 的包络画成一行字符
func sparkline(samples []float64) string {
	var b strings.Builder
	for _, s := range samples {
		idx := int(s * float64(len(sparkLevels)-1))
		if idx < 0 {
			idx = 0
		}
		if idx >= len(sparkLevels) {
			idx = len(sparkLevels) - 1
		}
		b.WriteRune(sparkLevels[idx])
	}
	return b.String()
}
