package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"AirbandBridge/db"
	"AirbandBridge/model"
	"AirbandBridge/repository"

	"github.com/spf13/cobra"
)

var (
	historyLimit     int
	historyFrequency int64
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "查看发布台账",
	Long:  `从 MySQL 发布台账中列出最近进入终态的录音，以及各状态的累计数量。`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if !cfg.LedgerEnabled() {
			return fmt.Errorf("DB_HOST 未配置")
		}
		if err := db.ConnectGormDB(cfg); err != nil {
			return err
		}
		defer db.CloseGormDB()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		repo := repository.NewGormPublishRecordRepository(db.GormDB)
		var (
			records []*model.PublishRecord
			err     error
		)
		if historyFrequency > 0 {
			records, err = repo.ByFrequency(ctx, historyFrequency, historyLimit)
		} else {
			records, err = repo.Recent(ctx, historyLimit)
		}
		if err != nil {
			return fmt.Errorf("查询发布台账失败: %w", err)
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TIME\tFREQUENCY\tSTATE\tFILE\tDETAIL")
		for _, r := range records {
			detail := r.EventID
			switch r.State {
			case string(model.RecordingFailed):
				detail = r.ErrorKind + ": " + r.Error
			case string(model.RecordingSkipped), string(model.RecordingCancelled):
				detail = r.Reason
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				r.CreatedAt.Local().Format("2006-01-02 15:04:05"),
				model.FrequencyLabel(r.FrequencyHz), r.State, r.FileName, detail)
		}
		if err := tw.Flush(); err != nil {
			return err
		}

		counts, err := repo.CountByState(ctx)
		if err != nil {
			return fmt.Errorf("统计发布台账失败: %w", err)
		}
		states := make([]string, 0, len(counts))
		for s := range counts {
			states = append(states, s)
		}
		sort.Strings(states)
		fmt.Println("\n累计:")
		for _, s := range states {
			fmt.Printf("  %-10s %d\n", s, counts[s])
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "显示条数")
	historyCmd.Flags().Int64VarP(&historyFrequency, "frequency", "f", 0, "只显示该频点（Hz）")
}
