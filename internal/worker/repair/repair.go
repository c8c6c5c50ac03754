// Package repair は未読カウンタの整合性修復ジョブを提供する。
// 会話の参加者以外をキーとするカウンタ行や、会話が存在しないカウンタ行を定期的に削除する。
package repair

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// StaleCounterSweeper は古い未読カウンタ行を一括削除するインターフェース。
// repository.UnreadCounterRepositoryが満たす。
type StaleCounterSweeper interface {
	DeleteAllStale(ctx context.Context) (int64, error)
}

// Recorder は修復件数を記録するインターフェース。
type Recorder interface {
	RecordStaleCountersRepaired(count int64)
}

// Job は未読カウンタの修復ジョブ。
// 削除対象がなくてもエラーにならないため、何度実行しても結果は変わらない。
type Job struct {
	counters StaleCounterSweeper
	recorder Recorder
	logger   *slog.Logger
}

// NewJob は新しいJobを生成する。
func NewJob(counters StaleCounterSweeper, recorder Recorder, logger *slog.Logger) *Job {
	return &Job{
		counters: counters,
		recorder: recorder,
		logger:   logger,
	}
}

// Run は古い未読カウンタ行を1回削除する。
func (j *Job) Run(ctx context.Context) error {
	start := time.Now()

	deletedCount, err := j.counters.DeleteAllStale(ctx)
	if err != nil {
		j.logger.Error("未読カウンタ修復ジョブの実行に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("未読カウンタの修復に失敗: %w", err)
	}

	if deletedCount > 0 {
		j.recorder.RecordStaleCountersRepaired(deletedCount)
	}

	j.logger.Info("未読カウンタ修復ジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Start はinterval間隔でRunを繰り返す。起動直後に1回実行する。
// コンテキストがキャンセルされるまで戻らない。
func (j *Job) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("未読カウンタ修復ジョブを開始しました",
		slog.Duration("interval", interval),
	)

	// Runはエラーをログに記録済みのため、ここでは継続するだけ
	_ = j.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("未読カウンタ修復ジョブを停止しました")
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
