package peer

import (
	"bytes"
	"context"
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/kashguard/go-train-infra/internal/training/storage"
)

// EpochReport 一个 epoch 完成后的指标
type EpochReport struct {
	Epoch    int
	Loss     float64
	Accuracy float64
}

// Trainer 训练循环（对协调器不透明）
//
// report 在每个 epoch 结束时调用；ctx 被取消时 Train 应尽快返回 ctx.Err()。
type Trainer interface {
	Train(ctx context.Context, data []byte, hp storage.Hyperparameters, report func(EpochReport) error) error
}

// TrainerFunc 函数适配器
type TrainerFunc func(ctx context.Context, data []byte, hp storage.Hyperparameters, report func(EpochReport) error) error

func (f TrainerFunc) Train(ctx context.Context, data []byte, hp storage.Hyperparameters, report func(EpochReport) error) error {
	return f(ctx, data, hp, report)
}

// CurveTrainer 确定性的损失曲线，代替真实的模型训练
type CurveTrainer struct {
	// EpochDuration 每个 epoch 的模拟耗时
	EpochDuration time.Duration
}

// Train 按学习率指数衰减损失，准确率随之上升
func (t CurveTrainer) Train(ctx context.Context, data []byte, hp storage.Hyperparameters, report func(EpochReport) error) error {
	rows := bytes.Count(data, []byte("\n"))
	if rows < 2 {
		return errors.New("dataset has no samples")
	}

	// 样本越多、batch 越小，每个 epoch 的更新步数越多
	steps := float64(rows-1) / float64(hp.BatchSize)
	if steps < 1 {
		steps = 1
	}
	rate := hp.LearningRate * steps
	loss := math.Log(10)

	for epoch := 1; epoch <= hp.Epochs; epoch++ {
		if t.EpochDuration > 0 {
			timer := time.NewTimer(t.EpochDuration)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		loss *= math.Exp(-math.Min(rate, 1))
		accuracy := 1 - loss/math.Log(10)*0.9
		if err := report(EpochReport{Epoch: epoch, Loss: loss, Accuracy: accuracy}); err != nil {
			return err
		}
	}
	return nil
}
