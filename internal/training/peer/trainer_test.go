package peer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kashguard/go-train-infra/internal/training/storage"
)

func TestCurveTrainer_Deterministic(t *testing.T) {
	hp := storage.Hyperparameters{LearningRate: 0.01, BatchSize: 1, Epochs: 4}
	run := func() []EpochReport {
		var out []EpochReport
		err := CurveTrainer{}.Train(context.Background(), []byte(csv), hp, func(r EpochReport) error {
			out = append(out, r)
			return nil
		})
		require.NoError(t, err)
		return out
	}

	first, second := run(), run()
	assert.Equal(t, first, second)
	require.Len(t, first, 4)
	for i := 1; i < len(first); i++ {
		assert.Equal(t, i+1, first[i].Epoch)
		assert.Less(t, first[i].Loss, first[i-1].Loss)
		assert.Greater(t, first[i].Accuracy, first[i-1].Accuracy)
	}
}

func TestCurveTrainer_EmptyDataset(t *testing.T) {
	err := CurveTrainer{}.Train(context.Background(), []byte("x,label\n"), storage.Hyperparameters{LearningRate: 0.1, BatchSize: 1, Epochs: 1}, func(EpochReport) error { return nil })
	assert.Error(t, err)
}

func TestCurveTrainer_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	epochs := 0
	err := CurveTrainer{EpochDuration: 5 * time.Millisecond}.Train(ctx, []byte(csv), storage.Hyperparameters{LearningRate: 0.1, BatchSize: 1, Epochs: 100}, func(EpochReport) error {
		epochs++
		if epochs == 2 {
			cancel()
		}
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 2, epochs)
}
