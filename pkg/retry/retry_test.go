package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSuccessFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		return nil
	}, DefaultConfig())

	if err != nil {
		t.Errorf("Do() = %v, ожидали nil", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, ожидали 1", calls)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	cfg := Config{
		MaxRetries:   5,
		InitialDelay: time.Millisecond,
		Multiplier:   1.0,
	}

	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("временный сбой")
		}
		return nil
	}, cfg)

	if err != nil {
		t.Errorf("Do() = %v, ожидали nil", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, ожидали 3", calls)
	}
}

func TestDoExhaustsRetries(t *testing.T) {
	cfg := Config{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		Multiplier:   1.0,
	}

	wantErr := errors.New("биржа недоступна")
	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		return wantErr
	}, cfg)

	if !errors.Is(err, wantErr) {
		t.Errorf("Do() = %v, ожидали %v", err, wantErr)
	}
	if calls != 3 {
		t.Errorf("calls = %d, ожидали 3", calls)
	}
}

func TestDoPermanentErrorStopsImmediately(t *testing.T) {
	cfg := Config{
		MaxRetries:   5,
		InitialDelay: time.Millisecond,
		RetryIf:      IsRetryable,
	}

	calls := 0
	err := Do(context.Background(), func() error {
		calls++
		return Permanent(errors.New("недостаточно маржи"))
	}, cfg)

	if err == nil {
		t.Fatal("ожидали ошибку")
	}
	if calls != 1 {
		t.Errorf("calls = %d, ожидали 1 (permanent не retry'ится)", calls)
	}
}

func TestDoContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	cfg := Config{
		MaxRetries:   100,
		InitialDelay: 50 * time.Millisecond,
		Multiplier:   1.0,
	}

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, func() error {
			calls++
			return errors.New("сбой")
		}, cfg)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Error("ожидали ошибку после отмены контекста")
		}
	case <-time.After(time.Second):
		t.Fatal("Do() не завершился после отмены контекста")
	}
}

func TestDoWithResult(t *testing.T) {
	cfg := Config{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
	}

	calls := 0
	result, err := DoWithResult(context.Background(), func() (int, error) {
		calls++
		if calls < 2 {
			return 0, errors.New("сбой")
		}
		return 42, nil
	}, cfg)

	if err != nil {
		t.Errorf("DoWithResult() error = %v, ожидали nil", err)
	}
	if result != 42 {
		t.Errorf("result = %d, ожидали 42", result)
	}
}

func TestOnRetryCallback(t *testing.T) {
	var attempts []int
	cfg := Config{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			attempts = append(attempts, attempt)
		},
	}

	_ = Do(context.Background(), func() error {
		return errors.New("сбой")
	}, cfg)

	// 3 попытки = 2 retry callback'а (после последней попытки retry нет)
	if len(attempts) != 2 {
		t.Errorf("OnRetry вызван %d раз, ожидали 2", len(attempts))
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"обычная ошибка", errors.New("сбой"), true},
		{"permanent", Permanent(errors.New("сбой")), false},
		{"temporary", Temporary(errors.New("сбой")), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, ожидали %v", got, tt.want)
			}
		})
	}
}

func TestRetryIfNotContext(t *testing.T) {
	if RetryIfNotContext(context.Canceled) {
		t.Error("context.Canceled не должен retry'иться")
	}
	if RetryIfNotContext(context.DeadlineExceeded) {
		t.Error("context.DeadlineExceeded не должен retry'иться")
	}
	if !RetryIfNotContext(errors.New("сетевой сбой")) {
		t.Error("обычная ошибка должна retry'иться")
	}
}

func TestCalculateDelayBounds(t *testing.T) {
	cfg := Config{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		JitterFactor: 0,
	}
	cfg.validate()

	if d := cfg.calculateDelay(0); d != 100*time.Millisecond {
		t.Errorf("delay(0) = %v, ожидали 100ms", d)
	}
	if d := cfg.calculateDelay(1); d != 200*time.Millisecond {
		t.Errorf("delay(1) = %v, ожидали 200ms", d)
	}
	// Экспонента упирается в MaxDelay
	if d := cfg.calculateDelay(10); d != time.Second {
		t.Errorf("delay(10) = %v, ожидали 1s (MaxDelay)", d)
	}
}
