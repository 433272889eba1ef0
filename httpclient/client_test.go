package httpclient

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func testClient() *Client {
	return NewClient(ClientConfig{
		ArchiveURL:         "https://archive.example",
		FullURL:            "https://full.example",
		ArchiveConcurrency: 4,
		FullConcurrency:    4,
		ArchiveRetries:     3,
		FullRetries:        2,
		RequestsPerSecond:  1000,
		BaseDelay:          time.Millisecond,
	})
}

func TestDoSucceedsFirstTry(t *testing.T) {
	c := testClient()
	var calls atomic.Int32
	got, err := Do(context.Background(), c, func(ctx context.Context, baseURL string) (string, error) {
		calls.Add(1)
		return baseURL, nil
	}, PoolArchive, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "https://archive.example" {
		t.Errorf("got %q", got)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestDoRetriesThenSucceeds(t *testing.T) {
	c := testClient()
	var calls atomic.Int32
	got, err := Do(context.Background(), c, func(ctx context.Context, baseURL string) (int, error) {
		n := calls.Add(1)
		if n < 3 {
			return 0, errors.New("transient")
		}
		return 7, nil
	}, PoolArchive, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 7 {
		t.Errorf("got %d, want 7", got)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestDoFullFallsBackToArchive(t *testing.T) {
	c := testClient()
	var fullCalls, archiveCalls atomic.Int32
	got, err := Do(context.Background(), c, func(ctx context.Context, baseURL string) (string, error) {
		if baseURL == c.full.baseURL {
			fullCalls.Add(1)
			return "", errors.New("full down")
		}
		archiveCalls.Add(1)
		return "recovered", nil
	}, PoolFull, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "recovered" {
		t.Errorf("got %q, want recovered", got)
	}
	if fullCalls.Load() != int32(c.full.retries) {
		t.Errorf("full pool calls = %d, want %d", fullCalls.Load(), c.full.retries)
	}
	if archiveCalls.Load() == 0 {
		t.Error("expected at least one archive call after fallback")
	}
}

func TestDoArchiveNeverFallsBack(t *testing.T) {
	c := testClient()
	var calls atomic.Int32
	_, err := Do(context.Background(), c, func(ctx context.Context, baseURL string) (string, error) {
		calls.Add(1)
		return "", errors.New("archive down")
	}, PoolArchive, nil)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if calls.Load() != int32(c.archive.retries) {
		t.Errorf("calls = %d, want %d (no fallback from archive)", calls.Load(), c.archive.retries)
	}
}

func TestDoErrorHandlerTranslatesMissed(t *testing.T) {
	c := testClient()
	got, err := Do(context.Background(), c, func(ctx context.Context, baseURL string) (int, error) {
		return 0, errors.New("404 not found")
	}, PoolArchive, func(err error) (int, error) {
		return -1, Missed
	})
	if !IsMissed(err) {
		t.Fatalf("expected Missed sentinel, got %v", err)
	}
	if got != -1 {
		t.Errorf("got %d, want -1", got)
	}
}

func TestDoErrorHandlerCanPropagate(t *testing.T) {
	c := testClient()
	wantErr := errors.New("fatal upstream error")
	_, err := Do(context.Background(), c, func(ctx context.Context, baseURL string) (int, error) {
		return 0, errors.New("some 4xx")
	}, PoolArchive, func(err error) (int, error) {
		return 0, wantErr
	})
	if err != wantErr {
		t.Fatalf("expected propagated error %v, got %v", wantErr, err)
	}
}

func TestIsIndexerDelayed(t *testing.T) {
	cases := []struct {
		current, value uint64
		want           bool
	}{
		{1000, 900, false},
		{1251, 1000, true},
		{1250, 1000, false},
		{100, 200, false},
	}
	for _, tc := range cases {
		if got := IsIndexerDelayed(tc.current, tc.value); got != tc.want {
			t.Errorf("IsIndexerDelayed(%d, %d) = %v, want %v", tc.current, tc.value, got, tc.want)
		}
	}
}
