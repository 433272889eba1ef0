package httpclient

import (
	"errors"
	"testing"
)

func TestOnceMemoizesPerSlot(t *testing.T) {
	memo := NewSlotMemo()
	calls := 0
	fn := func() (int, error) {
		calls++
		return 42, nil
	}

	for i := 0; i < 3; i++ {
		v, err := Once(memo, 100, fn)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if v != 42 {
			t.Fatalf("value = %d, want 42", v)
		}
	}
	if calls != 1 {
		t.Fatalf("upstream called %d times, want 1", calls)
	}
}

func TestOnceIsPerSlot(t *testing.T) {
	memo := NewSlotMemo()
	calls := 0
	fn := func(slot uint64) func() (uint64, error) {
		return func() (uint64, error) {
			calls++
			return slot * 2, nil
		}
	}

	v1, _ := Once(memo, 1, fn(1))
	v2, _ := Once(memo, 2, fn(2))
	if v1 != 2 || v2 != 4 {
		t.Fatalf("v1=%d v2=%d, want 2 and 4", v1, v2)
	}
	if calls != 2 {
		t.Fatalf("expected one upstream call per distinct slot, got %d", calls)
	}
}

func TestOnceMemoizesErrors(t *testing.T) {
	memo := NewSlotMemo()
	wantErr := errors.New("boom")
	calls := 0
	fn := func() (int, error) {
		calls++
		return 0, wantErr
	}

	_, err1 := Once(memo, 5, fn)
	_, err2 := Once(memo, 5, fn)
	if err1 != wantErr || err2 != wantErr {
		t.Fatalf("expected memoized error on both calls, got %v / %v", err1, err2)
	}
	if calls != 1 {
		t.Fatalf("upstream called %d times, want 1", calls)
	}
}
