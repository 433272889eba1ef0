package storage

import (
	"errors"
	"testing"
)

func TestValidateConsecutiveAcceptsContiguousRun(t *testing.T) {
	if err := ValidateConsecutive([]uint64{1000, 1001, 1002}, 999, true, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateConsecutiveRejectsGap(t *testing.T) {
	err := ValidateConsecutive([]uint64{1000, 1002}, 999, true, 0)
	if !errors.Is(err, ErrNonConsecutiveEpochs) {
		t.Fatalf("expected ErrNonConsecutiveEpochs, got %v", err)
	}
}

func TestValidateConsecutiveRejectsWrongStart(t *testing.T) {
	err := ValidateConsecutive([]uint64{1005, 1006}, 999, true, 0)
	if !errors.Is(err, ErrEpochStartMismatch) {
		t.Fatalf("expected ErrEpochStartMismatch, got %v", err)
	}
}

func TestValidateConsecutiveEmptyDBUsesDefaultStart(t *testing.T) {
	if err := ValidateConsecutive([]uint64{1000, 1001}, 0, false, 1000); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := ValidateConsecutive([]uint64{1001}, 0, false, 1000); err == nil {
		t.Fatal("expected error when start does not match default for empty db")
	}
}

func TestDecodeAttestedValidators(t *testing.T) {
	counts := []uint32{3, 2, 4} // committee 0 has 3 validators, committee 1 has 2, committee 2 has 4
	// committee 1, bits 0b00000011 -> bits 0 and 1 set -> validators 3 and 4 (start=3)
	voters := DecodeAttestedValidators(counts, 1, []byte{0b00000011})
	if len(voters) != 2 || voters[0] != 3 || voters[1] != 4 {
		t.Fatalf("voters = %v, want [3 4]", voters)
	}
}

func TestDecodeAttestedValidatorsIgnoresOutOfRangeBits(t *testing.T) {
	counts := []uint32{2}
	// bit 2 would be validator index 2, but committee 0 only has 2 members (indices 0,1).
	voters := DecodeAttestedValidators(counts, 0, []byte{0b00000111})
	if len(voters) != 2 || voters[0] != 0 || voters[1] != 1 {
		t.Fatalf("voters = %v, want [0 1]", voters)
	}
}

func TestDecodeAttestedValidatorsUnknownCommittee(t *testing.T) {
	if got := DecodeAttestedValidators([]uint32{2}, 5, []byte{0xFF}); got != nil {
		t.Errorf("expected nil for out-of-range committee index, got %v", got)
	}
}

func TestDedupeMinDelayKeepsMinimum(t *testing.T) {
	updates := []AttestationDelayUpdate{
		{Slot: 100, CommitteeIndex: 0, AggregationBitsIndex: 5, Delay: 3},
		{Slot: 100, CommitteeIndex: 0, AggregationBitsIndex: 5, Delay: 1},
		{Slot: 100, CommitteeIndex: 0, AggregationBitsIndex: 5, Delay: 2},
		{Slot: 100, CommitteeIndex: 1, AggregationBitsIndex: 5, Delay: 0},
	}
	out := DedupeMinDelay(updates)
	if len(out) != 2 {
		t.Fatalf("expected 2 distinct keys, got %d", len(out))
	}
	for _, u := range out {
		if u.CommitteeIndex == 0 && u.Delay != 1 {
			t.Errorf("committee 0 delay = %d, want 1 (minimum)", u.Delay)
		}
	}
}
