package beaconapi

import "testing"

func TestHexBitlistLSBFirst(t *testing.T) {
	// 0x05 = 0b00000101 -> bits 0 and 2 set, LSB-first.
	bits := hexBitlist("0x05")
	if len(bits) != 1 || bits[0] != 0x05 {
		t.Fatalf("hexBitlist(0x05) = %v", bits)
	}
}

func TestHexBitlistEmpty(t *testing.T) {
	if got := hexBitlist(""); got != nil {
		t.Errorf("hexBitlist(\"\") = %v, want nil", got)
	}
}

func TestEffectiveBalanceBucket(t *testing.T) {
	cases := []struct {
		balance uint64
		want    uint64
	}{
		{32_000_000_000, 32_000_000_000},
		{32_500_000_000, 32_000_000_000},
		{31_999_999_999, 31_000_000_000},
		{0, 0},
	}
	for _, tc := range cases {
		if got := EffectiveBalanceBucket(tc.balance); got != tc.want {
			t.Errorf("EffectiveBalanceBucket(%d) = %d, want %d", tc.balance, got, tc.want)
		}
	}
}

func TestDecodeAttestationRewards(t *testing.T) {
	body := []byte(`{
		"data": {
			"total_rewards": [
				{"validator_index": "549417", "head": "87524", "target": "87314", "source": "87929", "inactivity": "0"}
			],
			"ideal_rewards": [
				{"effective_balance": "32000000000", "head": "88000", "target": "88000", "source": "88000", "inactivity": "0"}
			]
		}
	}`)
	resp, err := decodeAttestationRewards(body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, ok := resp.PerValidator[549417]
	if !ok {
		t.Fatal("missing validator 549417 in per-validator rewards")
	}
	if got.Head.Int64() != 87524 {
		t.Errorf("head = %v, want 87524", got.Head)
	}
	ideal, ok := resp.IdealRewards[32_000_000_000]
	if !ok {
		t.Fatal("missing ideal reward bucket 32_000_000_000")
	}
	if ideal.Head.Int64() != 88000 {
		t.Errorf("ideal head = %v, want 88000", ideal.Head)
	}
}

func TestDecodeBeaconBlockMissedFieldsDefault(t *testing.T) {
	body := []byte(`{
		"data": {
			"message": {
				"slot": "24519343",
				"proposer_index": "536011",
				"body": {
					"execution_payload": {"block_number": "19000000", "timestamp": "1700000000"},
					"attestations": [
						{"aggregation_bits": "0x05", "data": {"slot": "24519342", "index": "3"}}
					]
				}
			}
		}
	}`)
	block, err := decodeBeaconBlock(24519343, body)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if block.ProposerIndex != 536011 {
		t.Errorf("proposer = %d, want 536011", block.ProposerIndex)
	}
	if len(block.Attestations) != 1 {
		t.Fatalf("expected 1 attestation, got %d", len(block.Attestations))
	}
	att := block.Attestations[0]
	if att.DataSlot != 24519342 || att.DataCommitteeIndex != 3 {
		t.Errorf("attestation data mismatch: %+v", att)
	}
}
