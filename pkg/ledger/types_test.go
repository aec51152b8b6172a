package ledger

import (
	"errors"
	"testing"
)

func TestNewAccountID(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		input   string
		wantErr error
		wantVal string
	}{
		{name: "valid", input: " user-123 ", wantVal: "user-123"},
		{name: "empty", input: "   ", wantErr: ErrInvalidAccountID},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			result, err := NewAccountID(tc.input)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected error %v, got %v", tc.wantErr, err)
				}
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.String() != tc.wantVal {
				t.Fatalf("expected %q, got %q", tc.wantVal, result.String())
			}
		})
	}
}

func TestParseTier(t *testing.T) {
	t.Parallel()
	tier, err := ParseTier(" Pro ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tier != TierPro {
		t.Fatalf("expected pro, got %q", tier)
	}
	if _, err := ParseTier("gold"); !errors.Is(err, ErrInvalidTier) {
		t.Fatalf("expected ErrInvalidTier, got %v", err)
	}
	if !TierUltra.AtLeast(TierPlus) || TierFree.AtLeast(TierPlus) {
		t.Fatalf("unexpected tier ordering")
	}
	if TierFree.IsPaid() || !TierPlus.IsPaid() {
		t.Fatalf("unexpected paid flags")
	}
}

func TestGrantBucket(t *testing.T) {
	t.Parallel()
	cases := []struct {
		entryType EntryType
		want      Bucket
		wantErr   bool
	}{
		{entryType: EntryPurchase, want: BucketNonExpiring},
		{entryType: EntryTierGrant, want: BucketExpiring},
		{entryType: EntryDailyRefresh, want: BucketDaily},
		{entryType: EntryCorrection, want: BucketNonExpiring},
		{entryType: EntryUsage, wantErr: true},
		{entryType: EntryRefund, wantErr: true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(string(tc.entryType), func(t *testing.T) {
			t.Parallel()
			bucket, err := GrantBucket(tc.entryType)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidEntryType) {
					t.Fatalf("expected ErrInvalidEntryType, got %v", err)
				}
				return
			}
			if err != nil || bucket != tc.want {
				t.Fatalf("expected %s, got %s (%v)", tc.want, bucket, err)
			}
		})
	}
}

func TestNewMetadataJSON(t *testing.T) {
	t.Parallel()
	meta, err := NewMetadataJSON("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.String() != "{}" {
		t.Fatalf("expected default metadata to be '{}', got %q", meta.String())
	}
	_, err = NewMetadataJSON("not-json")
	if !errors.Is(err, ErrInvalidMetadataJSON) {
		t.Fatalf("expected ErrInvalidMetadataJSON, got %v", err)
	}
	if MetadataFromMap(map[string]string{"purchase_id": "p-1"}).String() != `{"purchase_id":"p-1"}` {
		t.Fatalf("unexpected map metadata")
	}
	if (MetadataJSON{}).String() != "{}" {
		t.Fatalf("expected zero metadata to render as '{}'")
	}
}
