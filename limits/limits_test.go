package limits

import (
	"errors"
	"testing"
)

func TestValidateFramePayload(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		wantErr error
	}{
		{"empty control frame", 0, nil},
		{"small", 10, nil},
		{"at limit", MaxFramePayload, nil},
		{"over limit", MaxFramePayload + 1, ErrPayloadTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFramePayload(make([]byte, tt.size))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ValidateFramePayload(%d) = %v, want %v", tt.size, err, tt.wantErr)
			}
		})
	}
}

func TestValidateDataPayload(t *testing.T) {
	if err := ValidateDataPayload(nil); !errors.Is(err, ErrPayloadEmpty) {
		t.Errorf("expected ErrPayloadEmpty, got %v", err)
	}
	if err := ValidateDataPayload([]byte{1}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateDataPayload(make([]byte, MaxFramePayload+1)); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestValidateListLength(t *testing.T) {
	if err := ValidateListLength(MaxListEntries); err != nil {
		t.Errorf("unexpected error at limit: %v", err)
	}
	if err := ValidateListLength(MaxListEntries + 1); !errors.Is(err, ErrListTooLong) {
		t.Errorf("expected ErrListTooLong, got %v", err)
	}
}

func TestLimitRelationships(t *testing.T) {
	if MaxFramePayload > MaxFrameLength {
		t.Errorf("MaxFramePayload (%d) must fit the 16-bit length field", MaxFramePayload)
	}
	if MaxPeersPerResponse > MaxListEntries {
		t.Errorf("MaxPeersPerResponse (%d) must fit a one byte count", MaxPeersPerResponse)
	}
	if MaxNetworkIDsPerFrame*32 > MaxFramePayload {
		t.Errorf("MaxNetworkIDsPerFrame does not fit in a frame")
	}
}
