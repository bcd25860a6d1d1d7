package message

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDraft_Validate(t *testing.T) {
	cases := []struct {
		name  string
		draft Draft
		err   error
	}{
		{"text only", Draft{SenderID: "u1", ReceiverID: "u2", Content: "hi"}, nil},
		{"image only", Draft{SenderID: "u1", ReceiverID: "u2", ImageURL: "https://cdn.example.com/x.png"}, nil},
		{"text and image", Draft{SenderID: "u1", ReceiverID: "u2", Content: "look", ImageURL: "https://cdn.example.com/x.png"}, nil},
		{"empty", Draft{SenderID: "u1", ReceiverID: "u2"}, ErrEmptyMessage},
		{"bad image url", Draft{SenderID: "u1", ReceiverID: "u2", ImageURL: "not a url"}, ErrInvalidDraft},
		{"missing receiver", Draft{SenderID: "u1", Content: "hi"}, ErrInvalidDraft},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.draft.Validate()
			if tc.err == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tc.err)
		})
	}
}

func TestClock_Stamp_Is_Strictly_Increasing(t *testing.T) {
	req := require.New(t)
	frozen := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := NewClock(func() time.Time { return frozen })

	a := clock.Stamp()
	b := clock.Stamp()

	req.Equal(frozen, a)
	req.Equal(frozen.Add(time.Microsecond), b)
}

func TestClock_Stamp_Survives_Wall_Clock_Going_Back(t *testing.T) {
	req := require.New(t)
	now := time.Date(2026, 1, 1, 0, 0, 10, 0, time.UTC)
	clock := NewClock(func() time.Time { return now })

	first := clock.Stamp()
	now = now.Add(-5 * time.Second)
	second := clock.Stamp()

	req.True(second.After(first))
}

func TestPairKey(t *testing.T) {
	req := require.New(t)
	lo, hi := PairKey("u2", "u1")
	req.Equal("u1", lo)
	req.Equal("u2", hi)
	lo, hi = PairKey("u1", "u2")
	req.Equal("u1", lo)
	req.Equal("u2", hi)
}
