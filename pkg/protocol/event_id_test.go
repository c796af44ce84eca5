package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEventID(t *testing.T) {
	tests := []struct {
		in      string
		want    EventID
		wantErr bool
	}{
		{in: "abc:5", want: EventID{StreamID: "abc", Sequence: 5}},
		{in: "a:b:12", want: EventID{StreamID: "a:b", Sequence: 12}},
		{in: "abc:0", want: EventID{StreamID: "abc", Sequence: 0}},
		{in: "", wantErr: true},
		{in: "abc", wantErr: true},
		{in: ":5", wantErr: true},
		{in: "abc:", wantErr: true},
		{in: "abc:-1", wantErr: true},
		{in: "abc:x", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseEventID(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedEventID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.in, got.String())
		})
	}
}
