package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBuildID(t *testing.T) {
	tests := []struct {
		arg     string
		want    int64
		wantErr bool
	}{
		{arg: "101", want: 101},
		{arg: "0", wantErr: true},
		{arg: "-3", wantErr: true},
		{arg: "abc", wantErr: true},
		{arg: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.arg, func(t *testing.T) {
			id, err := parseBuildID(tt.arg)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "invalid build id")

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, id)
		})
	}
}

func TestRunFinalize_RejectsInvalidID(t *testing.T) {
	for _, arg := range []string{"0", "-7", "x"} {
		t.Run(arg, func(t *testing.T) {
			err := runFinalize(finalizeCmd, []string{arg})
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid build id")
		})
	}
}
