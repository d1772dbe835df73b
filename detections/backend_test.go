package detections

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTensorValidate(t *testing.T) {
	tests := []struct {
		name    string
		tensor  *Tensor
		wantErr string
	}{
		{"nil", nil, "nil tensor"},
		{"short data", &Tensor{Shape: []int64{1, 6, 4}, Data: make([]float32, 20)}, "shape [1 6 4] needs 24 elements, have 20"},
		{"ok", NewTensor(1, 6, 4), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.tensor.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.EqualError(t, err, tt.wantErr)
			assert.NotNil(t, errors.GetReportableStackTrace(err))
		})
	}
}
