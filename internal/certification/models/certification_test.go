package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOilMeasurement_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		expected  OilMeasurement
		expectErr bool
	}{
		{
			name:     "numeric value keeps its literal form",
			input:    `{"name":"acidity","value":0.20,"unit":"%"}`,
			expected: OilMeasurement{Name: "acidity", Value: "0.20", Unit: "%"},
		},
		{
			name:     "string value",
			input:    `{"name":"peroxides","value":"7.5","unit":"meq O2/kg"}`,
			expected: OilMeasurement{Name: "peroxides", Value: "7.5", Unit: "meq O2/kg"},
		},
		{
			name:     "null value",
			input:    `{"name":"k232","value":null}`,
			expected: OilMeasurement{Name: "k232"},
		},
		{
			name:      "object value",
			input:     `{"name":"k270","value":{"x":1}}`,
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var m OilMeasurement
			err := json.Unmarshal([]byte(tt.input), &m)
			if tt.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, m)
		})
	}
}

func TestOilMeasurement_Formatted(t *testing.T) {
	assert.Equal(t, "0.2 %", OilMeasurement{Value: "0.2", Unit: "%"}.Formatted())
	assert.Equal(t, "12", OilMeasurement{Value: "12"}.Formatted())
}
