package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSchema(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr bool
	}{
		{
			name: "valid document",
			doc: `{
				"server": {"port": 8080, "allowed_hosts": ["localhost"]},
				"runner": {"provider": "anthropic", "api_key": "sk-ant-x"},
				"billing": {"enabled": false}
			}`,
		},
		{
			name: "empty object",
			doc:  `{}`,
		},
		{
			name:    "string port",
			doc:     `{"server": {"port": "8080"}}`,
			wantErr: true,
		},
		{
			name:    "port out of range",
			doc:     `{"server": {"port": 70000}}`,
			wantErr: true,
		},
		{
			name:    "unknown provider",
			doc:     `{"runner": {"provider": "bard"}}`,
			wantErr: true,
		},
		{
			name:    "zero photon rate",
			doc:     `{"billing": {"photon_rmb_rate": 0}}`,
			wantErr: true,
		},
		{
			name:    "boolean level",
			doc:     `{"logging": {"level": true}}`,
			wantErr: true,
		},
		{
			name:    "not json",
			doc:     `port = 8080`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSchema([]byte(tt.doc))
			if tt.wantErr {
				require.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
