package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PKell33/ownprem-sub002/pkg/types"
)

func TestServerDefaultsFromEnv(t *testing.T) {
	t.Setenv("OWNPREM_ENV", "production")
	t.Setenv("OWNPREM_DOMAIN", "ownprem.example.net")
	t.Setenv("OWNPREM_TCP_PORT_MIN", "9100")

	cfg := ServerDefaults()
	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, "ownprem.example.net", cfg.Domain)
	assert.Equal(t, 9100, cfg.TCPPortMin)
	assert.Equal(t, 9999, cfg.TCPPortMax)
	assert.Equal(t, "http://127.0.0.1:2019", cfg.AdminURL)
}

func TestServerValidateProductionRules(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Server)
		wantErr string
	}{
		{"dev needs nothing", func(c *Server) { c.Environment = EnvDevelopment }, ""},
		{"production needs domain", func(c *Server) { c.Domain = "" }, "OWNPREM_DOMAIN"},
		{"production needs master key", func(c *Server) { c.MasterKey = "" }, "OWNPREM_MASTER_KEY"},
		{"port range must be ordered", func(c *Server) { c.TCPPortMin = 9999; c.TCPPortMax = 9000 }, "port range"},
		{"complete production config", func(c *Server) {}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Server{
				Environment: EnvProduction,
				Domain:      "ownprem.example.net",
				MasterKey:   "0123456789abcdef",
				TCPPortMin:  9000,
				TCPPortMax:  9999,
			}
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, types.IsKind(err, types.KindValidation))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestAgentValidate(t *testing.T) {
	cfg := Agent{OrchestratorURL: "10.0.0.1:9443", ServerID: "nodeA", AuthToken: "tok"}
	assert.NoError(t, cfg.Validate())

	cfg.AuthToken = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AUTH_TOKEN")

	cfg.AuthToken = "tok"
	cfg.OrchestratorURL = "not a dial address"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "host:port")
}
