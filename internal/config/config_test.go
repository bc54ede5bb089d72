package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"wagate/internal/types"
)

type ConfigTestSuite struct {
	suite.Suite
}

func TestConfigTestSuite(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}

func (s *ConfigTestSuite) SetupTest() {
	for _, k := range []string{"PORT", "DEVICE_BACKEND", "SESSION_DIR", "ENGINE", "ENGINE_REQUEST_TIMEOUT", "REDIS_SSL", "REDIS_DB_NUM", "COUNTRY_CODE"} {
		s.T().Setenv(k, "")
	}
}

func (s *ConfigTestSuite) TestDefaults() {
	cfg, err := Load("")
	s.NoError(err)
	s.Equal(8080, cfg.Port)
	s.Equal(DeviceBackendSQLite, cfg.DeviceBackend)
	s.Equal(filepath.Join(".sessions", "sessions.json"), cfg.SessionFile())
	s.Equal(filepath.Join(".sessions", "auth"), cfg.AuthDir())
	s.Equal("62", cfg.CountryCode)
	s.Equal(30*time.Second, cfg.RequestTimeout)
}

func (s *ConfigTestSuite) TestFileThenEnv() {
	path := filepath.Join(s.T().TempDir(), "wagate.yml")
	s.Require().NoError(os.WriteFile(path, []byte(`
port: 9000
device_backend: postgres
postgres_dsn: host=db user=wagate
session_dir: /var/lib/wagate
engine: fake
redis:
  host: cache
  db: 2
`), 0o600))
	s.T().Setenv("PORT", "9100")
	s.T().Setenv("ENGINE_REQUEST_TIMEOUT", "5s")
	s.T().Setenv("REDIS_SSL", "true")

	cfg, err := Load(path)
	s.NoError(err)
	s.Equal(9100, cfg.Port)
	s.Equal(DeviceBackendPostgres, cfg.DeviceBackend)
	s.Equal("host=db user=wagate", cfg.PostgresDSN)
	s.Equal("/var/lib/wagate/sessions.json", cfg.SessionFile())
	s.Equal(EngineFake, cfg.Engine)
	s.Equal(5*time.Second, cfg.RequestTimeout)
	s.Equal("cache", cfg.Redis.Host)
	s.Equal(2, cfg.Redis.DB)
	s.True(cfg.Redis.TLS)
}

func (s *ConfigTestSuite) TestInvalid() {
	s.T().Setenv("DEVICE_BACKEND", "mongo")
	_, err := Load("")
	s.ErrorIs(err, types.ErrInvalidBackend)

	s.T().Setenv("DEVICE_BACKEND", "")
	s.T().Setenv("PORT", "eighty")
	_, err = Load("")
	s.Error(err)

	s.T().Setenv("PORT", "")
	s.T().Setenv("ENGINE_REQUEST_TIMEOUT", "soon")
	_, err = Load("")
	s.Error(err)
}

func (s *ConfigTestSuite) TestPostgresNeedsDSN() {
	s.T().Setenv("DEVICE_BACKEND", DeviceBackendPostgres)
	_, err := Load("")
	s.ErrorContains(err, "postgres_dsn")
}
