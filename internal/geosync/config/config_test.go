package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestFromFile(t *testing.T) {
	path := writeConfig(t, `
node_name = "secondary-1"
role = "secondary"
storage_name = "default"
storage_root = "/var/opt/geosync"

[primary]
url = "https://primary.internal:8085"
auth_token = "from-file"

[replication]
batch_size = 25
poll_interval = "2s"
backoff_base = "1s"
backoff_cap = "1m"

[logging]
format = "json"
level = "info"
`)

	conf, err := FromFile(path)
	require.NoError(t, err)

	require.Equal(t, "secondary-1", conf.NodeName)
	require.Equal(t, RoleSecondary, conf.Role)
	require.Equal(t, uint(25), conf.Replication.BatchSize)
	require.Equal(t, 2*time.Second, conf.Replication.PollInterval.Duration())
	require.Equal(t, time.Minute, conf.Replication.BackoffCap.Duration())
	require.Equal(t, "from-file", conf.Primary.AuthToken)
	// defaults fill unset values
	require.Equal(t, time.Minute, conf.Replication.RetrySweepInterval.Duration())
	require.NoError(t, conf.Validate())
}

func TestFromFileEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
node_name = "secondary-1"
role = "secondary"
storage_root = "/var/opt/geosync"

[primary]
url = "https://primary.internal:8085"
auth_token = "from-file"
`)

	t.Setenv("GEOSYNC_AUTH_TOKEN", "from-env")
	t.Setenv("GEOSYNC_DB_PASSWORD", "sekret")

	conf, err := FromFile(path)
	require.NoError(t, err)
	require.Equal(t, "from-env", conf.Primary.AuthToken)
	require.Equal(t, "sekret", conf.DB.Password)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		conf := Config{
			NodeName:    "node-1",
			Role:        RoleSecondary,
			StorageRoot: "/var/opt/geosync",
			Primary:     Primary{URL: "http://primary"},
			Replication: DefaultReplicationConfig(),
		}
		return conf
	}

	for _, tc := range []struct {
		desc   string
		mutate func(*Config)
		errMsg string
	}{
		{
			desc:   "valid secondary",
			mutate: func(*Config) {},
		},
		{
			desc: "valid primary",
			mutate: func(c *Config) {
				c.Role = RolePrimary
				c.ListenAddr = ":8085"
			},
		},
		{
			desc:   "missing node name",
			mutate: func(c *Config) { c.NodeName = "" },
			errMsg: "node_name is not set",
		},
		{
			desc:   "invalid role",
			mutate: func(c *Config) { c.Role = "observer" },
			errMsg: `invalid node role: "observer"`,
		},
		{
			desc:   "primary without listen addr",
			mutate: func(c *Config) { c.Role = RolePrimary },
			errMsg: "listen_addr is not set",
		},
		{
			desc:   "secondary without primary url",
			mutate: func(c *Config) { c.Primary.URL = "" },
			errMsg: "primary.url is not set",
		},
		{
			desc:   "secondary without storage root",
			mutate: func(c *Config) { c.StorageRoot = "" },
			errMsg: "storage_root is not set",
		},
		{
			desc:   "poll interval too small",
			mutate: func(c *Config) { c.Replication.PollInterval = Duration(time.Millisecond) },
			errMsg: "poll_interval is below minimum of 100ms",
		},
		{
			desc: "backoff cap below base",
			mutate: func(c *Config) {
				c.Replication.BackoffBase = Duration(time.Minute)
				c.Replication.BackoffCap = Duration(time.Second)
			},
			errMsg: "backoff_cap is below backoff_base",
		},
	} {
		t.Run(tc.desc, func(t *testing.T) {
			conf := base()
			tc.mutate(&conf)
			err := conf.Validate()
			if tc.errMsg == "" {
				require.NoError(t, err)
			} else {
				require.EqualError(t, err, tc.errMsg)
			}
		})
	}
}

func TestBackoff(t *testing.T) {
	conf := Config{Replication: Replication{
		BackoffBase: Duration(time.Second),
		BackoffCap:  Duration(10 * time.Second),
	}}

	backoff := conf.Backoff()
	require.Equal(t, time.Second, backoff(0))
	require.Equal(t, 2*time.Second, backoff(1))
	require.Equal(t, 4*time.Second, backoff(2))
	require.Equal(t, 8*time.Second, backoff(3))
	require.Equal(t, 10*time.Second, backoff(4), "capped")
	require.Equal(t, 10*time.Second, backoff(50), "stays capped")
}
