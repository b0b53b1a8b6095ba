package config

import (
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, ioutil.WriteFile(file, []byte(content), 0644))
	return file
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "localhost:8888", cfg.ListenAddress())
	assert.Equal(t, StorageTypeMemory, cfg.Storage.Type)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadKeepsDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "port: 9999\n"))
	require.NoError(t, err)
	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 9999, cfg.Port)
	assert.Equal(t, StorageTypeMemory, cfg.Storage.Type)
}

func TestLoadEtcdStorage(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
host: 0.0.0.0
storage:
  type: etcd
  config:
    endpoints:
      - http://etcd-1:2379
      - http://etcd-2:2379
    leaseTTL: 30
    dialTimeout: 2s
`))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8888", cfg.ListenAddress())
	require.Equal(t, StorageTypeEtcd, cfg.Storage.Type)

	etcdCfg, err := cfg.Storage.GetEtcdConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"http://etcd-1:2379", "http://etcd-2:2379"}, etcdCfg.Endpoints)
	assert.Equal(t, int64(30), etcdCfg.LeaseTTL)
	assert.Equal(t, "/testforeman", etcdCfg.Prefix)
	assert.Equal(t, Duration(2*time.Second), etcdCfg.DialTimeout)
}

func TestEtcdConfigCommaSeparatedEndpoints(t *testing.T) {
	s := StorageConfig{Type: StorageTypeEtcd, Config: map[string]interface{}{"endpoints": "a:2379,b:2379"}}
	etcdCfg, err := s.GetEtcdConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"a:2379", "b:2379"}, etcdCfg.Endpoints)
}

func TestEtcdConfigNeedsEndpoints(t *testing.T) {
	_, err := StorageConfig{Type: StorageTypeEtcd}.GetEtcdConfig()
	assert.Error(t, err)
}

func TestFileConfig(t *testing.T) {
	_, err := StorageConfig{Type: StorageTypeFile}.GetFileConfig()
	assert.Error(t, err)

	fileCfg, err := StorageConfig{Type: StorageTypeFile, Config: map[string]interface{}{"file": "/tmp/foreman"}}.GetFileConfig()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/foreman", fileCfg.File)
}

func TestNotifications(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
notifications:
  - type: webhook
    config:
      url: http://ci.local/hook
      headers:
        X-Token: [secret]
  - type: slack
    config:
      token: xoxb-1
      channel: "#ci"
      messageFields:
        - key: pipeline
          value: nightly
`))
	require.NoError(t, err)
	require.Len(t, cfg.Notifications, 2)

	hook, err := cfg.Notifications[0].GetWebhookConfig()
	require.NoError(t, err)
	assert.Equal(t, "http://ci.local/hook", hook.URL)
	assert.Equal(t, "POST", hook.Method)
	assert.Equal(t, []string{"secret"}, hook.Headers["X-Token"])

	_, err = cfg.Notifications[0].GetSlackConfig()
	assert.ErrorIs(t, err, ErrUnknownNotificationType)

	slackCfg, err := cfg.Notifications[1].GetSlackConfig()
	require.NoError(t, err)
	assert.Equal(t, "#ci", slackCfg.Channel)
	assert.Equal(t, []MessageField{{Key: "pipeline", Value: "nightly"}}, slackCfg.MessageFields)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
