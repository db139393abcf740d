package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "userserver.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "listen: \":9090\"\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != ":9090" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.Workers != 4 || cfg.Dispatchers != 1 {
		t.Errorf("pool sizing = %d/%d, want defaults 4/1", cfg.Workers, cfg.Dispatchers)
	}
	if cfg.ReadTimeout.Std() != 5*time.Second {
		t.Errorf("ReadTimeout = %v", cfg.ReadTimeout)
	}
	if cfg.Echo.Path != "/echo" {
		t.Errorf("Echo.Path = %q", cfg.Echo.Path)
	}
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
listen: ":8080 unix:/run/userserver.sock:0660"
workers: 8
dispatchers: 2
read_timeout: 30s
logging:
  level: debug
  format: json
static:
  root: /srv/www
  index_file: start.html
echo:
  enabled: true
  path: /ws
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workers != 8 || cfg.Dispatchers != 2 {
		t.Errorf("pool sizing = %d/%d", cfg.Workers, cfg.Dispatchers)
	}
	if cfg.ReadTimeout.Std() != 30*time.Second {
		t.Errorf("ReadTimeout = %v", cfg.ReadTimeout)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if cfg.Static.Root != "/srv/www" || cfg.Static.IndexFile != "start.html" {
		t.Errorf("static = %+v", cfg.Static)
	}
	if !cfg.Echo.Enabled || cfg.Echo.Path != "/ws" {
		t.Errorf("echo = %+v", cfg.Echo)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"empty listen":     "listen: \"\"\n",
		"negative workers": "workers: -1\n",
		"bad yaml":         "listen: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Error("want error, got nil")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("want error, got nil")
	}
}
