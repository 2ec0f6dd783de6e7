package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func intPtr(i int) *int    { return &i }
func boolPtr(b bool) *bool { return &b }

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if !cfg.Web.Enabled {
		t.Error("expected Web.Enabled true by default")
	}
	if cfg.Web.Port != 8080 {
		t.Errorf("expected Web port 8080, got %d", cfg.Web.Port)
	}
	if cfg.Web.Host != "0.0.0.0" {
		t.Errorf("expected Web host 0.0.0.0, got %s", cfg.Web.Host)
	}
	if len(cfg.PLCs) != 0 {
		t.Errorf("expected empty PLCs slice")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
}

func TestDefaultPLCConfig(t *testing.T) {
	p := DefaultPLCConfig("press", "10.0.0.5")

	if p.Port != 102 || p.Rack != 0 || p.Slot != 1 {
		t.Errorf("unexpected endpoint %d/%d/%d", p.Port, p.Rack, p.Slot)
	}
	if p.ScanInterval != time.Second || p.OpTimeout != 5*time.Second {
		t.Errorf("unexpected timing %v/%v", p.ScanInterval, p.OpTimeout)
	}
	if p.Retries() != 3 {
		t.Errorf("expected 3 retries, got %d", p.Retries())
	}
	if p.BackoffInitial != 500*time.Millisecond || p.BackoffMax != 2*time.Second {
		t.Errorf("unexpected backoff %v/%v", p.BackoffInitial, p.BackoffMax)
	}
	if !p.Optimize() {
		t.Error("expected optimize_read true")
	}
}

func TestPLCConfigAccessors(t *testing.T) {
	var p PLCConfig
	if p.Retries() != DefaultMaxRetries {
		t.Errorf("nil retries: got %d", p.Retries())
	}
	p.MaxRetries = intPtr(0)
	if p.Retries() != 0 {
		t.Errorf("explicit zero retries: got %d", p.Retries())
	}
	if !p.Optimize() {
		t.Error("nil optimize should default to true")
	}
	p.OptimizeRead = boolPtr(false)
	if p.Optimize() {
		t.Error("explicit false optimize ignored")
	}

	p.ApplyDefaults()
	if p.Port != 102 || p.ScanInterval != DefaultScanInterval || p.OpTimeout != DefaultOpTimeout {
		t.Errorf("ApplyDefaults left %+v", p)
	}
}

func TestDefaultPublisherConfigs(t *testing.T) {
	mqtt := DefaultMQTTConfig("test")
	if mqtt.Name != "test" || mqtt.Broker != "localhost" || mqtt.Port != 1883 {
		t.Errorf("unexpected mqtt defaults %+v", mqtt)
	}
	if mqtt.Selector != "" {
		t.Errorf("expected selector '', got %s", mqtt.Selector)
	}

	valkey := DefaultValkeyConfig("test")
	if valkey.Address != "localhost:6379" || !valkey.PublishChanges {
		t.Errorf("unexpected valkey defaults %+v", valkey)
	}

	kafka := DefaultKafkaConfig("test")
	if len(kafka.Brokers) != 1 || kafka.Brokers[0] != "localhost:9092" || kafka.RequiredAcks != -1 {
		t.Errorf("unexpected kafka defaults %+v", kafka)
	}
}

func TestLoadAndSave(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("returns default for nonexistent file", func(t *testing.T) {
		path := filepath.Join(tmpDir, "nested", "nonexistent.yaml")
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Web.Port != 8080 {
			t.Error("expected default config")
		}
		if _, err := os.Stat(path); err != nil {
			t.Errorf("defaults were not written: %v", err)
		}
	})

	t.Run("round trips", func(t *testing.T) {
		path := filepath.Join(tmpDir, "config.yaml")
		cfg := DefaultConfig()
		cfg.Namespace = "plant1"
		plc := DefaultPLCConfig("press", "10.0.0.5")
		plc.Items = []ItemConfig{
			{Topic: "temp", Address: "DB1.REAL0", Precision: intPtr(2)},
			{Topic: "run", Address: "DB1.DBX4.0", ScanInterval: 100 * time.Millisecond},
		}
		cfg.AddPLC(plc)
		cfg.MQTT = append(cfg.MQTT, DefaultMQTTConfig("local"))

		if err := cfg.Save(path); err != nil {
			t.Fatalf("Save failed: %v", err)
		}

		loaded, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if loaded.Namespace != "plant1" {
			t.Errorf("namespace = %q", loaded.Namespace)
		}
		p := loaded.FindPLC("press")
		if p == nil {
			t.Fatal("plc not loaded")
		}
		if len(p.Items) != 2 {
			t.Fatalf("expected 2 items, got %d", len(p.Items))
		}
		if it := p.FindItem("temp"); it == nil || it.Precision == nil || *it.Precision != 2 {
			t.Errorf("temp item = %+v", it)
		}
		if it := p.FindItem("run"); it == nil || it.ScanInterval != 100*time.Millisecond {
			t.Errorf("run item = %+v", it)
		}
		if loaded.FindMQTT("local") == nil {
			t.Error("mqtt config not loaded")
		}
	})

	t.Run("durations as strings", func(t *testing.T) {
		path := filepath.Join(tmpDir, "durations.yaml")
		data := `
namespace: test
plcs:
  - name: line1
    enabled: true
    host: 192.168.0.10
    rack: 0
    slot: 2
    scan_interval: 250ms
    items:
      - topic: speed
        address: DB5.INT2
`
		if err := os.WriteFile(path, []byte(data), 0644); err != nil {
			t.Fatal(err)
		}
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		p := cfg.FindPLC("line1")
		if p == nil {
			t.Fatal("plc missing")
		}
		if p.ScanInterval != 250*time.Millisecond {
			t.Errorf("scan interval = %v", p.ScanInterval)
		}
		if p.Port != 102 || p.OpTimeout != DefaultOpTimeout {
			t.Errorf("defaults not applied: %+v", p)
		}
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate: %v", err)
		}
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := filepath.Join(tmpDir, "bad.yaml")
		os.WriteFile(path, []byte("plcs: [unterminated"), 0644)
		if _, err := Load(path); err == nil {
			t.Error("expected parse error")
		}
	})
}

func TestItemOperations(t *testing.T) {
	p := DefaultPLCConfig("press", "h")
	p.SetItem(ItemConfig{Topic: "a", Address: "DB1.DBW0"})
	p.SetItem(ItemConfig{Topic: "b", Address: "DB1.DBW2"})
	p.SetItem(ItemConfig{Topic: "a", Address: "DB1.DBW4"})

	if len(p.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(p.Items))
	}
	if p.FindItem("a").Address != "DB1.DBW4" {
		t.Error("SetItem did not replace existing topic")
	}
	if !p.RemoveItem("a") {
		t.Error("RemoveItem returned false")
	}
	if p.RemoveItem("a") {
		t.Error("second RemoveItem returned true")
	}
	if p.FindItem("a") != nil {
		t.Error("item still present")
	}
}

func TestPLCOperations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AddPLC(DefaultPLCConfig("one", "h1"))
	cfg.AddPLC(DefaultPLCConfig("two", "h2"))

	if cfg.FindPLC("two") == nil {
		t.Error("FindPLC failed")
	}
	if !cfg.RemovePLC("one") {
		t.Error("RemovePLC failed")
	}
	if cfg.FindPLC("one") != nil {
		t.Error("plc still present after remove")
	}
	if cfg.RemovePLC("missing") {
		t.Error("RemovePLC of missing returned true")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"bad namespace", func(c *Config) { c.Namespace = "has space" }, "namespace"},
		{"missing name", func(c *Config) { c.PLCs[0].Name = "" }, "name is required"},
		{"duplicate plc", func(c *Config) { c.PLCs = append(c.PLCs, c.PLCs[0]) }, "duplicate name"},
		{"missing host", func(c *Config) { c.PLCs[0].Host = "" }, "host is required"},
		{"bad address", func(c *Config) { c.PLCs[0].Items[0].Address = "DB1.BAD0" }, "invalid address"},
		{"duplicate topic", func(c *Config) {
			c.PLCs[0].Items = append(c.PLCs[0].Items, c.PLCs[0].Items[0])
		}, "duplicate topic"},
		{"fast scan", func(c *Config) { c.PLCs[0].ScanInterval = 10 * time.Millisecond }, "below minimum"},
		{"connection type", func(c *Config) { c.PLCs[0].ConnectionType = "tsap" }, "connection type"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			plc := DefaultPLCConfig("press", "10.0.0.5")
			plc.Items = []ItemConfig{{Topic: "temp", Address: "DB1.REAL0"}}
			cfg.AddPLC(plc)
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestChangeListeners(t *testing.T) {
	cfg := DefaultConfig()
	called := make(chan struct{}, 1)
	id := cfg.AddOnChangeListener(func() { called <- struct{}{} })

	if err := cfg.Save(filepath.Join(t.TempDir(), "c.yaml")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("listener not called")
	}

	cfg.RemoveOnChangeListener(id)
	cfg.Save(filepath.Join(t.TempDir(), "c.yaml"))
	select {
	case <-called:
		t.Error("removed listener was called")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDefaultPath(t *testing.T) {
	path := DefaultPath()
	if !strings.HasSuffix(path, "config.yaml") {
		t.Errorf("unexpected default path %q", path)
	}
}

func TestIsValidNamespace(t *testing.T) {
	for ns, want := range map[string]bool{
		"plant1": true, "a.b-c_d": true, "": false, "with space": false, "slash/no": false,
	} {
		if got := IsValidNamespace(ns); got != want {
			t.Errorf("IsValidNamespace(%q) = %v", ns, got)
		}
	}
}
