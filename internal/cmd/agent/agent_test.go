package agent

import (
	"flag"
	"testing"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("agent", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.InboundPort != 8040 {
		t.Fatalf("expected default inbound port 8040, got %d", cfg.InboundPort)
	}
	if cfg.AdminPort != 8041 {
		t.Fatalf("expected default admin port 8041, got %d", cfg.AdminPort)
	}
}

func TestParseConfigOverrides(t *testing.T) {
	t.Setenv("PIVOT_AGENT_INBOUND_PORT", "9040")
	t.Setenv("PIVOT_AGENT_ADMIN_PORT", "9041")

	fs := flag.NewFlagSet("agent", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-inbound-port", "9050"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.InboundPort != 9050 {
		t.Fatalf("expected inbound port override 9050, got %d", cfg.InboundPort)
	}
	if cfg.AdminPort != 9041 {
		t.Fatalf("expected admin port from env 9041, got %d", cfg.AdminPort)
	}
}
