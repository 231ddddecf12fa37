package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Spardaa/unilife-backend-sub000/internal/config"
)

func TestRun_Version(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), &stdout, &stderr, []string{"version"}); err != nil {
		t.Fatalf("run version: %v", err)
	}
	if !strings.Contains(stdout.String(), "go_version:") {
		t.Errorf("text output missing go_version:\n%s", stdout.String())
	}
}

func TestRun_VersionJSON(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), &stdout, &stderr, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("run version: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		t.Fatalf("decode %q: %v", stdout.String(), err)
	}
	if info["version"] == "" {
		t.Errorf("version missing from %v", info)
	}
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		var stdout, stderr bytes.Buffer
		if err := run(context.Background(), &stdout, &stderr, args); err != nil {
			t.Fatalf("run %v: %v", args, err)
		}
		if !strings.Contains(stdout.String(), "Usage: unilife") {
			t.Errorf("run %v: usage not printed", args)
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "unknown command", args: []string{"frobnicate"}, wantErr: "unknown command"},
		{name: "unknown flag", args: []string{"-x"}, wantErr: "unknown flag"},
		{name: "bad output format", args: []string{"-o", "yaml", "version"}, wantErr: "unknown output format"},
		{name: "ask without message", args: []string{"ask"}, wantErr: "usage: unilife ask"},
		{name: "missing config", args: []string{"-config", "/nonexistent/unilife.yaml", "ask", "hi"}, wantErr: "config file not found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			err := run(context.Background(), &stdout, &stderr, tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("run(%v) error = %v, want containing %q", tt.args, err, tt.wantErr)
			}
		})
	}
}

func TestRunInit(t *testing.T) {
	dir := t.TempDir()
	var stdout, stderr bytes.Buffer
	if err := run(context.Background(), &stdout, &stderr, []string{"init", dir}); err != nil {
		t.Fatalf("run init: %v", err)
	}

	cfgPath := filepath.Join(dir, "config.yaml")
	info, err := os.Stat(cfgPath)
	if err != nil {
		t.Fatalf("config.yaml not created: %v", err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		t.Errorf("config.yaml permissions = %o, want no group/other access", info.Mode().Perm())
	}
	if st, err := os.Stat(filepath.Join(dir, "data")); err != nil || !st.IsDir() {
		t.Errorf("data directory not created: %v", err)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if diff := cmp.Diff(config.Default(), cfg); diff != "" {
		t.Errorf("example config differs from defaults (-want +got):\n%s", diff)
	}
}

func TestRunInit_KeepsExistingConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("log_level: debug\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := runInit(&buf, dir); err != nil {
		t.Fatalf("runInit: %v", err)
	}
	got, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "log_level: debug\n" {
		t.Errorf("config.yaml overwritten: %q", got)
	}
	if !strings.Contains(buf.String(), "left unchanged") {
		t.Errorf("output does not mention the existing file:\n%s", buf.String())
	}
}
