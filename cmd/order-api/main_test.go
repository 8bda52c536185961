package main

import (
	"errors"
	"flag"
	"io"
	"testing"
)

func TestParseFlags(t *testing.T) {
	tests := []struct {
		name      string
		args      []string
		wantPath  string
		wantLocal bool
	}{
		{name: "defaults", args: nil},
		{name: "config path", args: []string{"-config", "/etc/orderflow.yaml"}, wantPath: "/etc/orderflow.yaml"},
		{name: "local mode", args: []string{"--local"}, wantLocal: true},
		{name: "both", args: []string{"-local", "-config=dev.yaml"}, wantPath: "dev.yaml", wantLocal: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := parseFlags(tt.args, io.Discard)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if opts.configPath != tt.wantPath {
				t.Fatalf("config path = %q, want %q", opts.configPath, tt.wantPath)
			}
			if opts.local != tt.wantLocal {
				t.Fatalf("local = %v, want %v", opts.local, tt.wantLocal)
			}
		})
	}
}

func TestParseFlags_Errors(t *testing.T) {
	if _, err := parseFlags([]string{"-unknown"}, io.Discard); err == nil {
		t.Fatal("expected error for unknown flag")
	}
	if _, err := parseFlags([]string{"-h"}, io.Discard); !errors.Is(err, flag.ErrHelp) {
		t.Fatalf("expected flag.ErrHelp, got %v", err)
	}
}
