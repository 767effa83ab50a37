package main

import (
	"os"
	"time"
)

// GlobalFlags holds persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	Token      string
	APITimeout time.Duration
	Insecure   bool
	CACert     string
}

type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	PidFile    string
	LogFile    string
}

type DeployFlags struct {
	Name    string
	Token   string
	NoStart bool
}

type LogsFlags struct {
	Limit  int
	Follow bool
	Every  time.Duration
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
