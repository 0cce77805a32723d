package main

import "time"

// GlobalFlags holds minimal global/persistent flags for CLI commands
type GlobalFlags struct {
	ConfigPath string
}

// Flag structs decouple cobra from command logic for testing.

type RunFlags struct {
	ConfigPath string
	Daemonize  bool
	LogFile    string
}

type ResolveFlags struct {
	ConfigPath string
	OS         string
	Arch       string
}

type PIDFlags struct {
	ConfigPath string
	Kill       bool // terminate the recorded process before clearing
}

type StatusFlags struct {
	APIUrl     string
	APITimeout time.Duration
	Wait       time.Duration // long-poll /ready instead of /status
	CACert     string
	Insecure   bool
}
