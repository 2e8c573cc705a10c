package ops

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/jessevdk/go-flags"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Redis struct {
		URL string `long:"url" env:"URL" default:"redis://localhost:6379/0"`
	} `group:"Redis" namespace:"redis" env-namespace:"REDIS"`

	Log LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func TestParseConfigLayersIniAndEnvironment(t *testing.T) {
	// Parse() reads os.Args; shield the test binary's own flags.
	var restore = os.Args
	os.Args = os.Args[:1]
	t.Cleanup(func() { os.Args = restore })

	var dir = t.TempDir()
	var ini = filepath.Join(dir, "tradegate.ini")
	require.NoError(t, os.WriteFile(ini, []byte("[Redis]\nurl = redis://ini-host:6379/1\n"), 0o600))

	// Case: ini values replace struct-tag defaults.
	var cfg = new(testConfig)
	require.NoError(t, ParseConfig(flags.NewParser(cfg, flags.Default), ini))
	require.Equal(t, "redis://ini-host:6379/1", cfg.Redis.URL)
	require.Equal(t, "info", cfg.Log.Level)

	// Case: a missing ini file is not an error; defaults hold.
	cfg = new(testConfig)
	require.NoError(t, ParseConfig(flags.NewParser(cfg, flags.Default), filepath.Join(dir, "absent.ini")))
	require.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)

	// Case: environment replaces struct-tag defaults.
	t.Setenv("REDIS_URL", "redis://env-host:6379/2")
	cfg = new(testConfig)
	require.NoError(t, ParseConfig(flags.NewParser(cfg, flags.Default), filepath.Join(dir, "absent.ini")))
	require.Equal(t, "redis://env-host:6379/2", cfg.Redis.URL)
}
