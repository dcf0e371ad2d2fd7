package main

import (
	"io"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagOrEnv(t *testing.T) {
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("log-level", "", "Log level")

	require.NoError(t, cmd.Flags().Set("log-level", "debug"))
	t.Setenv("GIGATILE_TEST_LEVEL", "error")
	assert.Equal(t, "debug", flagOrEnv(cmd, "log-level", "GIGATILE_TEST_LEVEL", "warn"))

	require.NoError(t, cmd.Flags().Set("log-level", ""))
	assert.Equal(t, "error", flagOrEnv(cmd, "log-level", "GIGATILE_TEST_LEVEL", "warn"))

	assert.Equal(t, "warn", flagOrEnv(cmd, "log-level", "GIGATILE_TEST_UNSET", "warn"))
}

func TestRegionFromFlags(t *testing.T) {
	cmd := newRegionCommand(&app{})
	require.NoError(t, cmd.ParseFlags([]string{"--left", "100", "--width", "0.5", "--units", "fraction"}))

	region, err := regionFromFlags(cmd)
	require.NoError(t, err)
	require.NotNil(t, region.Left)
	require.NotNil(t, region.Width)
	assert.Equal(t, 100.0, *region.Left)
	assert.Equal(t, 0.5, *region.Width)
	assert.Nil(t, region.Top)
	assert.Nil(t, region.Right)
	assert.Equal(t, "fraction", region.Units)
}

func TestRegionFromFlagsRejectsUnits(t *testing.T) {
	cmd := newRegionCommand(&app{})
	require.NoError(t, cmd.ParseFlags([]string{"--units", "furlongs"}))

	_, err := regionFromFlags(cmd)
	assert.Error(t, err)
}

func TestTileCommandArgs(t *testing.T) {
	root := newRootCommand(&app{})
	root.PersistentPreRunE = nil
	root.SetArgs([]string{"tile", "slide.tif", "0", "x", "0"})
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `invalid tile coordinate "x"`)
}
