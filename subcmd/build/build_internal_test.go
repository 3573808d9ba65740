// Copyright 2023 The Chromium Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package build

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buckbuild/distbuild/buildcfg"
	"github.com/buckbuild/distbuild/clientstats"
	"github.com/buckbuild/distbuild/errkind"
	"github.com/buckbuild/distbuild/jobstate"
)

func TestValidateFlagsRequiresAtLeastOneTarget(t *testing.T) {
	c := &buildCmdRun{}
	c.init()
	err := c.validateFlags(nil, &buildcfg.Config{})
	var cmdErr errkind.CommandLineError
	require.ErrorAs(t, err, &cmdErr)
	assert.Empty(t, cmdErr.Suggests)
}

func TestValidateFlagsZeroTargetsSuggestsConfiguredAliases(t *testing.T) {
	c := &buildCmdRun{}
	c.init()
	cfg := &buildcfg.Config{Aliases: map[string]string{"bar": "//foo:bar", "baz": "//foo:baz"}}
	err := c.validateFlags(nil, cfg)
	var cmdErr errkind.CommandLineError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, []string{"bar", "baz"}, cmdErr.Suggests)
}

func TestValidateFlagsRejectsMultipleBuildModes(t *testing.T) {
	c := &buildCmdRun{deep: true, shallow: true}
	c.init()
	err := c.validateFlags([]string{"//foo:bar"}, &buildcfg.Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestValidateFlagsRejectsMultipleShowModes(t *testing.T) {
	c := &buildCmdRun{showOutputFlag: true, showJSONOutputFlag: true}
	c.init()
	err := c.validateFlags([]string{"//foo:bar"}, &buildcfg.Config{})
	require.Error(t, err)
}

func TestValidateFlagsOutRequiresSingleTarget(t *testing.T) {
	c := &buildCmdRun{out: "/tmp/x"}
	c.init()
	err := c.validateFlags([]string{"//foo:bar", "//foo:baz"}, &buildcfg.Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--out")
}

func TestValidateFlagsAcceptsSingleTargetWithOut(t *testing.T) {
	c := &buildCmdRun{out: "/tmp/x"}
	c.init()
	err := c.validateFlags([]string{"//foo:bar"}, &buildcfg.Config{})
	assert.NoError(t, err)
}

func TestValidateFlagsBuckBinaryMustBeRegularFile(t *testing.T) {
	dir := t.TempDir()
	c := &buildCmdRun{buckBinary: dir}
	c.init()
	err := c.validateFlags([]string{"//foo:bar"}, &buildcfg.Config{})
	require.Error(t, err)
}

func TestValidateFlagsBuckBinaryMustExist(t *testing.T) {
	c := &buildCmdRun{buckBinary: filepath.Join(t.TempDir(), "missing")}
	c.init()
	err := c.validateFlags([]string{"//foo:bar"}, &buildcfg.Config{})
	require.Error(t, err)
}

func TestOutputPathForStripsCellAndColon(t *testing.T) {
	assert.Equal(t, filepath.Join("buck-out", "gen", "foo", "bar", "baz"), outputPathFor("//foo/bar:baz"))
}

func TestRuleKeySeedIsDeterministic(t *testing.T) {
	v := jobstate.Version{Kind: jobstate.VersionGit, Payload: "deadbeef"}
	assert.Equal(t, rulekeySeed(v), rulekeySeed(v))
}

func TestRuleKeySeedDiffersByPayload(t *testing.T) {
	a := jobstate.Version{Kind: jobstate.VersionGit, Payload: "aaaa"}
	b := jobstate.Version{Kind: jobstate.VersionGit, Payload: "bbbb"}
	assert.NotEqual(t, rulekeySeed(a), rulekeySeed(b))
}

func TestWriteBuildReportFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.txt")
	snap := clientstats.Snapshot{RemoteExitCode: 1, LocalExitCode: 0}
	require.NoError(t, writeBuildReport(path, []string{"//foo:bar"}, snap, 1))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	s := string(data)
	assert.Contains(t, s, "exit_code=1")
	assert.Contains(t, s, "remote_exit_code=1")
	assert.Contains(t, s, "target=//foo:bar")
}

func TestOutputModeSelectsMostSpecificFlag(t *testing.T) {
	c := &buildCmdRun{showOutputFlag: true, showFullJSONFlag: true}
	assert.Equal(t, showFullJSONOutput, c.outputMode())
}

func TestOutputModeDefaultsToNothing(t *testing.T) {
	c := &buildCmdRun{}
	assert.Equal(t, showNothing, c.outputMode())
}

func TestParseFlagsFullyInterspersesTargetsAndFlags(t *testing.T) {
	fs := flag.NewFlagSet("build", flag.ContinueOnError)
	var keepGoing bool
	fs.BoolVar(&keepGoing, "keep-going", false, "")
	require.NoError(t, fs.Parse([]string{"//foo:bar", "-keep-going", "//foo:baz"}))

	require.NoError(t, parseFlagsFully(fs))
	assert.True(t, keepGoing)
	assert.ElementsMatch(t, []string{"//foo:bar", "//foo:baz"}, fs.Args())
}
