// Copyright 2023 The Chromium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/system/signals"

	"github.com/buckbuild/distbuild/authcred"
	"github.com/buckbuild/distbuild/o11y/clog"
	"github.com/buckbuild/distbuild/subcmd/build"
	"github.com/buckbuild/distbuild/subcmd/help"
)

// buck is the distributed build coordinator's CLI entry point.

var application = &subcommands.DefaultApplication{
	Name:  "buck",
	Title: "hybrid local+remote build coordinator",
	Commands: []*subcommands.Command{
		build.Cmd(authcred.DefaultOptions(), version()),
		help.Cmd(),
	},
}

func main() {
	ctx := context.Background()
	ctx, cancel := context.WithCancel(ctx)
	defer signals.HandleInterrupt(cancel)()

	defer func() {
		if r := recover(); r != nil {
			const size = 64 << 10
			buf := make([]byte, size)
			buf = buf[:runtime.Stack(buf, false)]
			clog.Errorf(ctx, "panic: %v\n%s", r, buf)
			os.Exit(1)
		}
	}()

	logBuildInfo(ctx)
	os.Exit(subcommands.Run(application, os.Args[1:]))
}

func version() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			return s.Value
		}
	}
	return info.Main.Version
}

func logBuildInfo(ctx context.Context) {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	clog.Infof(ctx, "main module: %s", moduleInfo(&info.Main))
	var vcs []string
	for _, s := range info.Settings {
		if strings.HasPrefix(s.Key, "vcs.") {
			vcs = append(vcs, fmt.Sprintf("%s=%s", s.Key, s.Value))
		}
	}
	if len(vcs) > 0 {
		clog.Infof(ctx, "vcs[%s]", strings.Join(vcs, " "))
	}
}

func moduleInfo(m *debug.Module) string {
	if m == nil {
		return "<nil>"
	}
	return fmt.Sprintf("path:%s version:%s sum:%s", m.Path, m.Version, m.Sum)
}
