/*
main.go

Copyright © 2026 Code Monkey Cybersecurity
Contact: git@cybermonkey.net.au

This file is part of Harpy.

This software is dual-licensed under the Do No Harm License
and the GNU Affero General Public License v3 (AGPL-3.0-or-later).
You may use, modify, and distribute it under the terms of either license.
*/
package main

import (
	"github.com/CodeMonkeyCybersecurity/harpy/cmd"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/logger"
	"github.com/CodeMonkeyCybersecurity/harpy/pkg/telemetry"
)

func main() {
	logger.InitializeWithFallback()
	if err := telemetry.Init("harpy"); err != nil {
		logger.L().Warn("Telemetry init failed: " + err.Error())
	}

	cmd.Execute()
}
