// Copyright (C) The Flame Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package config

import (
	_ "embed"
)

// DefaultYAML is the built-in configuration. Cluster IDs in a site
// config get a copy of the "xxxxx" entry as their starting point.
//
//go:embed config.default.yml
var DefaultYAML []byte
