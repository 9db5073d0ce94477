// SPDX-License-Identifier: MPL-2.0

// Package config handles application configuration using Viper with CUE as the file format.
//
// Configuration is loaded from ~/.config/wineyard/config.cue (or XDG equivalent on Linux,
// ~/Library/Application Support/wineyard/config.cue on macOS, %APPDATA%\wineyard\config.cue
// on Windows) and may be overridden per key by WINEYARD_* environment variables.
// The file is validated against an embedded CUE schema (config_schema.cue) before it is
// merged over the defaults.
package config
