package web

import (
	"embed"
)

// staticFiles is the station UI: index page, stylesheet and the script that
// drives it from /state and /status/stream.
//
//go:embed static/*
var staticFiles embed.FS
