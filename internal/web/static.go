package web

import (
	"embed"
)

// staticFiles holds the control page and its assets.
//
//go:embed static/*
var staticFiles embed.FS
