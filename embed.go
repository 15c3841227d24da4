package posturereport

import "embed"

// StaticFiles holds the embedded web dashboard assets served at / in
// production builds. Dev mode serves ./static from disk instead.
//
//go:embed static/*
var StaticFiles embed.FS
