// Package webassets embeds the HTML pages rendered at the OAuth callback.
package webassets

import "embed"

// FS contains the embedded callback outcome templates.
//
//go:embed oauth_success.html oauth_failure.html
var FS embed.FS
