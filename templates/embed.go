// Package templates embeds the starter files written by taskweave init.
package templates

import "embed"

//go:embed taskweave.yaml inbox_example.yaml
var FS embed.FS
