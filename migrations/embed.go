// Package migrations embeds the SQL schema applied by `soaflow-api migrate`
// and by the integration test harness.
package migrations

import "embed"

// FS holds the ordered *.sql files.
//
//go:embed *.sql
var FS embed.FS
