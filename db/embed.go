// Package db embeds the order store schema.
package db

import _ "embed"

// Schema creates the orders, order_items, order_status_history and
// order_payments tables. It is safe to apply repeatedly.
//
//go:embed migrations/001_schema.sql
var Schema string
