// Package storage is the bot's durable ledger: order status, broadcast
// job history/progress, the user/staff directory tables, and operator
// settings.
//
// It is SQLite-backed (WAL, single writer) and intentionally narrow;
// services define their own small interfaces over *DB.
package storage
