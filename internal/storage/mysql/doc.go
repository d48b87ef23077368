// Package mysql provides persistence for settlement receipts. It ships a
// JSON-lines backed archive for single-node development and a MySQL backed
// archive for durable deployments.
package mysql
