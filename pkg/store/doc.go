// Package store persists organizations, packages and donation ledgers in
// PostgreSQL.
//
// Tables:
//
//	organizations        billing mode and balance counters
//	org_usage_snapshots  ordered usage history per organization
//	packages             unique per (name, language, registry)
//	package_donations    append-only ledger
//	no_comp_lists        packages excluded from compensation per ecosystem
//	config               runtime settings such as compensationEpsilon
//
// PostDonations writes a whole ecosystem's postings in one transaction using
// array parameters, creating missing packages first.
package store
