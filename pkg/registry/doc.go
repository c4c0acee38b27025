// Package registry holds the catalog of backends the router chooses from.
//
// A Registry serves immutable snapshots of BackendDescriptor values loaded
// from a Source: a YAML or TOML file, a PostgreSQL table, or a static list.
// Lookups are in-memory and never block on I/O. Reloads swap the snapshot
// atomically and keep the previous one on failure.
//
// Prior success probability is static catalog data. Updating it from
// observed outcomes is left to whoever maintains the catalog.
package registry
