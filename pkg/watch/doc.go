// Package watch reloads file-backed catalogs when their files change.
//
// The registry and the policy store both use a FileWatcher so that edits to
// backends.yaml or policy files take effect without a restart. Bursts of
// events are debounced into a single reload.
package watch
