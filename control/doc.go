// Package control
// Author: momentics <momentics@gmail.com>
//
// Configuration, runtime metrics and debug introspection layer.
//
// Provides concurrent-safe state handling primitives including:
//   - YAML listener configuration with validation
//   - Immutable snapshot config reads, atomic updates and reload hooks
//   - A Prometheus-backed connection stats observer
//   - State export through named debug probes
package control
