// Package sync contains the domain model of the external record
// synchronization core: identity bindings between local entities and
// remote services, the append-only submission document log, credential
// and endpoint resolution, and the codec/classifier ports that
// integration connectors implement.
//
// The package follows the Ports & Adapters pattern - interfaces are
// defined here, concrete connector implementations live in
// internal/infrastructure/connectors.
package sync
