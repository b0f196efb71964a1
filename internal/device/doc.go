// Package device holds the platform-independent Bluetooth Low Energy data model
// shared by every layer of the session manager:
//   - device identity and the last-known record of a remote device
//   - connection lifecycle states
//   - GATT service and characteristic descriptors
//   - the typed error taxonomy surfaced through completion handles
//
// The package has no behaviour beyond value helpers; state lives in the
// registry, connection and gatt packages.
package device
