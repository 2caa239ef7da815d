// Package devicedir provides an in-memory device directory: property
// snapshots keyed by device id with a change-notification stream.
//
// It backs the daemon's memory backend, optionally seeded from the running
// host's mount table (Probe), and serves as the test substrate for the
// storage access controller together with SimGateway, a gateway that applies
// mount, unlock and related operations directly to the directory the way the
// real device-management service would.
package devicedir
