// Package udisks implements the storaged collaborator interfaces against a
// UDisks2-compatible device-management service over D-Bus, using
// godbus/dbus.
//
// Gateway issues the Mount/Unmount (Filesystem), Unlock/Lock (Encrypted)
// and Eject/PowerOff (Drive) methods on the system bus. Directory serves
// block-device and drive property snapshots with a per-object cache fed by
// PropertiesChanged and ObjectManager signals. Prompter talks to the
// passphrase dialog service on the session bus and exports the transient
// reply object each request is answered on.
package udisks
