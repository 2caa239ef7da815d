package udisks

import (
	"strings"

	"github.com/JingOS-team/storaged/interfaces"

	"github.com/godbus/dbus/v5"
)

// UDisks2 service and interface names.
const (
	Service = "org.freedesktop.UDisks2"

	basePath    = "/org/freedesktop/UDisks2"
	blockPrefix = basePath + "/block_devices/"
	drivePrefix = basePath + "/drives/"

	ifaceBlock      = Service + ".Block"
	ifaceFilesystem = Service + ".Filesystem"
	ifaceEncrypted  = Service + ".Encrypted"
	ifaceDrive      = Service + ".Drive"

	ifaceProperties    = "org.freedesktop.DBus.Properties"
	ifaceObjectManager = "org.freedesktop.DBus.ObjectManager"
)

// methodFor maps a gateway operation to the fully qualified D-Bus method.
func methodFor(op interfaces.Operation) (string, bool) {
	switch op {
	case interfaces.OpMount:
		return ifaceFilesystem + ".Mount", true
	case interfaces.OpUnmount:
		return ifaceFilesystem + ".Unmount", true
	case interfaces.OpUnlock:
		return ifaceEncrypted + ".Unlock", true
	case interfaces.OpLock:
		return ifaceEncrypted + ".Lock", true
	case interfaces.OpEject:
		return ifaceDrive + ".Eject", true
	case interfaces.OpPowerOff:
		return ifaceDrive + ".PowerOff", true
	default:
		return "", false
	}
}

// argsFor builds the method arguments for a request. All UDisks2 methods
// take a trailing options dict; Unlock additionally takes the passphrase
// first.
func argsFor(req interfaces.Request) []interface{} {
	options := make(map[string]dbus.Variant, len(req.Options))
	for k, v := range req.Options {
		options[k] = dbus.MakeVariant(v)
	}

	if req.Op == interfaces.OpUnlock {
		return []interface{}{req.Passphrase, options}
	}
	return []interface{}{options}
}

// objectPathToID converts a D-Bus object path property to a device id,
// normalizing the "/" sentinel UDisks2 uses for "no object" to the zero id.
func objectPathToID(v interface{}) interfaces.DeviceID {
	path, ok := v.(dbus.ObjectPath)
	if !ok || path == "/" || path == "" {
		return ""
	}
	return interfaces.DeviceID(path)
}

// decodeMountPoints converts the MountPoints property (an array of
// NUL-terminated byte strings) to paths.
func decodeMountPoints(v interface{}) []string {
	raw, ok := v.([][]byte)
	if !ok {
		return nil
	}
	points := make([]string, 0, len(raw))
	for _, b := range raw {
		p := strings.TrimRight(string(b), "\x00")
		if p != "" {
			points = append(points, p)
		}
	}
	return points
}
