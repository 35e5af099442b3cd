// Package gattuuid is the UUID vocabulary of spec.md §6.2: the standard
// Bluetooth SIG UUIDs this daemon reads directly, and the vendor UUID
// pattern the remote control's proprietary services/characteristics use.
//
// This replaces the teacher's internal/bledb package, whose lookup table
// was produced by a go:generate step (internal/bledb/gen) not present in
// the retrieved sources -- see DESIGN.md. The vocabulary needed here is
// small and fixed by the spec, so it is simply written out.
package gattuuid

import (
	"fmt"
	"strings"
)

// Normalize lower-cases a UUID and strips dashes, matching the form used
// internally for map lookups (mirrors internal/device.NormalizeUUID from
// the teacher).
func Normalize(uuid string) string {
	return strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
}

// vendorUUID builds one of the remote's proprietary UUIDs, all sharing the
// pattern 0000XXXX-BDF0-407C-AAFF-D09967F31ACD (spec.md §6.2).
func vendorUUID(short uint16) string {
	return Normalize(fmt.Sprintf("0000%04x-bdf0-407c-aaff-d09967f31acd", short))
}

// Standard SIG service UUIDs.
var (
	ServiceDeviceInformation  = Normalize("0000180a-0000-1000-8000-00805f9b34fb")
	ServiceBattery            = Normalize("0000180f-0000-1000-8000-00805f9b34fb")
	ServiceImmediateAlert     = Normalize("00001802-0000-1000-8000-00805f9b34fb")
	ServiceAudio              = vendorUUID(0x1100)
	ServiceInfrared           = vendorUUID(0x1200)
	ServiceUpgrade            = vendorUUID(0x1300)
	ServiceRemoteControl      = vendorUUID(0x1400)
	CCCDUUID                  = Normalize("00002902-0000-1000-8000-00805f9b34fb")
)

// Standard SIG characteristic UUIDs.
var (
	CharManufacturerName  = Normalize("00002a29-0000-1000-8000-00805f9b34fb")
	CharModelNumber       = Normalize("00002a24-0000-1000-8000-00805f9b34fb")
	CharSerialNumber      = Normalize("00002a25-0000-1000-8000-00805f9b34fb")
	CharHardwareRevision  = Normalize("00002a27-0000-1000-8000-00805f9b34fb")
	CharFirmwareRevision  = Normalize("00002a26-0000-1000-8000-00805f9b34fb")
	CharSoftwareRevision  = Normalize("00002a28-0000-1000-8000-00805f9b34fb")
	CharSystemID          = Normalize("00002a23-0000-1000-8000-00805f9b34fb")
	CharPnPID             = Normalize("00002a50-0000-1000-8000-00805f9b34fb")
	CharBatteryLevel      = Normalize("00002a19-0000-1000-8000-00805f9b34fb")
	CharAlertLevel        = Normalize("00002a06-0000-1000-8000-00805f9b34fb")
)

// Vendor characteristic UUIDs (audio).
var (
	CharAudioCodecs = vendorUUID(0x1101)
	CharAudioGain   = vendorUUID(0x1102)
	CharAudioCtrl   = vendorUUID(0x1103)
	CharAudioData   = vendorUUID(0x1104)
)

// Vendor characteristic UUIDs (infrared).
var (
	CharIrCodeID       = vendorUUID(0x1201)
	CharIrStandby      = vendorUUID(0x1202)
	CharIrEmit         = vendorUUID(0x1203)
	CharIrSignalSlot   = vendorUUID(0x1210) // one per slot; disambiguated by Instance
	DescIrSignalRef    = vendorUUID(0x1211)
	DescIrSignalConfig = vendorUUID(0x1212)
)

// Vendor characteristic UUIDs (OTA upgrade).
var (
	CharUpgradeControlPoint = vendorUUID(0x1301)
	CharUpgradePacket       = vendorUUID(0x1302)
	DescUpgradeWindowSize   = vendorUUID(0x1303)
)

// Vendor characteristic UUIDs (remote control).
var (
	CharRcuUnpairReason          = vendorUUID(0x1401)
	CharRcuRebootReason          = vendorUUID(0x1402)
	CharRcuAction                = vendorUUID(0x1403)
	CharRcuLastKeypress          = vendorUUID(0x1404)
	CharRcuAdvertisingConfig     = vendorUUID(0x1405)
	CharRcuAdvertisingConfigList = vendorUUID(0x1406)
)
