package ipc

import "github.com/sky-uk/blercud/internal/services/infrared"

// CDI key-code constants of spec.md §6.3, the 16-bit codes the IPC
// boundary uses for IR key identity instead of internal/services/
// infrared.Key's small enum.
const (
	CDIStandby     uint16 = 0xE000
	CDIVolumeUp    uint16 = 0xE003
	CDIVolumeDown  uint16 = 0xE004
	CDIMute        uint16 = 0xE005
	CDIInputSelect uint16 = 0xE010
)

var cdiToKey = map[uint16]infrared.Key{
	CDIStandby:     infrared.Standby,
	CDIVolumeUp:    infrared.VolumeUp,
	CDIVolumeDown:  infrared.VolumeDown,
	CDIMute:        infrared.Mute,
	CDIInputSelect: infrared.InputSelect,
}

// keyFromCDI maps an IPC-boundary CDI key code to the internal logical key,
// per spec.md §4.7/§6.3's bidirectional mapping.
func keyFromCDI(code uint16) (infrared.Key, bool) {
	k, ok := cdiToKey[code]
	return k, ok
}
