package hci

// HCI Packet types
const (
	PktTypeCommand uint8 = 0x01
	PktTypeACLData uint8 = 0x02
	PktTypeSCOData uint8 = 0x03
	PktTypeEvent   uint8 = 0x04
	PktTypeVendor  uint8 = 0xFF
)

const (
	ogfBitShift            = 10
	ogfHostCtl             = 0x03
	ogfInfoParam           = 0x04
	ogfVendorSpecificDebug = 0x3F
)

// OpCode builds an opcode from its group and command fields.
func OpCode(ogf, ocf uint16) uint16 {
	return ogf<<ogfBitShift | ocf&0x3FF
}

// Standard commands used during bring-up.
var (
	OpReset         = OpCode(ogfHostCtl, 0x0003)
	OpReadLocalName = OpCode(ogfHostCtl, 0x0014)
	OpReadLocalVer  = OpCode(ogfInfoParam, 0x0001)
	OpReadBDAddr    = OpCode(ogfInfoParam, 0x0009)
)

// Broadcom vendor specific commands.
var (
	OpWriteBDAddr          = OpCode(ogfVendorSpecificDebug, 0x0001)
	OpUpdateBaudRate       = OpCode(ogfVendorSpecificDebug, 0x0018)
	OpWriteSCOPCMIntParam  = OpCode(ogfVendorSpecificDebug, 0x001C)
	OpWritePCMDataFormat   = OpCode(ogfVendorSpecificDebug, 0x001E)
	OpWriteSleepMode       = OpCode(ogfVendorSpecificDebug, 0x0027)
	OpDownloadMinidriver   = OpCode(ogfVendorSpecificDebug, 0x002E)
	OpWriteUARTClock       = OpCode(ogfVendorSpecificDebug, 0x0045)
	OpLaunchRAM            = OpCode(ogfVendorSpecificDebug, 0x004E)
	OpWriteI2SPCMInterface = OpCode(ogfVendorSpecificDebug, 0x006D)
	OpEnableWBS            = OpCode(ogfVendorSpecificDebug, 0x007E)
)

// Event codes [Vol 2, Part E, 7.7]
const (
	EvtCommandComplete = 0x0E
	EvtCommandStatus   = 0x0F
	EvtHardwareError   = 0x10
	EvtVendor          = 0xFF
)

const (
	// CmdPreambleSize is opcode (2) + parameter length (1).
	CmdPreambleSize = 3
	maxHciPayload   = 255
	maxPacketSize   = CmdPreambleSize + maxHciPayload

	poolSize  = 16
	poolDepth = maxPacketSize + 1
)
