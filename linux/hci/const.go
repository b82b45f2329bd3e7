package hci

import "time"

// HCI Packet types
const (
	PktTypeCommand uint8 = 0x01
	PktTypeACLData uint8 = 0x02
	PktTypeSCOData uint8 = 0x03
	PktTypeEvent   uint8 = 0x04
	PktTypeVendor  uint8 = 0xFF
)

// Adapter frame descriptor. Every frame exchanged with the adapter starts
// with a 16 byte descriptor:
//   [0:2]  length of the payload that follows, low 12 bits
//   [1]    queue number in the high nibble
//   [14]   packet type, or a management message type on the mgmt queue
const (
	FrameDescSize   = 16
	descLenMask     = 0x0fff
	descQueueShift  = 4
	descQueueMask   = 0x07
	descTypeOffset  = 14
	MaxFramePayload = descLenMask
)

// Adapter queues.
const (
	QueueBTMgmt uint8 = 0x06
	QueueBTData uint8 = 0x07
)

// Management message types seen on QueueBTMgmt.
const (
	CardReadyInd  uint8 = 0x89
	ResultConfirm uint8 = 0x80
	BTBer         uint8 = 0x0a
	BTCw          uint8 = 0x0b
)

const (
	// DefaultHeadroom is the reserve the adapter layer needs in front of an
	// outbound payload for its descriptor.
	DefaultHeadroom = FrameDescSize

	// ControlAlign is the alignment of payloads built from control messages.
	ControlAlign = 64

	DefaultPollInterval = 20 * time.Millisecond
	DefaultPoolSize     = 64

	// largest headroom plus alignment slack plus the largest payload
	poolBufSize = 2*ControlAlign + MaxFramePayload + 1
)
