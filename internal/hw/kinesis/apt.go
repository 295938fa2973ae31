package kinesis

import (
	"encoding/binary"
	"fmt"
	"io"
)

// APT message identifiers used by KCube DC servo and brushless controllers.
const (
	msgHWDisconnect      uint16 = 0x0002
	msgHWReqInfo         uint16 = 0x0005
	msgHWGetInfo         uint16 = 0x0006
	msgHWStartUpdateMsgs uint16 = 0x0011
	msgHWStopUpdateMsgs  uint16 = 0x0012
	msgModSetChanEnable  uint16 = 0x0210
	msgMotSetVelParams   uint16 = 0x0413
	msgMotSetJogParams   uint16 = 0x0416
	msgMotMoveHome       uint16 = 0x0443
	msgMotMoveHomed      uint16 = 0x0444
	msgMotMoveAbsolute   uint16 = 0x0453
	msgMotMoveCompleted  uint16 = 0x0464
	msgMotMoveStop       uint16 = 0x0465
	msgMotMoveStopped    uint16 = 0x0466
	msgMotMoveJog        uint16 = 0x046A
	msgReqStatusUpdate   uint16 = 0x0480
	msgGetStatusUpdate   uint16 = 0x0481
	msgReqDCStatusUpdate uint16 = 0x0490
	msgGetDCStatusUpdate uint16 = 0x0491
	msgAckDCStatusUpdate uint16 = 0x0492
)

// Addresses: the host is 0x01, a single-channel KCube answers on 0x50.
const (
	addrHost    byte = 0x01
	addrGeneric byte = 0x50
	channel1    byte = 0x01
	dataFlag    byte = 0x80
)

// Status bits shared by both status update messages.
const (
	statusMovingFwd  uint32 = 0x00000010
	statusMovingRev  uint32 = 0x00000020
	statusJoggingFwd uint32 = 0x00000040
	statusJoggingRev uint32 = 0x00000080
	statusHoming     uint32 = 0x00000200
	statusHomed      uint32 = 0x00000400
	statusMotionMask uint32 = statusMovingFwd | statusMovingRev | statusJoggingFwd | statusJoggingRev | statusHoming
)

const (
	headerLen  = 6
	maxDataLen = 255
)

// frame is one APT message. A frame with Data is sent as a header plus data
// packet; otherwise Param1 and Param2 travel in the header.
type frame struct {
	ID     uint16
	Param1 byte
	Param2 byte
	Dest   byte
	Source byte
	Data   []byte
}

func shortFrame(id uint16, p1, p2 byte) frame {
	return frame{ID: id, Param1: p1, Param2: p2, Dest: addrGeneric, Source: addrHost}
}

func dataFrame(id uint16, data []byte) frame {
	return frame{ID: id, Dest: addrGeneric, Source: addrHost, Data: data}
}

// encode serializes f, little-endian as the protocol requires.
func (f frame) encode() []byte {
	buf := make([]byte, headerLen+len(f.Data))
	binary.LittleEndian.PutUint16(buf[0:2], f.ID)
	if len(f.Data) > 0 {
		binary.LittleEndian.PutUint16(buf[2:4], uint16(len(f.Data)))
		buf[4] = f.Dest | dataFlag
		copy(buf[headerLen:], f.Data)
	} else {
		buf[2] = f.Param1
		buf[3] = f.Param2
		buf[4] = f.Dest
	}
	buf[5] = f.Source
	return buf
}

// readFrame reads one frame from r.
func readFrame(r io.Reader) (frame, error) {
	var hdr [headerLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return frame{}, err
	}
	f := frame{
		ID:     binary.LittleEndian.Uint16(hdr[0:2]),
		Dest:   hdr[4] &^ dataFlag,
		Source: hdr[5],
	}
	if hdr[4]&dataFlag == 0 {
		f.Param1 = hdr[2]
		f.Param2 = hdr[3]
		return f, nil
	}
	n := int(binary.LittleEndian.Uint16(hdr[2:4]))
	if n > maxDataLen {
		return frame{}, fmt.Errorf("apt: message 0x%04x data length %d exceeds %d", f.ID, n, maxDataLen)
	}
	f.Data = make([]byte, n)
	if _, err := io.ReadFull(r, f.Data); err != nil {
		return frame{}, err
	}
	return f, nil
}

// moveAbsoluteData is MOT_MOVE_ABSOLUTE: channel + absolute position (counts).
func moveAbsoluteData(counts int32) []byte {
	b := make([]byte, 6)
	binary.LittleEndian.PutUint16(b[0:2], uint16(channel1))
	binary.LittleEndian.PutUint32(b[2:6], uint32(counts))
	return b
}

const (
	jogModeSingleStep uint16 = 2
	stopModeProfiled  uint16 = 2
)

// jogParamsData is MOT_SET_JOGPARAMS in single step mode.
func jogParamsData(stepCounts, minVel, accel, maxVel int32) []byte {
	b := make([]byte, 22)
	binary.LittleEndian.PutUint16(b[0:2], uint16(channel1))
	binary.LittleEndian.PutUint16(b[2:4], jogModeSingleStep)
	binary.LittleEndian.PutUint32(b[4:8], uint32(stepCounts))
	binary.LittleEndian.PutUint32(b[8:12], uint32(minVel))
	binary.LittleEndian.PutUint32(b[12:16], uint32(accel))
	binary.LittleEndian.PutUint32(b[16:20], uint32(maxVel))
	binary.LittleEndian.PutUint16(b[20:22], stopModeProfiled)
	return b
}

// velParamsData is MOT_SET_VELPARAMS.
func velParamsData(minVel, accel, maxVel int32) []byte {
	b := make([]byte, 14)
	binary.LittleEndian.PutUint16(b[0:2], uint16(channel1))
	binary.LittleEndian.PutUint32(b[2:6], uint32(minVel))
	binary.LittleEndian.PutUint32(b[6:10], uint32(accel))
	binary.LittleEndian.PutUint32(b[10:14], uint32(maxVel))
	return b
}

// statusFields extracts position counts and status bits from either status
// update message. Both carry the position at offset 2 and the status bits
// at offset 10.
func statusFields(data []byte) (counts int32, bits uint32, err error) {
	if len(data) < 14 {
		return 0, 0, fmt.Errorf("apt: status update too short (%d bytes)", len(data))
	}
	counts = int32(binary.LittleEndian.Uint32(data[2:6]))
	bits = binary.LittleEndian.Uint32(data[10:14])
	return counts, bits, nil
}

// hwInfo is the part of HW_GET_INFO the driver uses.
type hwInfo struct {
	Serial uint32
	Model  string
}

func parseHWInfo(data []byte) (hwInfo, error) {
	if len(data) < 12 {
		return hwInfo{}, fmt.Errorf("apt: hw info too short (%d bytes)", len(data))
	}
	model := data[4:12]
	for i, c := range model {
		if c == 0 {
			model = model[:i]
			break
		}
	}
	return hwInfo{
		Serial: binary.LittleEndian.Uint32(data[0:4]),
		Model:  string(model),
	}, nil
}
