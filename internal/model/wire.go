package model

import (
	"encoding/binary"
	"fmt"
)

// ErrShortSignature is returned by DecodeSignature when fewer than
// SignatureWireSize bytes are available.
var ErrShortSignature = fmt.Errorf("model: signature record shorter than %d bytes", SignatureWireSize)

// EncodeSignature marshals a Signature to its 26-byte big-endian version-1
// wire record (spec.md §6), manually field-by-field, matching the teacher's
// marshalCtrlCmd style rather than reflection-based encoding.
func EncodeSignature(s Signature) []byte {
	buf := make([]byte, SignatureWireSize)
	binary.BigEndian.PutUint16(buf[0:2], s.NodeAddress)
	binary.BigEndian.PutUint16(buf[2:4], s.GroupAddress)
	binary.BigEndian.PutUint16(buf[4:6], uint16(s.MAC>>32))
	binary.BigEndian.PutUint16(buf[6:8], uint16(s.MAC>>16))
	binary.BigEndian.PutUint16(buf[8:10], uint16(s.MAC))
	binary.BigEndian.PutUint16(buf[10:12], s.NodePositionAddr)
	binary.BigEndian.PutUint16(buf[12:14], s.DiagnosisID)
	buf[14] = s.NumPorts
	buf[15] = s.ChipID
	buf[16] = s.FwMajor
	buf[17] = s.FwMinor
	buf[18] = s.FwRelease
	binary.BigEndian.PutUint32(buf[19:23], s.FwBuild)
	buf[23] = s.CsMajor
	buf[24] = s.CsMinor
	buf[25] = s.CsRelease
	return buf
}

// DecodeSignature unmarshals the first SignatureWireSize bytes of data into
// a Signature. Extra trailing bytes are ignored, matching spec.md's
// round-trip law: EncodeSignature(DecodeSignature(b)) == b for any such
// prefix.
func DecodeSignature(data []byte) (Signature, error) {
	if len(data) < SignatureWireSize {
		return Signature{}, ErrShortSignature
	}
	var s Signature
	s.NodeAddress = binary.BigEndian.Uint16(data[0:2])
	s.GroupAddress = binary.BigEndian.Uint16(data[2:4])
	macHi := uint64(binary.BigEndian.Uint16(data[4:6]))
	macMid := uint64(binary.BigEndian.Uint16(data[6:8]))
	macLo := uint64(binary.BigEndian.Uint16(data[8:10]))
	s.MAC = (macHi << 32) | (macMid << 16) | macLo
	s.NodePositionAddr = binary.BigEndian.Uint16(data[10:12])
	s.DiagnosisID = binary.BigEndian.Uint16(data[12:14])
	s.NumPorts = data[14]
	s.ChipID = data[15]
	s.FwMajor = data[16]
	s.FwMinor = data[17]
	s.FwRelease = data[18]
	s.FwBuild = binary.BigEndian.Uint32(data[19:23])
	s.CsMajor = data[23]
	s.CsMinor = data[24]
	s.CsRelease = data[25]
	return s, nil
}
