// Package model holds the UNICENS data model: signatures, nodes, endpoints,
// routes and scripts (spec.md §3), plus the wire codec for the signature
// record (spec.md §6). Types here are plain data owned by the application;
// the diagnostic FSMs in internal/diag hold non-owning references to them
// for the lifetime of a routing session.
package model

import "fmt"

// Signature is the immutable identity of a node, learned from its reply to
// a Hello or Welcome request. Encoded on the wire as a 26-byte big-endian
// record (version 1); see EncodeSignature/DecodeSignature.
type Signature struct {
	NodeAddress        uint16
	GroupAddress       uint16
	MAC                uint64 // only the low 48 bits are significant
	NodePositionAddr   uint16
	DiagnosisID        uint16
	NumPorts           uint8
	ChipID             uint8
	FwMajor            uint8
	FwMinor            uint8
	FwRelease          uint8
	FwBuild            uint32
	CsMajor            uint8
	CsMinor            uint8
	CsRelease          uint8
}

// SignatureWireSize is the size in bytes of a version-1 signature record.
const SignatureWireSize = 26

// Node address ranges from spec.md §3 / §6.
const (
	NodeAddrLocal     uint16 = 0x0001
	nodeAddrLowMin    uint16 = 0x010
	nodeAddrLowMax    uint16 = 0x2FF
	nodeAddrHighMin   uint16 = 0x500
	nodeAddrHighMax   uint16 = 0xFEF
)

// ValidNodeAddress reports whether addr falls in a valid node-address range.
func ValidNodeAddress(addr uint16) bool {
	if addr == NodeAddrLocal {
		return true
	}
	if addr >= nodeAddrLowMin && addr <= nodeAddrLowMax {
		return true
	}
	if addr >= nodeAddrHighMin && addr <= nodeAddrHighMax {
		return true
	}
	return false
}

// AdminAddrSystem returns the admin node address used while system
// diagnosis is welcoming a neighbor on the given segment.
func AdminAddrSystem(segment uint16) uint16 { return 0x0500 + segment }

// AdminAddrBackChannel returns the admin node address used during
// back-channel diagnosis of the given segment.
func AdminAddrBackChannel(segment uint16) uint16 { return 0x0F00 + segment }

// NodePositionAddr returns the address derived from a ring position.
func NodePositionAddr(position uint16) uint16 { return 0x0400 + position }

func (s Signature) String() string {
	return fmt.Sprintf("Signature{addr=0x%04X pos=0x%04X ports=%d chip=0x%02X fw=%d.%d.%d}",
		s.NodeAddress, s.NodePositionAddr, s.NumPorts, s.ChipID, s.FwMajor, s.FwMinor, s.FwRelease)
}
