// Package packet defines the wire shape of one voice datagram (spec §4.4):
// a pion/rtp base frame (sequence number, timestamp, payload) carrying a
// Speakeasy extension header with the encryption mode and an optional FEC
// block reference. Grounded on the teacher's hand-rolled 4-byte datagram
// header in root client.go (sender ID + sequence number), generalized from
// a bespoke header into the pion/rtp wire format the rest of the pack's
// SFU-adjacent code (sebacius-switchboard) already speaks.
package packet

import (
	"encoding/binary"
	"errors"

	"github.com/pion/rtp"
)

// Mode selects whether the router may read the cleartext payload.
type Mode uint8

const (
	ModeTransportEncrypted Mode = iota // router terminates encryption, sees cleartext
	ModeE2EEncrypted                   // router forwards ciphertext unchanged
)

// extensionID is the RFC 8285 RTP header extension id carrying the
// Speakeasy mode/FEC extension. pion/rtp picks the one-byte form when the
// extension payload is at most 16 bytes and the two-byte form otherwise
// (larger FEC blocks).
const extensionID = 1

// MaxPayloadSize bounds a single voice frame's codec payload.
const MaxPayloadSize = 1400

// FECBlock is a self-describing forward-error-correction reference: it
// covers exactly one prior sequence number, so a jitter buffer can recover
// a lost frame without needing to know any particular codec's
// interleaving scheme.
type FECBlock struct {
	CoversSeq uint16
	Payload   []byte
}

// Frame is one decoded voice datagram.
type Frame struct {
	PeerID        uint32
	SequenceNumber uint16
	Timestamp      uint32
	Mode           Mode
	Payload        []byte
	FEC            *FECBlock
	Synthesized    bool // set by the jitter buffer on PLC frames, never on the wire
}

// ext is the compact binary layout appended as the RTP extension payload:
// mode(1) | hasFEC(1) | [coversSeq(2) | fecLen(2) | fecPayload(fecLen)]
func encodeExtension(f Frame) []byte {
	buf := make([]byte, 2, 6+len(payloadOf(f.FEC)))
	buf[0] = byte(f.Mode)
	if f.FEC == nil {
		buf[1] = 0
		return buf
	}
	buf[1] = 1
	var tail [4]byte
	binary.BigEndian.PutUint16(tail[0:2], f.FEC.CoversSeq)
	binary.BigEndian.PutUint16(tail[2:4], uint16(len(f.FEC.Payload)))
	buf = append(buf, tail[:]...)
	buf = append(buf, f.FEC.Payload...)
	return buf
}

func payloadOf(b *FECBlock) []byte {
	if b == nil {
		return nil
	}
	return b.Payload
}

func decodeExtension(raw []byte) (Mode, *FECBlock, error) {
	if len(raw) < 2 {
		return 0, nil, errors.New("packet: extension too short")
	}
	mode := Mode(raw[0])
	if raw[1] == 0 {
		return mode, nil, nil
	}
	if len(raw) < 6 {
		return 0, nil, errors.New("packet: truncated FEC reference")
	}
	coversSeq := binary.BigEndian.Uint16(raw[2:4])
	fecLen := binary.BigEndian.Uint16(raw[4:6])
	if len(raw) < 6+int(fecLen) {
		return 0, nil, errors.New("packet: truncated FEC payload")
	}
	payload := make([]byte, fecLen)
	copy(payload, raw[6:6+int(fecLen)])
	return mode, &FECBlock{CoversSeq: coversSeq, Payload: payload}, nil
}

// Marshal encodes f as an RTP packet with the Speakeasy extension attached.
func Marshal(f Frame) ([]byte, error) {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			SequenceNumber: f.SequenceNumber,
			Timestamp:      f.Timestamp,
			SSRC:           f.PeerID,
		},
		Payload: f.Payload,
	}
	if err := pkt.Header.SetExtension(extensionID, encodeExtension(f)); err != nil {
		return nil, errors.New("packet: set extension: " + err.Error())
	}
	return pkt.Marshal()
}

// Unmarshal decodes a raw datagram into a Frame.
func Unmarshal(data []byte) (Frame, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(data); err != nil {
		return Frame{}, err
	}
	raw := pkt.Header.GetExtension(extensionID)
	mode, fec, err := decodeExtension(raw)
	if err != nil {
		return Frame{}, err
	}
	return Frame{
		PeerID:         pkt.SSRC,
		SequenceNumber: pkt.SequenceNumber,
		Timestamp:      pkt.Timestamp,
		Mode:           mode,
		Payload:        pkt.Payload,
		FEC:            fec,
	}, nil
}

// SeqGreater reports whether a is later than b under 16-bit wraparound
// comparison (spec: "sequence-number wrap ... preserve order").
func SeqGreater(a, b uint16) bool {
	return int16(a-b) > 0
}

// SeqDistance returns the wrap-aware forward distance from b to a.
func SeqDistance(a, b uint16) int {
	return int(int16(a - b))
}
