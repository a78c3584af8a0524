// Package douyu speaks the source platform's web API and chat protocol. It
// resolves authenticated play URLs, polls room live status, and collects
// danmaku chat over the binary STT websocket protocol.
package douyu

import (
	"bytes"
	"encoding/binary"
	"strings"
)

// STT frame layout: two little-endian uint32 length words, a uint32 message
// type word, then the payload terminated by a single NUL. The length word
// counts everything after itself, so a packet occupies length+4 bytes on the
// wire.
const (
	frameHeaderLen = 12
	frameLenExtra  = 8   // duplicate length word plus message type word
	msgTypeClient  = 689 // client-to-server frames; servers answer with 690
)

// Replacement order is part of the grammar: Unescape must resolve @S before
// @A, and Escape must handle @ before /.
var (
	sttEscaper   = strings.NewReplacer("@", "@A", "/", "@S")
	sttUnescaper = strings.NewReplacer("@S", "/", "@A", "@")
)

// Escape encodes the two reserved STT characters: @ becomes @A and / becomes
// @S.
func Escape(s string) string { return sttEscaper.Replace(s) }

// Unescape is the inverse of Escape.
func Unescape(s string) string { return sttUnescaper.Replace(s) }

// Encode serializes a flat field map as key@=value/ tokens. Field order is
// not significant to the protocol.
func Encode(fields map[string]string) string {
	var b strings.Builder
	for k, v := range fields {
		b.WriteString(Escape(k))
		b.WriteString("@=")
		b.WriteString(Escape(v))
		b.WriteByte('/')
	}
	return b.String()
}

// Parse splits a payload into its field map. Tokens without a key separator
// are dropped.
func Parse(payload string) map[string]string {
	fields := make(map[string]string)
	for _, tok := range strings.Split(payload, "/") {
		if tok == "" {
			continue
		}
		k, v, ok := strings.Cut(tok, "@=")
		if !ok {
			continue
		}
		fields[Unescape(k)] = Unescape(v)
	}
	return fields
}

// Pack frames a payload for sending. A trailing slash is added when missing;
// the body is the payload bytes plus a single NUL.
func Pack(payload string) []byte {
	if !strings.HasSuffix(payload, "/") {
		payload += "/"
	}
	body := len(payload) + 1
	frame := make([]byte, frameHeaderLen+body)
	length := uint32(body + frameLenExtra)
	binary.LittleEndian.PutUint32(frame[0:4], length)
	binary.LittleEndian.PutUint32(frame[4:8], length)
	binary.LittleEndian.PutUint32(frame[8:12], msgTypeClient)
	copy(frame[frameHeaderLen:], payload)
	return frame
}

// DecodePayloads walks the concatenated frames in one websocket message and
// returns their payload strings. A short or implausible packet ends the walk
// and counts as malformed; resynchronizing inside a length-prefixed stream is
// not possible, so the remaining bytes are abandoned.
func DecodePayloads(buf []byte) (payloads []string, malformed int) {
	for off := 0; off < len(buf); {
		if len(buf)-off < frameHeaderLen {
			malformed++
			break
		}
		length := int(binary.LittleEndian.Uint32(buf[off : off+4]))
		packet := length + 4
		if length <= frameLenExtra || off+packet > len(buf) {
			malformed++
			break
		}
		body := buf[off+frameHeaderLen : off+packet]
		if i := bytes.IndexByte(body, 0); i >= 0 {
			body = body[:i]
		}
		payloads = append(payloads, string(body))
		off += packet
	}
	return payloads, malformed
}
