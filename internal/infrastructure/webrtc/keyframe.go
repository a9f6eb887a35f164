package webrtc

import (
	"strings"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// isKeyframe reports whether packet starts a keyframe for the given codec.
// Unknown codecs never report keyframes.
func isKeyframe(mimeType string, packet *rtp.Packet) bool {
	switch {
	case strings.EqualFold(mimeType, webrtc.MimeTypeVP8):
		return isVP8Keyframe(packet.Payload)
	case strings.EqualFold(mimeType, webrtc.MimeTypeH264):
		return isH264Keyframe(packet.Payload)
	}
	return false
}

// isVP8Keyframe parses the VP8 payload descriptor (RFC 7741 section 4.2) and
// checks the inverse key frame flag of the first partition.
func isVP8Keyframe(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}
	desc := payload[0]
	start := desc&0x10 != 0
	partition := desc & 0x07
	if !start || partition != 0 {
		return false
	}

	i := 1
	if desc&0x80 != 0 {
		if len(payload) <= i {
			return false
		}
		ext := payload[i]
		i++
		if ext&0x80 != 0 { // picture id
			if len(payload) <= i {
				return false
			}
			if payload[i]&0x80 != 0 {
				i += 2
			} else {
				i++
			}
		}
		if ext&0x40 != 0 { // tl0picidx
			i++
		}
		if ext&0x30 != 0 { // tid / keyidx
			i++
		}
	}
	if len(payload) <= i {
		return false
	}
	return payload[i]&0x01 == 0
}

// isH264Keyframe looks for IDR or SPS NAL units, including inside STAP-A and
// the first fragment of FU-A packets.
func isH264Keyframe(payload []byte) bool {
	if len(payload) < 1 {
		return false
	}
	switch nal := payload[0] & 0x1F; nal {
	case 5, 7:
		return true
	case 24: // STAP-A
		for i := 1; i+2 < len(payload); {
			size := int(payload[i])<<8 | int(payload[i+1])
			i += 2
			if i >= len(payload) {
				return false
			}
			if t := payload[i] & 0x1F; t == 5 || t == 7 {
				return true
			}
			i += size
		}
	case 28: // FU-A
		if len(payload) < 2 {
			return false
		}
		fuStart := payload[1]&0x80 != 0
		return fuStart && payload[1]&0x1F == 5
	}
	return false
}
