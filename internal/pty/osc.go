package pty

import "strings"

// Notification is a desktop-notification request parsed out of the output
// stream. Programs emit OSC 9 (iTerm2 convention, body only) or OSC 777
// ("notify" subcommand, title and body) to flag that they need attention.
type Notification struct {
	SessionKey string
	Title      string
	Body       string
}

// maxOSCLen bounds a single sequence so a misbehaving program cannot make
// the scanner buffer grow without limit. Oversized sequences are discarded.
const maxOSCLen = 4096

const (
	oscStateGround = iota
	oscStateEsc    // saw ESC, expecting ]
	oscStateBody   // inside OSC, collecting until BEL or ST
	oscStateBodyEsc
)

// oscScanner incrementally scans raw PTY output for notification escape
// sequences. Sequences may be split across read chunks, so the scanner
// carries state between Feed calls. It never copies the non-OSC bytes.
type oscScanner struct {
	state int
	body  []byte
}

// Feed consumes one output chunk and returns any completed notifications.
func (s *oscScanner) Feed(p []byte) []Notification {
	var out []Notification
	for _, b := range p {
		switch s.state {
		case oscStateGround:
			if b == 0x1b {
				s.state = oscStateEsc
			}
		case oscStateEsc:
			if b == ']' {
				s.state = oscStateBody
				s.body = s.body[:0]
			} else {
				s.state = oscStateGround
			}
		case oscStateBody:
			switch {
			case b == 0x07: // BEL terminator
				if n, ok := parseOSC(string(s.body)); ok {
					out = append(out, n)
				}
				s.state = oscStateGround
			case b == 0x1b: // possible ST (ESC \)
				s.state = oscStateBodyEsc
			default:
				if len(s.body) < maxOSCLen {
					s.body = append(s.body, b)
				}
			}
		case oscStateBodyEsc:
			if b == '\\' {
				if n, ok := parseOSC(string(s.body)); ok {
					out = append(out, n)
				}
			}
			// Either way the sequence is over; a lone ESC aborts it.
			s.state = oscStateGround
		}
	}
	return out
}

// parseOSC interprets a complete OSC body. Only the two notification
// conventions are recognized; everything else is ignored.
func parseOSC(body string) (Notification, bool) {
	if rest, ok := strings.CutPrefix(body, "9;"); ok {
		return Notification{Body: rest}, true
	}
	if rest, ok := strings.CutPrefix(body, "777;notify;"); ok {
		title, text, found := strings.Cut(rest, ";")
		if !found {
			return Notification{Body: title}, true
		}
		return Notification{Title: title, Body: text}, true
	}
	return Notification{}, false
}
