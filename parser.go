// Copyright 2012 Apcera Inc. All rights reserved.

package nats

import (
	"errors"
	"fmt"
)

// ErrProtocol is returned when the parser encounters a byte that cannot
// legally follow the current state, per spec §4.5.
var ErrProtocol = errors.New("nats: protocol error")

// parserState enumerates every state the wire-protocol state machine can
// be in. Transitions are driven one byte at a time by parse(); there is
// deliberately no branching on whole tokens scattered through the code,
// per DESIGN.md's grounding note (this is the hottest path in the
// client).
type parserState int

const (
	opStart parserState = iota
	opPlus
	opPlusO
	opPlusOK
	opMinus
	opMinusE
	opMinusEr
	opMinusErr
	opMinusErrSpc
	minusErrArg
	opM
	opMs
	opMsg
	opMsgSpc
	msgArgState
	msgPayload
	msgEnd
	opP
	opPi
	opPin
	opPing
	opPo
	opPon
	opPong
	opI
	opIn
	opInf
	opInfo
	opInfoSpc
	infoArgState
)

// msgArg holds the parsed fields of an in-flight MSG frame.
type msgArg struct {
	subject []byte
	reply   []byte
	sid     uint64
	size    int
}

// parser is the per-connection streaming decoder. It is reset (via
// Conn.resetParserLocked) on every transition into connecting, per spec §4.6.
type parser struct {
	state parserState
	// drop is cleared by reset; no parser state reads or sets it.
	drop int
	ma   msgArg

	argBuf *byteBuffer // accumulates MSG/INFO/-ERR argument bytes across buffer boundaries
	msgBuf *byteBuffer // accumulates MSG payload bytes across buffer boundaries

	conn *Conn
}

const maxControlLineSize = 4096

func newParser(nc *Conn) *parser {
	return &parser{conn: nc, state: opStart}
}

// reset returns the parser to opStart and drops any partially-accumulated
// argument or payload buffers. Called whenever the connection is about
// to start a fresh handshake.
func (ps *parser) reset() {
	ps.state = opStart
	ps.drop = 0
	ps.ma = msgArg{}
	ps.argBuf = nil
	ps.msgBuf = nil
}

func isSpaceOrTab(b byte) bool {
	return b == ' ' || b == '\t'
}

// parse consumes buf, dispatching recognized frames to the connection as
// it goes. It returns ErrProtocol on any byte that does not match the
// expected next-state transition.
func (ps *parser) parse(buf []byte) error {
	var i int
	n := len(buf)

	for i = 0; i < n; i++ {
		b := buf[i]

		switch ps.state {
		case opStart:
			switch b {
			case 'M', 'm':
				ps.state = opM
			case 'P', 'p':
				ps.state = opP
			case '+':
				ps.state = opPlus
			case '-':
				ps.state = opMinus
			case 'I', 'i':
				ps.state = opI
			case '\r', '\n':
				// tolerate stray line breaks between frames
			default:
				return ps.fail(b)
			}

		// ---- MSG ----
		case opM:
			if lower(b) != 's' {
				return ps.fail(b)
			}
			ps.state = opMs
		case opMs:
			if lower(b) != 'g' {
				return ps.fail(b)
			}
			ps.state = opMsg
		case opMsg:
			if !isSpaceOrTab(b) {
				return ps.fail(b)
			}
			ps.state = opMsgSpc
		case opMsgSpc:
			if isSpaceOrTab(b) {
				continue
			}
			ps.argBuf = newByteBuffer(64)
			ps.state = msgArgState
			i-- // reprocess this byte as the first arg byte
		case msgArgState:
			if b == '\n' {
				arg := trimWhitespace(ps.argBuf.Bytes())
				if err := ps.processMsgArgs(arg); err != nil {
					return err
				}
				ps.argBuf = nil
				if ps.ma.size == 0 {
					ps.conn.processMsg(&ps.ma, nil)
					ps.state = opStart
				} else {
					ps.msgBuf = newByteBuffer(ps.ma.size)
					ps.state = msgPayload
				}
				continue
			}
			if b == '\r' {
				continue
			}
			if err := ps.argBuf.AppendByte(b); err != nil {
				return err
			}
		case msgPayload:
			remaining := ps.ma.size - ps.msgBuf.Len()
			take := n - i
			if take > remaining {
				take = remaining
			}
			if err := ps.msgBuf.Append(buf[i : i+take]); err != nil {
				return err
			}
			i += take - 1
			if ps.msgBuf.Len() == ps.ma.size {
				ps.state = msgEnd
			}
		case msgEnd:
			// expect \r\n terminator; tolerate either order of the two
			// bytes arriving split across reads.
			if b == '\r' {
				continue
			}
			if b != '\n' {
				return ps.fail(b)
			}
			payload := ps.msgBuf.Bytes()
			ps.conn.processMsg(&ps.ma, payload)
			ps.msgBuf = nil
			ps.state = opStart

		// ---- PING / PONG ----
		case opP:
			switch lower(b) {
			case 'i':
				ps.state = opPi
			case 'o':
				ps.state = opPo
			default:
				return ps.fail(b)
			}
		case opPi:
			if lower(b) != 'n' {
				return ps.fail(b)
			}
			ps.state = opPin
		case opPin:
			if lower(b) != 'g' {
				return ps.fail(b)
			}
			ps.state = opPing
		case opPing:
			if b == '\n' {
				ps.conn.processPing()
				ps.state = opStart
			} else if b != '\r' {
				return ps.fail(b)
			}
		case opPo:
			if lower(b) != 'n' {
				return ps.fail(b)
			}
			ps.state = opPon
		case opPon:
			if lower(b) != 'g' {
				return ps.fail(b)
			}
			ps.state = opPong
		case opPong:
			if b == '\n' {
				ps.conn.processPong()
				ps.state = opStart
			} else if b != '\r' {
				return ps.fail(b)
			}

		// ---- +OK ----
		case opPlus:
			if lower(b) != 'o' {
				return ps.fail(b)
			}
			ps.state = opPlusO
		case opPlusO:
			if lower(b) != 'k' {
				return ps.fail(b)
			}
			ps.state = opPlusOK
		case opPlusOK:
			if b == '\n' {
				ps.conn.processOK()
				ps.state = opStart
			} else if b != '\r' {
				return ps.fail(b)
			}

		// ---- -ERR '<text>' ----
		case opMinus:
			if lower(b) != 'e' {
				return ps.fail(b)
			}
			ps.state = opMinusE
		case opMinusE:
			if lower(b) != 'r' {
				return ps.fail(b)
			}
			ps.state = opMinusEr
		case opMinusEr:
			if lower(b) != 'r' {
				return ps.fail(b)
			}
			ps.state = opMinusErr
		case opMinusErr:
			if !isSpaceOrTab(b) {
				return ps.fail(b)
			}
			ps.state = opMinusErrSpc
		case opMinusErrSpc:
			if isSpaceOrTab(b) {
				continue
			}
			ps.argBuf = newByteBuffer(64)
			ps.state = minusErrArg
			i--
		case minusErrArg:
			if b == '\n' {
				arg := trimWhitespace(ps.argBuf.Bytes())
				ps.conn.processErr(string(trimQuotes(arg)))
				ps.argBuf = nil
				ps.state = opStart
				continue
			}
			if b == '\r' {
				continue
			}
			if err := ps.argBuf.AppendByte(b); err != nil {
				return err
			}

		// ---- INFO ----
		case opI:
			if lower(b) != 'n' {
				return ps.fail(b)
			}
			ps.state = opIn
		case opIn:
			if lower(b) != 'f' {
				return ps.fail(b)
			}
			ps.state = opInf
		case opInf:
			if lower(b) != 'o' {
				return ps.fail(b)
			}
			ps.state = opInfo
		case opInfo:
			if !isSpaceOrTab(b) {
				return ps.fail(b)
			}
			ps.state = opInfoSpc
		case opInfoSpc:
			if isSpaceOrTab(b) {
				continue
			}
			ps.argBuf = newByteBuffer(256)
			ps.state = infoArgState
			i--
		case infoArgState:
			if b == '\n' {
				arg := trimWhitespace(ps.argBuf.Bytes())
				ps.conn.processInfo(string(arg))
				ps.argBuf = nil
				ps.state = opStart
				continue
			}
			if b == '\r' {
				continue
			}
			if err := ps.argBuf.AppendByte(b); err != nil {
				return err
			}

		default:
			return ps.fail(b)
		}
	}
	return nil
}

func (ps *parser) fail(b byte) error {
	bad := ps.state
	ps.state = opStart
	return fmt.Errorf("%w: unexpected byte %q in state %d", ErrProtocol, b, bad)
}

func lower(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b + ('a' - 'A')
	}
	return b
}

func trimWhitespace(b []byte) []byte {
	start := 0
	end := len(b)
	for start < end && isSpaceOrTab(b[start]) {
		start++
	}
	for end > start && isSpaceOrTab(b[end-1]) {
		end--
	}
	return b[start:end]
}

func trimQuotes(b []byte) []byte {
	if len(b) >= 2 && b[0] == '\'' && b[len(b)-1] == '\'' {
		return b[1 : len(b)-1]
	}
	return b
}

// processMsgArgs splits a MSG argument line into subject, sid, optional
// reply, and payload length, per the MSG grammar of spec §6.
func (ps *parser) processMsgArgs(arg []byte) error {
	var fields [][]byte
	start := -1
	for i, c := range arg {
		if isSpaceOrTab(c) {
			if start >= 0 {
				fields = append(fields, arg[start:i])
				start = -1
			}
		} else if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		fields = append(fields, arg[start:])
	}

	switch len(fields) {
	case 3:
		ps.ma.subject = fields[0]
		ps.ma.reply = nil
	case 4:
		ps.ma.subject = fields[0]
		ps.ma.reply = fields[2]
	default:
		return fmt.Errorf("%w: malformed MSG arguments", ErrProtocol)
	}

	sid, err := parseUint(fields[1])
	if err != nil {
		return fmt.Errorf("%w: bad sid", ErrProtocol)
	}
	ps.ma.sid = sid

	sizeField := fields[len(fields)-1]
	size, err := parseUint(sizeField)
	if err != nil {
		return fmt.Errorf("%w: bad payload size", ErrProtocol)
	}
	ps.ma.size = int(size)
	return nil
}

func parseUint(b []byte) (uint64, error) {
	if len(b) == 0 {
		return 0, ErrProtocol
	}
	var v uint64
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, ErrProtocol
		}
		v = v*10 + uint64(c-'0')
	}
	return v, nil
}
