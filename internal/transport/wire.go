package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/godbus/dbus/v5"

	"github.com/wirebus/gobusd/internal/message"
)

// D-Bus 1.0 wire constants.
const (
	littleEndian = 'l'
	bigEndian    = 'B'

	protocolVersion = 1

	// maxMessageSize bounds one message (header plus body) at 2^27
	// bytes, the protocol's hard limit.
	maxMessageSize = 1 << 27

	// fixedHeaderSize covers the endianness byte through the header
	// field array's length word.
	fixedHeaderSize = 16
)

// Header field codes.
const (
	fieldPath        = 1
	fieldInterface   = 2
	fieldMember      = 3
	fieldErrorName   = 4
	fieldReplySerial = 5
	fieldDestination = 6
	fieldSender      = 7
	fieldSignature   = 8
	fieldUnixFDs     = 9
)

func align(n, to int) int {
	return (n + to - 1) &^ (to - 1)
}

// -------------------------------------------------------------------------
// Decoding
// -------------------------------------------------------------------------

// DecodeMessage reads and decodes one message from br. The body is kept
// opaque except for its leading simple-typed arguments, which are
// decoded into Body for match-rule evaluation and driver dispatch.
func DecodeMessage(br *bufio.Reader) (*message.Message, error) {
	var head [fixedHeaderSize]byte
	if _, err := io.ReadFull(br, head[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read fixed header: %w", err)
	}

	var ord binary.ByteOrder
	switch head[0] {
	case littleEndian:
		ord = binary.LittleEndian
	case bigEndian:
		ord = binary.BigEndian
	default:
		return nil, fmt.Errorf("%w: endianness byte 0x%02x", ErrProtocol, head[0])
	}

	typ := message.Type(head[1])
	if typ < message.TypeMethodCall || typ > message.TypeSignal {
		return nil, fmt.Errorf("%w: message type %d", ErrProtocol, head[1])
	}
	if head[3] != protocolVersion {
		return nil, fmt.Errorf("%w: protocol version %d", ErrProtocol, head[3])
	}

	bodyLen := ord.Uint32(head[4:8])
	serial := ord.Uint32(head[8:12])
	fieldsLen := ord.Uint32(head[12:16])

	headerLen := align(fixedHeaderSize+int(fieldsLen), 8)
	if int64(headerLen)+int64(bodyLen) > maxMessageSize {
		return nil, fmt.Errorf("%w: message of %d bytes exceeds limit", ErrProtocol, int64(headerLen)+int64(bodyLen))
	}
	if serial == message.InvalidSerial {
		return nil, fmt.Errorf("%w: serial zero", ErrProtocol)
	}

	fields := make([]byte, headerLen-fixedHeaderSize)
	if _, err := io.ReadFull(br, fields); err != nil {
		return nil, fmt.Errorf("read header fields: %w", err)
	}

	m := &message.Message{
		Type:      typ,
		Flags:     message.Flags(head[2]),
		Serial:    serial,
		RawEndian: head[0],
	}
	if err := parseHeaderFields(m, fields[:fieldsLen], ord); err != nil {
		return nil, err
	}

	if bodyLen > 0 {
		body := make([]byte, bodyLen)
		if _, err := io.ReadFull(br, body); err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		m.RawBody = body
		args, err := peekSimpleArgs(m.Signature.String(), body, ord)
		if err != nil {
			return nil, err
		}
		m.Body = args
	}

	return m, nil
}

// parseHeaderFields walks the a(yv) header field array. Field offsets are
// relative to the start of the full message, which the fields slice
// begins 16 bytes into; 16 is 8-aligned so struct alignment arithmetic
// holds over the slice directly.
func parseHeaderFields(m *message.Message, fs []byte, ord binary.ByteOrder) error {
	i := 0
	for i < len(fs) {
		i = align(i, 8)
		if i >= len(fs) {
			break
		}
		code := fs[i]
		i++

		sig, next, err := readSignature(fs, i)
		if err != nil {
			return err
		}
		i = next

		switch sig {
		case "s", "o":
			s, next, err := readString(fs, i, ord)
			if err != nil {
				return err
			}
			i = next
			switch code {
			case fieldPath:
				m.Path = dbus.ObjectPath(s)
			case fieldInterface:
				m.Interface = s
			case fieldMember:
				m.Member = s
			case fieldErrorName:
				m.ErrorName = s
			case fieldDestination:
				m.Destination = s
			case fieldSender:
				m.Sender = s
			}
		case "g":
			s, next, err := readSignatureString(fs, i)
			if err != nil {
				return err
			}
			i = next
			if code == fieldSignature {
				parsed, err := dbus.ParseSignature(s)
				if err != nil {
					return fmt.Errorf("%w: body signature %q", ErrProtocol, s)
				}
				m.Signature = parsed
			}
		case "u":
			i = align(i, 4)
			if i+4 > len(fs) {
				return fmt.Errorf("%w: truncated uint32 field", ErrProtocol)
			}
			v := ord.Uint32(fs[i : i+4])
			i += 4
			switch code {
			case fieldReplySerial:
				m.ReplySerial = v
			case fieldUnixFDs:
				// fd passing is handled at the socket layer; count ignored.
			}
		default:
			return fmt.Errorf("%w: header field %d with signature %q", ErrProtocol, code, sig)
		}
	}
	return validateRequiredFields(m)
}

func validateRequiredFields(m *message.Message) error {
	switch m.Type {
	case message.TypeMethodCall:
		if m.Path == "" || m.Member == "" {
			return fmt.Errorf("%w: method call without path or member", ErrProtocol)
		}
	case message.TypeSignal:
		if m.Path == "" || m.Interface == "" || m.Member == "" {
			return fmt.Errorf("%w: signal without path, interface, or member", ErrProtocol)
		}
	case message.TypeMethodReply, message.TypeError:
		if m.ReplySerial == message.InvalidSerial {
			return fmt.Errorf("%w: reply without reply_serial", ErrProtocol)
		}
		if m.Type == message.TypeError && m.ErrorName == "" {
			return fmt.Errorf("%w: error without error name", ErrProtocol)
		}
	}
	return nil
}

// readSignature reads a signature-typed variant's signature portion:
// length byte, bytes, NUL.
func readSignature(b []byte, i int) (string, int, error) {
	if i >= len(b) {
		return "", 0, fmt.Errorf("%w: truncated variant signature", ErrProtocol)
	}
	n := int(b[i])
	i++
	if i+n+1 > len(b) {
		return "", 0, fmt.Errorf("%w: truncated variant signature", ErrProtocol)
	}
	s := string(b[i : i+n])
	return s, i + n + 1, nil
}

func readSignatureString(b []byte, i int) (string, int, error) {
	return readSignature(b, i)
}

func readString(b []byte, i int, ord binary.ByteOrder) (string, int, error) {
	i = align(i, 4)
	if i+4 > len(b) {
		return "", 0, fmt.Errorf("%w: truncated string length", ErrProtocol)
	}
	n := int(ord.Uint32(b[i : i+4]))
	i += 4
	if i+n+1 > len(b) {
		return "", 0, fmt.Errorf("%w: truncated string", ErrProtocol)
	}
	return string(b[i : i+n]), i + n + 1, nil
}

// peekSimpleArgs decodes the run of leading simple-typed arguments from
// an encoded body: strings and object paths (for match-rule argN
// evaluation), plus u32/bool/string-array/byte-array (for driver method
// arguments). Decoding stops at the first argument of a richer type; the
// remainder stays opaque in RawBody.
func peekSimpleArgs(sig string, body []byte, ord binary.ByteOrder) ([]any, error) {
	var args []any
	i := 0
	s := 0
	for s < len(sig) {
		switch {
		case sig[s] == 's' || sig[s] == 'o':
			v, next, err := readString(body, i, ord)
			if err != nil {
				return nil, err
			}
			args = append(args, v)
			i = next
			s++
		case sig[s] == 'u' || sig[s] == 'b':
			i = align(i, 4)
			if i+4 > len(body) {
				return nil, fmt.Errorf("%w: truncated body argument", ErrProtocol)
			}
			v := ord.Uint32(body[i : i+4])
			i += 4
			if sig[s] == 'b' {
				args = append(args, v != 0)
			} else {
				args = append(args, v)
			}
			s++
		case hasPrefixAt(sig, s, "as"):
			i = align(i, 4)
			if i+4 > len(body) {
				return nil, fmt.Errorf("%w: truncated array length", ErrProtocol)
			}
			n := int(ord.Uint32(body[i : i+4]))
			i += 4
			end := i + n
			if n > len(body) || end > len(body) {
				return nil, fmt.Errorf("%w: truncated string array", ErrProtocol)
			}
			var elems []string
			for i < end {
				v, next, err := readString(body, i, ord)
				if err != nil {
					return nil, err
				}
				elems = append(elems, v)
				i = next
			}
			args = append(args, elems)
			s += 2
		case hasPrefixAt(sig, s, "ay"):
			i = align(i, 4)
			if i+4 > len(body) {
				return nil, fmt.Errorf("%w: truncated array length", ErrProtocol)
			}
			n := int(ord.Uint32(body[i : i+4]))
			i += 4
			if n > len(body) || i+n > len(body) {
				return nil, fmt.Errorf("%w: truncated byte array", ErrProtocol)
			}
			args = append(args, append([]byte(nil), body[i:i+n]...))
			i += n
			s += 2
		default:
			return args, nil
		}
	}
	return args, nil
}

// -------------------------------------------------------------------------
// Encoding
// -------------------------------------------------------------------------

// EncodeMessage frames m and writes it to w. Relayed messages carry
// their original body verbatim (re-framed with a matching byte order);
// broker-originated messages have their Body encoded from the declared
// signature, which covers the value shapes the driver emits.
func EncodeMessage(w io.Writer, m *message.Message) error {
	endian := byte(littleEndian)
	if m.RawBody != nil && m.RawEndian == bigEndian {
		endian = bigEndian
	}
	var ord binary.ByteOrder = binary.LittleEndian
	if endian == bigEndian {
		ord = binary.BigEndian
	}

	body := m.RawBody
	if body == nil && len(m.Body) > 0 {
		var err error
		body, err = encodeBody(m.Signature.String(), m.Body, ord)
		if err != nil {
			return err
		}
	}

	e := &encoder{ord: ord}
	e.byte(endian)
	e.byte(byte(m.Type))
	e.byte(byte(m.Flags))
	e.byte(protocolVersion)
	e.u32(uint32(len(body)))
	e.u32(m.Serial)

	fieldsLenPos := len(e.b)
	e.u32(0)
	fieldsStart := len(e.b)

	if m.Path != "" {
		e.headerField(fieldPath, "o", func() { e.stringVal(string(m.Path)) })
	}
	if m.Interface != "" {
		e.headerField(fieldInterface, "s", func() { e.stringVal(m.Interface) })
	}
	if m.Member != "" {
		e.headerField(fieldMember, "s", func() { e.stringVal(m.Member) })
	}
	if m.ErrorName != "" {
		e.headerField(fieldErrorName, "s", func() { e.stringVal(m.ErrorName) })
	}
	if m.ReplySerial != message.InvalidSerial {
		e.headerField(fieldReplySerial, "u", func() { e.align(4); e.u32(m.ReplySerial) })
	}
	if m.Destination != "" {
		e.headerField(fieldDestination, "s", func() { e.stringVal(m.Destination) })
	}
	if m.Sender != "" {
		e.headerField(fieldSender, "s", func() { e.stringVal(m.Sender) })
	}
	if len(body) > 0 {
		e.headerField(fieldSignature, "g", func() { e.signatureVal(m.Signature.String()) })
	}

	e.patchU32(fieldsLenPos, uint32(len(e.b)-fieldsStart))
	e.align(8)
	e.b = append(e.b, body...)

	if len(e.b) > maxMessageSize {
		return fmt.Errorf("%w: encoded message of %d bytes exceeds limit", ErrProtocol, len(e.b))
	}

	_, err := w.Write(e.b)
	if err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// encodeBody marshals broker-originated argument values. The supported
// signature alphabet is exactly what the driver produces: s, o, u, b,
// as, ay, and a{sv} with string/uint32/string-array/byte-array variant
// values.
func encodeBody(sig string, args []any, ord binary.ByteOrder) ([]byte, error) {
	e := &encoder{ord: ord}
	i := 0
	argi := 0
	for i < len(sig) {
		if argi >= len(args) {
			return nil, fmt.Errorf("%w: signature %q longer than argument list", ErrProtocol, sig)
		}
		arg := args[argi]
		argi++

		switch {
		case sig[i] == 's' || sig[i] == 'o':
			s, ok := arg.(string)
			if !ok {
				return nil, fmt.Errorf("%w: argument %d is %T, want string", ErrProtocol, argi-1, arg)
			}
			e.stringVal(s)
			i++
		case sig[i] == 'u':
			v, ok := arg.(uint32)
			if !ok {
				return nil, fmt.Errorf("%w: argument %d is %T, want uint32", ErrProtocol, argi-1, arg)
			}
			e.align(4)
			e.u32(v)
			i++
		case sig[i] == 'b':
			v, ok := arg.(bool)
			if !ok {
				return nil, fmt.Errorf("%w: argument %d is %T, want bool", ErrProtocol, argi-1, arg)
			}
			e.align(4)
			if v {
				e.u32(1)
			} else {
				e.u32(0)
			}
			i++
		case hasPrefixAt(sig, i, "as"):
			v, ok := arg.([]string)
			if !ok {
				return nil, fmt.Errorf("%w: argument %d is %T, want []string", ErrProtocol, argi-1, arg)
			}
			e.array(4, func() {
				for _, s := range v {
					e.stringVal(s)
				}
			})
			i += 2
		case hasPrefixAt(sig, i, "ay"):
			v, ok := arg.([]byte)
			if !ok {
				return nil, fmt.Errorf("%w: argument %d is %T, want []byte", ErrProtocol, argi-1, arg)
			}
			e.array(1, func() { e.b = append(e.b, v...) })
			i += 2
		case hasPrefixAt(sig, i, "a{sv}"):
			v, ok := arg.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: argument %d is %T, want map[string]any", ErrProtocol, argi-1, arg)
			}
			if err := e.dictSV(v); err != nil {
				return nil, err
			}
			i += 5
		default:
			return nil, fmt.Errorf("%w: unsupported signature %q", ErrProtocol, sig[i:])
		}
	}
	return e.b, nil
}

func hasPrefixAt(s string, i int, prefix string) bool {
	return len(s)-i >= len(prefix) && s[i:i+len(prefix)] == prefix
}

type encoder struct {
	b   []byte
	ord binary.ByteOrder
}

func (e *encoder) byte(v byte) { e.b = append(e.b, v) }

func (e *encoder) u32(v uint32) {
	var tmp [4]byte
	e.ord.PutUint32(tmp[:], v)
	e.b = append(e.b, tmp[:]...)
}

func (e *encoder) patchU32(pos int, v uint32) {
	e.ord.PutUint32(e.b[pos:pos+4], v)
}

func (e *encoder) align(to int) {
	for len(e.b)%to != 0 {
		e.b = append(e.b, 0)
	}
}

// headerField writes one (yv) struct of the header field array.
func (e *encoder) headerField(code byte, sig string, val func()) {
	e.align(8)
	e.byte(code)
	e.signatureVal(sig)
	val()
}

func (e *encoder) stringVal(s string) {
	e.align(4)
	e.u32(uint32(len(s)))
	e.b = append(e.b, s...)
	e.byte(0)
}

func (e *encoder) signatureVal(s string) {
	e.byte(byte(len(s)))
	e.b = append(e.b, s...)
	e.byte(0)
}

// array writes a D-Bus array: length word, padding to the element
// alignment, then the elements produced by f. The length counts element
// bytes only, excluding the post-length padding.
func (e *encoder) array(elemAlign int, f func()) {
	e.align(4)
	lenPos := len(e.b)
	e.u32(0)
	e.align(elemAlign)
	start := len(e.b)
	f()
	e.patchU32(lenPos, uint32(len(e.b)-start))
}

func (e *encoder) dictSV(m map[string]any) error {
	var encErr error
	e.array(8, func() {
		for k, v := range m {
			e.align(8)
			e.stringVal(k)
			if err := e.variant(v); err != nil && encErr == nil {
				encErr = err
			}
		}
	})
	return encErr
}

func (e *encoder) variant(v any) error {
	switch val := v.(type) {
	case string:
		e.signatureVal("s")
		e.stringVal(val)
	case uint32:
		e.signatureVal("u")
		e.align(4)
		e.u32(val)
	case bool:
		e.signatureVal("b")
		e.align(4)
		if val {
			e.u32(1)
		} else {
			e.u32(0)
		}
	case []string:
		e.signatureVal("as")
		e.array(4, func() {
			for _, s := range val {
				e.stringVal(s)
			}
		})
	case []byte:
		e.signatureVal("ay")
		e.array(1, func() { e.b = append(e.b, val...) })
	default:
		return fmt.Errorf("%w: unsupported variant value %T", ErrProtocol, v)
	}
	return nil
}
