package mux

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	core "github.com/eugener/palantir/internal"
)

// Proxy PDU idents. The proxy path delivers symbolic keys directly to
// the multiplexer without shell quoting.
const (
	IdentError    uint64 = 0
	IdentSuccess  uint64 = 10
	IdentSendKeys uint64 = 11
)

// PDU is one framed proxy message.
type PDU struct {
	Ident  uint64
	Serial uint64
	Data   []byte
}

// WritePDU frames a PDU as [uvarint total-length][uvarint ident]
// [uvarint serial][data] where total-length counts everything after
// itself.
func WritePDU(w io.Writer, pdu PDU) error {
	var header [2 * binary.MaxVarintLen64]byte
	n := binary.PutUvarint(header[:], pdu.Ident)
	n += binary.PutUvarint(header[n:], pdu.Serial)

	var lenBuf [binary.MaxVarintLen64]byte
	lenN := binary.PutUvarint(lenBuf[:], uint64(n+len(pdu.Data)))

	if _, err := w.Write(lenBuf[:lenN]); err != nil {
		return err
	}
	if _, err := w.Write(header[:n]); err != nil {
		return err
	}
	_, err := w.Write(pdu.Data)
	return err
}

// maxPDUSize bounds one frame; key payloads are tiny.
const maxPDUSize = 1 << 20

// ReadPDU decodes one frame.
func ReadPDU(r *bufio.Reader) (PDU, error) {
	length, err := binary.ReadUvarint(r)
	if err != nil {
		return PDU{}, err
	}
	if length > maxPDUSize {
		return PDU{}, fmt.Errorf("pdu frame too large: %d", length)
	}
	frame := make([]byte, length)
	if _, err := io.ReadFull(r, frame); err != nil {
		return PDU{}, err
	}

	ident, n := binary.Uvarint(frame)
	if n <= 0 {
		return PDU{}, fmt.Errorf("pdu missing ident")
	}
	serial, m := binary.Uvarint(frame[n:])
	if m <= 0 {
		return PDU{}, fmt.Errorf("pdu missing serial")
	}
	return PDU{Ident: ident, Serial: serial, Data: frame[n+m:]}, nil
}

// SendKeysProxy delivers symbolic keys over an established proxy stream.
// The request is ident 11; the reply is ident 10 on success or ident 0
// with the reason string as data.
func SendKeysProxy(rw io.ReadWriter, serial uint64, paneID string, keys []string) error {
	payload := paneID
	for _, key := range keys {
		payload += "\x00" + key
	}
	if err := WritePDU(rw, PDU{Ident: IdentSendKeys, Serial: serial, Data: []byte(payload)}); err != nil {
		return core.WrapError(core.CodeWeztermUnavailable, err, "proxy write failed")
	}

	reader := bufio.NewReader(rw)
	for {
		reply, err := ReadPDU(reader)
		if err != nil {
			return core.WrapError(core.CodeWeztermUnavailable, err, "proxy read failed")
		}
		if reply.Serial != serial {
			continue // reply to an earlier request
		}
		switch reply.Ident {
		case IdentSuccess:
			return nil
		case IdentError:
			return core.Errorf(core.CodeInvalidPane, "proxy send-keys rejected: %s", string(reply.Data))
		default:
			return core.Errorf(core.CodeUnsupportedResponse, "proxy replied with unexpected ident %d", reply.Ident)
		}
	}
}
