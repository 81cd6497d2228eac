// Package client opens outbound DICOM associations for forwarding and
// destination probing.
package client

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	dicomerr "github.com/Janxz264/dicom-bridge-mx/errors"
	"github.com/Janxz264/dicom-bridge-mx/pdu"
	"github.com/Janxz264/dicom-bridge-mx/types"
)

const defaultMaxPDULength = 16384

// Destination identifies the remote application entity.
type Destination struct {
	Addr           string
	CalledAETitle  string
	CallingAETitle string
	ConnectTimeout time.Duration
}

// ContextRequest is one presentation context to propose.
type ContextRequest struct {
	AbstractSyntax   string
	TransferSyntaxes []string
}

// acceptedContext is a context the peer agreed to.
type acceptedContext struct {
	id             byte
	transferSyntax string
}

// Association is an open outbound association.
type Association struct {
	conn   net.Conn
	dest   Destination
	logger *slog.Logger

	peerMaxPDU int
	accepted   map[string]acceptedContext // abstract syntax -> context

	mu        sync.Mutex
	nextMsgID uint16
}

// Connect dials the destination and negotiates the requested
// presentation contexts. A peer rejection surfaces as a
// *NegotiationError; both rejection and transport failures leave no open
// connection behind.
func Connect(ctx context.Context, dest Destination, requests []ContextRequest, logger *slog.Logger) (*Association, error) {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := dest.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", dest.Addr)
	if err != nil {
		return nil, dicomerr.NewTransportError("dial "+dest.Addr, err)
	}

	a := &Association{
		conn:       conn,
		dest:       dest,
		logger:     logger,
		peerMaxPDU: defaultMaxPDULength,
		accepted:   make(map[string]acceptedContext),
		nextMsgID:  1,
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	if err := a.negotiate(requests); err != nil {
		conn.Close()
		return nil, err
	}
	return a, nil
}

// ContextFor returns the accepted context for an abstract syntax.
func (a *Association) ContextFor(abstractSyntax string) (byte, string, error) {
	ctx, ok := a.accepted[abstractSyntax]
	if !ok {
		return 0, "", fmt.Errorf("no accepted presentation context for %s", abstractSyntax)
	}
	return ctx.id, ctx.transferSyntax, nil
}

// Release requests an orderly release and closes the connection.
func (a *Association) Release() error {
	defer a.conn.Close()
	rq := []byte{pdu.TypeReleaseRQ, 0x00, 0x00, 0x00, 0x00, 0x04, 0x00, 0x00, 0x00, 0x00}
	if _, err := a.conn.Write(rq); err != nil {
		return dicomerr.NewTransportError("send A-RELEASE-RQ", err)
	}
	// best effort: wait briefly for the release response
	a.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if p, err := pdu.ReadPDU(a.conn); err == nil && p.Type != pdu.TypeReleaseRP {
		a.logger.Debug("unexpected PDU during release", "type", fmt.Sprintf("0x%02x", p.Type))
	}
	return nil
}

// Close drops the connection without a release.
func (a *Association) Close() error {
	return a.conn.Close()
}

func (a *Association) allocateMessageID() uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextMsgID
	a.nextMsgID++
	return id
}

func (a *Association) negotiate(requests []ContextRequest) error {
	rq := buildAssociateRQ(a.dest, requests, defaultMaxPDULength)
	if _, err := a.conn.Write(rq); err != nil {
		return dicomerr.NewTransportError("send A-ASSOCIATE-RQ", err)
	}

	p, err := pdu.ReadPDU(a.conn)
	if err != nil {
		return dicomerr.NewTransportError("read association response", err)
	}

	switch p.Type {
	case pdu.TypeAssociateAC:
		return a.parseAssociateAC(p, requests)
	case pdu.TypeAssociateRJ:
		reason := dicomerr.RejectNoReasonGiven
		if len(p.Data) >= 4 {
			reason = dicomerr.RejectReason(p.Data[3])
		}
		return dicomerr.NewNegotiationError(reason,
			fmt.Sprintf("destination %s rejected the association", a.dest.CalledAETitle))
	default:
		return fmt.Errorf("%w: unexpected PDU type 0x%02x during negotiation", dicomerr.ErrInvalidPDU, p.Type)
	}
}

func (a *Association) parseAssociateAC(p *pdu.PDU, requests []ContextRequest) error {
	if len(p.Data) < 68 {
		return fmt.Errorf("%w: association accept too short", dicomerr.ErrInvalidPDU)
	}

	// context IDs were assigned in request order: 1, 3, 5, ...
	byID := make(map[byte]string)
	for i, req := range requests {
		byID[byte(2*i+1)] = req.AbstractSyntax
	}

	data := p.Data
	offset := 68
	for offset+4 <= len(data) {
		itemType := data[offset]
		itemLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		valueStart := offset + 4
		valueEnd := valueStart + int(itemLength)
		if valueEnd > len(data) {
			return fmt.Errorf("%w: accept item exceeds PDU", dicomerr.ErrInvalidPDU)
		}
		itemData := data[valueStart:valueEnd]

		switch itemType {
		case 0x21:
			if len(itemData) < 4 {
				return fmt.Errorf("%w: short presentation context reply", dicomerr.ErrInvalidPDU)
			}
			ctxID, result := itemData[0], itemData[2]
			if result == 0x00 {
				ts := parseTransferSyntaxItem(itemData[4:])
				if abstract, ok := byID[ctxID]; ok && ts != "" {
					a.accepted[abstract] = acceptedContext{id: ctxID, transferSyntax: ts}
				}
			}
		case 0x50:
			if maxPDU := parseMaxPDUSubItem(itemData); maxPDU > 0 {
				a.peerMaxPDU = int(maxPDU)
			}
		}
		offset = valueEnd
	}

	if len(a.accepted) == 0 {
		return dicomerr.NewNegotiationError(dicomerr.RejectNoReasonGiven,
			"destination accepted the association but no presentation context")
	}
	a.logger.Debug("outbound association established",
		"destination", a.dest.Addr,
		"called_ae", a.dest.CalledAETitle,
		"contexts", len(a.accepted),
		"peer_max_pdu", a.peerMaxPDU)
	return nil
}

func parseTransferSyntaxItem(data []byte) string {
	if len(data) < 4 || data[0] != 0x40 {
		return ""
	}
	length := binary.BigEndian.Uint16(data[2:4])
	if 4+int(length) > len(data) {
		return ""
	}
	return strings.TrimRight(string(data[4:4+length]), "\x00 ")
}

func parseMaxPDUSubItem(data []byte) uint32 {
	offset := 0
	for offset+4 <= len(data) {
		subType := data[offset]
		subLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		valueStart := offset + 4
		valueEnd := valueStart + int(subLength)
		if valueEnd > len(data) {
			return 0
		}
		if subType == 0x51 && subLength == 4 {
			return binary.BigEndian.Uint32(data[valueStart:valueEnd])
		}
		offset = valueEnd
	}
	return 0
}

func buildAssociateRQ(dest Destination, requests []ContextRequest, maxPDULength uint32) []byte {
	fixed := make([]byte, 68)
	binary.BigEndian.PutUint16(fixed[0:2], 0x0001)
	copy(fixed[4:20], fmt.Sprintf("%-16s", clipAE(dest.CalledAETitle)))
	copy(fixed[20:36], fmt.Sprintf("%-16s", clipAE(dest.CallingAETitle)))

	var items []byte
	items = appendItem(items, 0x10, []byte(types.ApplicationContextUID))

	for i, req := range requests {
		var body []byte
		body = append(body, byte(2*i+1), 0x00, 0x00, 0x00)
		body = appendItem(body, 0x30, []byte(req.AbstractSyntax))
		for _, ts := range req.TransferSyntaxes {
			body = appendItem(body, 0x40, []byte(ts))
		}
		items = appendItem(items, 0x20, body)
	}

	var userInfo []byte
	userInfo = appendItem(userInfo, 0x51, binary.BigEndian.AppendUint32(nil, maxPDULength))
	userInfo = appendItem(userInfo, 0x52, []byte("1.2.826.0.1.3680043.10.1457.1"))
	userInfo = appendItem(userInfo, 0x55, []byte("DICOM_BRIDGE_MX"))
	items = appendItem(items, 0x50, userInfo)

	body := append(fixed, items...)
	out := []byte{pdu.TypeAssociateRQ, 0x00}
	out = binary.BigEndian.AppendUint32(out, uint32(len(body)))
	return append(out, body...)
}

func appendItem(buf []byte, itemType byte, value []byte) []byte {
	buf = append(buf, itemType, 0x00)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(value)))
	return append(buf, value...)
}

func clipAE(ae string) string {
	if len(ae) > 16 {
		return ae[:16]
	}
	return ae
}
