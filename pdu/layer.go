// Package pdu implements the DICOM Upper Layer protocol for inbound
// associations: PDU framing, association negotiation against configured
// capabilities, and P-DATA-TF exchange.
package pdu

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"strings"
	"time"

	dicomerr "github.com/Janxz264/dicom-bridge-mx/errors"
	"github.com/Janxz264/dicom-bridge-mx/types"
)

// PDU types
const (
	TypeAssociateRQ = 0x01
	TypeAssociateAC = 0x02
	TypeAssociateRJ = 0x03
	TypePDataTF     = 0x04
	TypeReleaseRQ   = 0x05
	TypeReleaseRP   = 0x06
	TypeAbort       = 0x07
)

// Presentation context negotiation results (PS3.8 9.3.3.2)
const (
	resultAcceptance           byte = 0x00
	resultRejectAbstractSyntax byte = 0x03
	resultRejectTransferSyntax byte = 0x04
)

const defaultMaxPDULength = 16384

// PDU represents one Protocol Data Unit.
type PDU struct {
	Type   byte
	Length uint32
	Data   []byte
}

// Capabilities is the negotiation whitelist: which abstract syntaxes
// this node serves and, per abstract syntax, which transfer syntaxes it
// accepts in preference order. Built once from configuration.
type Capabilities struct {
	AETitle          string
	EnforceCalledAE  bool
	MaxPDULength     uint32
	AbstractSyntaxes map[string][]string
}

// Supports reports whether the abstract syntax is whitelisted.
func (c *Capabilities) Supports(abstractSyntax string) bool {
	_, ok := c.AbstractSyntaxes[abstractSyntax]
	return ok
}

func (c *Capabilities) selectTransferSyntax(abstractSyntax string, proposed []string) string {
	accepted := c.AbstractSyntaxes[abstractSyntax]
	for _, want := range accepted {
		for _, ts := range proposed {
			if ts == want {
				return ts
			}
		}
	}
	return ""
}

// PresentationContext is one negotiated presentation context.
type PresentationContext struct {
	ID             byte
	Result         byte
	AbstractSyntax string
	TransferSyntax string
}

// Accepted reports whether the context was accepted.
func (p *PresentationContext) Accepted() bool {
	return p.Result == resultAcceptance
}

// AssociationInfo holds the negotiated session facts.
type AssociationInfo struct {
	CalledAETitle    string
	CallingAETitle   string
	MaxPDULength     uint32 // peer's receive limit
	PresentationCtxs map[byte]*PresentationContext
}

// DIMSEHandler consumes P-DATA-TF payloads one PDV at a time.
type DIMSEHandler interface {
	HandleDIMSEMessage(presContextID byte, msgCtrlHeader byte, data []byte, layer *Layer) error
}

// Layer drives one inbound association over a transport connection.
type Layer struct {
	conn        net.Conn
	caps        Capabilities
	handler     DIMSEHandler
	logger      *slog.Logger
	assoc       *AssociationInfo
	readTimeout time.Duration
}

// NewLayer creates a PDU layer for one accepted connection.
func NewLayer(conn net.Conn, handler DIMSEHandler, caps Capabilities, logger *slog.Logger) *Layer {
	if logger == nil {
		logger = slog.Default()
	}
	if caps.MaxPDULength == 0 {
		caps.MaxPDULength = defaultMaxPDULength
	}
	return &Layer{conn: conn, caps: caps, handler: handler, logger: logger}
}

// SetReadTimeout bounds how long the layer waits for the next PDU. Zero
// disables the deadline.
func (p *Layer) SetReadTimeout(d time.Duration) {
	p.readTimeout = d
}

// Info returns the negotiated association facts, or nil before
// negotiation completes.
func (p *Layer) Info() *AssociationInfo {
	return p.assoc
}

// ContextFor returns the accepted presentation context with the given ID.
func (p *Layer) ContextFor(id byte) (*PresentationContext, error) {
	if p.assoc == nil {
		return nil, fmt.Errorf("association not negotiated")
	}
	ctx, ok := p.assoc.PresentationCtxs[id]
	if !ok || !ctx.Accepted() {
		return nil, fmt.Errorf("presentation context %d not accepted", id)
	}
	return ctx, nil
}

// Negotiate reads the A-ASSOCIATE-RQ and answers with AC or RJ. A
// *NegotiationError is returned when the proposal is refused; the reject
// PDU has already been sent and no session state remains.
func (p *Layer) Negotiate() error {
	pdu, err := p.readPDU()
	if err != nil {
		return dicomerr.NewTransportError("read association request", err)
	}
	if pdu.Type != TypeAssociateRQ {
		return fmt.Errorf("%w: expected A-ASSOCIATE-RQ, got 0x%02x", dicomerr.ErrInvalidPDU, pdu.Type)
	}

	assoc, err := p.parseAssociateRQ(pdu)
	if err != nil {
		p.sendReject(dicomerr.RejectNoReasonGiven)
		return dicomerr.NewNegotiationError(dicomerr.RejectNoReasonGiven, err.Error())
	}

	if p.caps.EnforceCalledAE && assoc.CalledAETitle != p.caps.AETitle {
		p.sendReject(dicomerr.RejectCalledAENotRecognized)
		return dicomerr.NewNegotiationError(dicomerr.RejectCalledAENotRecognized,
			fmt.Sprintf("called AE %q is not this node", assoc.CalledAETitle))
	}

	accepted := 0
	for _, ctx := range assoc.PresentationCtxs {
		if ctx.Accepted() {
			accepted++
		}
	}
	if accepted == 0 {
		p.sendReject(dicomerr.RejectNoReasonGiven)
		return dicomerr.NewNegotiationError(dicomerr.RejectNoReasonGiven,
			"no proposed presentation context is supported")
	}

	p.assoc = assoc
	if err := p.sendAccept(); err != nil {
		p.assoc = nil
		return dicomerr.NewTransportError("send A-ASSOCIATE-AC", err)
	}

	p.logger.Info("association established",
		"calling_ae", assoc.CallingAETitle,
		"called_ae", assoc.CalledAETitle,
		"contexts_accepted", accepted,
		"peer_max_pdu", assoc.MaxPDULength)
	return nil
}

// Run processes P-DATA-TF PDUs until release, abort, or transport close.
// A clean release or peer abort returns nil; transport failures return
// the underlying error.
func (p *Layer) Run() error {
	for {
		pdu, err := p.readPDU()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return dicomerr.NewTransportError("read PDU", err)
		}

		switch pdu.Type {
		case TypePDataTF:
			if err := p.handlePDataTF(pdu); err != nil {
				return err
			}
		case TypeReleaseRQ:
			return p.sendReleaseRP()
		case TypeAbort:
			var source, reason byte
			if len(pdu.Data) >= 4 {
				source, reason = pdu.Data[2], pdu.Data[3]
			}
			p.logger.Info("peer aborted association", "source", source, "reason", reason)
			return nil
		default:
			p.logger.Warn("ignoring unexpected PDU", "type", fmt.Sprintf("0x%02x", pdu.Type))
		}
	}
}

// Abort sends an A-ABORT and gives up on the association.
func (p *Layer) Abort() {
	// service-provider initiated, reason not specified
	abort := []byte{TypeAbort, 0x00, 0x00, 0x00, 0x00, 0x04, 0x00, 0x00, 0x02, 0x00}
	if _, err := p.conn.Write(abort); err != nil {
		p.logger.Debug("failed to send A-ABORT", "error", err)
	}
}

// SendMessage writes a DIMSE command and optional dataset as P-DATA-TF
// PDUs, fragmenting to the peer's maximum PDU length.
func (p *Layer) SendMessage(presContextID byte, commandData, datasetData []byte) error {
	maxPDU := defaultMaxPDULength
	if p.assoc != nil && p.assoc.MaxPDULength > 0 {
		maxPDU = int(p.assoc.MaxPDULength)
	}
	if err := WritePDataTF(p.conn, presContextID, maxPDU, commandData, true); err != nil {
		return dicomerr.NewTransportError("send command", err)
	}
	if len(datasetData) > 0 {
		if err := WritePDataTF(p.conn, presContextID, maxPDU, datasetData, false); err != nil {
			return dicomerr.NewTransportError("send dataset", err)
		}
	}
	return nil
}

// WritePDataTF fragments data into PDVs no larger than the peer allows
// and writes them as P-DATA-TF PDUs. Shared by the inbound layer and the
// outbound client.
func WritePDataTF(conn io.Writer, presContextID byte, maxPDULength int, data []byte, isCommand bool) error {
	maxPDVData := maxPDULength - 6 - 6 // PDU header + PDV header
	if maxPDVData <= 0 {
		maxPDVData = defaultMaxPDULength
	}

	offset := 0
	for {
		chunk := len(data) - offset
		last := true
		if chunk > maxPDVData {
			chunk = maxPDVData
			last = false
		}

		controlHeader := byte(0)
		if isCommand {
			controlHeader |= 0x01
		}
		if last {
			controlHeader |= 0x02
		}

		pdvLength := uint32(chunk + 2)
		pdu := make([]byte, 0, 6+4+int(pdvLength))
		pdu = append(pdu, TypePDataTF, 0x00)
		pdu = binary.BigEndian.AppendUint32(pdu, 4+pdvLength)
		pdu = binary.BigEndian.AppendUint32(pdu, pdvLength)
		pdu = append(pdu, presContextID, controlHeader)
		pdu = append(pdu, data[offset:offset+chunk]...)

		if _, err := conn.Write(pdu); err != nil {
			return err
		}

		offset += chunk
		if offset >= len(data) {
			return nil
		}
	}
}

func (p *Layer) readPDU() (*PDU, error) {
	if p.readTimeout > 0 {
		p.conn.SetReadDeadline(time.Now().Add(p.readTimeout))
	}
	return ReadPDU(p.conn)
}

// ReadPDU reads one PDU from the stream.
func ReadPDU(r io.Reader) (*PDU, error) {
	header := make([]byte, 6)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[2:6])
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("truncated PDU body: %w", err)
	}
	return &PDU{Type: header[0], Length: length, Data: data}, nil
}

// handlePDataTF walks every PDV in the PDU and hands each to the DIMSE
// layer.
func (p *Layer) handlePDataTF(pdu *PDU) error {
	offset := 0
	for offset < len(pdu.Data) {
		if offset+6 > len(pdu.Data) {
			return fmt.Errorf("%w: truncated PDV header", dicomerr.ErrInvalidPDU)
		}
		pdvLength := binary.BigEndian.Uint32(pdu.Data[offset : offset+4])
		end := offset + 4 + int(pdvLength)
		if pdvLength < 2 || end > len(pdu.Data) {
			return fmt.Errorf("%w: PDV length exceeds PDU", dicomerr.ErrInvalidPDU)
		}

		presContextID := pdu.Data[offset+4]
		msgCtrlHeader := pdu.Data[offset+5]
		value := pdu.Data[offset+6 : end]

		if err := p.handler.HandleDIMSEMessage(presContextID, msgCtrlHeader, value, p); err != nil {
			return err
		}
		offset = end
	}
	return nil
}

func (p *Layer) sendReleaseRP() error {
	rp := []byte{TypeReleaseRP, 0x00, 0x00, 0x00, 0x00, 0x04, 0x00, 0x00, 0x00, 0x00}
	if _, err := p.conn.Write(rp); err != nil {
		return dicomerr.NewTransportError("send A-RELEASE-RP", err)
	}
	return nil
}

func (p *Layer) sendReject(reason dicomerr.RejectReason) {
	rj := []byte{TypeAssociateRJ, 0x00, 0x00, 0x00, 0x00, 0x04,
		0x00, // reserved
		0x01, // result: rejected-permanent
		0x01, // source: service-user
		byte(reason),
	}
	if _, err := p.conn.Write(rj); err != nil {
		p.logger.Debug("failed to send A-ASSOCIATE-RJ", "error", err)
	}
}

func normalizeUID(raw []byte) string {
	return strings.TrimRight(string(raw), "\x00 ")
}

func trimAETitle(raw []byte) string {
	value := string(raw)
	if idx := strings.IndexByte(value, 0); idx != -1 {
		value = value[:idx]
	}
	return strings.TrimSpace(value)
}

// parseAssociateRQ extracts AE titles, presentation contexts, and user
// information from an A-ASSOCIATE-RQ, negotiating each context against
// the configured capabilities.
func (p *Layer) parseAssociateRQ(pdu *PDU) (*AssociationInfo, error) {
	if len(pdu.Data) < 68 {
		return nil, fmt.Errorf("association request too short: %d bytes", len(pdu.Data))
	}

	data := pdu.Data
	assoc := &AssociationInfo{
		CalledAETitle:    trimAETitle(data[4:20]),
		CallingAETitle:   trimAETitle(data[20:36]),
		MaxPDULength:     defaultMaxPDULength,
		PresentationCtxs: make(map[byte]*PresentationContext),
	}

	offset := 68
	for offset+4 <= len(data) {
		itemType := data[offset]
		itemLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		valueStart := offset + 4
		valueEnd := valueStart + int(itemLength)
		if valueEnd > len(data) {
			return nil, fmt.Errorf("association item exceeds PDU length")
		}
		itemData := data[valueStart:valueEnd]

		switch itemType {
		case 0x10: // application context
			if uid := normalizeUID(itemData); uid != types.ApplicationContextUID {
				return nil, fmt.Errorf("unsupported application context %q", uid)
			}
		case 0x20: // presentation context
			ctx, err := p.negotiateContext(itemData)
			if err != nil {
				return nil, err
			}
			assoc.PresentationCtxs[ctx.ID] = ctx
		case 0x50: // user information
			if maxPDU := parseMaxPDULength(itemData); maxPDU > 0 {
				assoc.MaxPDULength = maxPDU
			}
		}
		offset = valueEnd
	}

	if len(assoc.PresentationCtxs) == 0 {
		return nil, fmt.Errorf("no presentation contexts proposed")
	}
	return assoc, nil
}

func (p *Layer) negotiateContext(data []byte) (*PresentationContext, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("presentation context item too short")
	}

	ctxID := data[0]
	var abstractSyntax string
	var transferSyntaxes []string

	offset := 4
	for offset+4 <= len(data) {
		subType := data[offset]
		subLength := binary.BigEndian.Uint16(data[offset+2 : offset+4])
		valueStart := offset + 4
		valueEnd := valueStart + int(subLength)
		if valueEnd > len(data) {
			return nil, fmt.Errorf("presentation context %d sub-item exceeds length", ctxID)
		}
		switch subType {
		case 0x30:
			abstractSyntax = normalizeUID(data[valueStart:valueEnd])
		case 0x40:
			transferSyntaxes = append(transferSyntaxes, normalizeUID(data[valueStart:valueEnd]))
		}
		offset = valueEnd
	}

	if abstractSyntax == "" {
		return nil, fmt.Errorf("presentation context %d has no abstract syntax", ctxID)
	}

	ctx := &PresentationContext{ID: ctxID, AbstractSyntax: abstractSyntax}
	if !p.caps.Supports(abstractSyntax) {
		ctx.Result = resultRejectAbstractSyntax
	} else if ts := p.caps.selectTransferSyntax(abstractSyntax, transferSyntaxes); ts != "" {
		ctx.Result = resultAcceptance
		ctx.TransferSyntax = ts
	} else {
		ctx.Result = resultRejectTransferSyntax
	}

	p.logger.Debug("negotiated presentation context",
		"context_id", ctxID,
		"abstract_syntax", abstractSyntax,
		"result", ctx.Result,
		"transfer_syntax", ctx.TransferSyntax)
	return ctx, nil
}

func parseMaxPDULength(data []byte) uint32 {
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

// sendAccept answers with an A-ASSOCIATE-AC mirroring every proposed
// context with its negotiation result.
func (p *Layer) sendAccept() error {
	fixed := make([]byte, 68)
	binary.BigEndian.PutUint16(fixed[0:2], 0x0001)
	copy(fixed[4:20], fmt.Sprintf("%-16s", clipAE(p.assoc.CalledAETitle)))
	copy(fixed[20:36], fmt.Sprintf("%-16s", clipAE(p.assoc.CallingAETitle)))

	var items []byte
	items = appendItem(items, 0x10, []byte(types.ApplicationContextUID))

	ids := make([]byte, 0, len(p.assoc.PresentationCtxs))
	for id := range p.assoc.PresentationCtxs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		ctx := p.assoc.PresentationCtxs[id]
		var body []byte
		body = append(body, ctx.ID, 0x00, ctx.Result, 0x00)
		if ctx.Accepted() {
			body = appendItem(body, 0x40, []byte(ctx.TransferSyntax))
		}
		items = appendItem(items, 0x21, body)
	}

	var userInfo []byte
	maxPDU := binary.BigEndian.AppendUint32(nil, p.caps.MaxPDULength)
	userInfo = appendItem(userInfo, 0x51, maxPDU)
	userInfo = appendItem(userInfo, 0x52, []byte("1.2.826.0.1.3680043.10.1457.1"))
	userInfo = appendItem(userInfo, 0x55, []byte("DICOM_BRIDGE_MX"))
	items = appendItem(items, 0x50, userInfo)

	body := append(fixed, items...)
	pdu := []byte{TypeAssociateAC, 0x00}
	pdu = binary.BigEndian.AppendUint32(pdu, uint32(len(body)))
	pdu = append(pdu, body...)

	_, err := p.conn.Write(pdu)
	return err
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
