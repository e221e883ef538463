package iso20022

import (
	"encoding/xml"
	"fmt"

	"github.com/google/uuid"
)

// Group and transaction statuses emitted on pacs.002.
const (
	StatusRejected = "RJCT"
	StatusPending  = "PDNG"
)

// External status-reason codes carried on rejects when a recognized cause
// exists.
const (
	ReasonInvalidFormat     = "FF01" // malformed or schema-violating message
	ReasonInsufficientFunds = "AM04"
	ReasonRegulatory        = "RR04" // compliance hold
	ReasonAccountUnknown    = "AC01"
)

// StatusReason is the optional reason block on a status report.
type StatusReason struct {
	Code string
	Info string
}

// Report describes one outbound status report.
type Report struct {
	OriginalMsgID string
	EndToEndID    string
	GroupStatus   string
	Reason        *StatusReason
}

// Pacs002 is the outbound FIToFIPaymentStatusReportV12.
type Pacs002 struct {
	XMLName xml.Name      `xml:"Document"`
	Xmlns   string        `xml:"xmlns,attr"`
	Body    StsRptBody    `xml:"FIToFIPmtStsRpt"`
}

type StsRptBody struct {
	GrpHdr struct {
		MsgID   string `xml:"MsgId"`
		CreDtTm string `xml:"CreDtTm"`
	} `xml:"GrpHdr"`
	OrgnlGrpInfAndSts OriginalGroupStatus `xml:"OrgnlGrpInfAndSts"`
	TxInfAndSts       *TransactionStatus  `xml:"TxInfAndSts,omitempty"`
}

type OriginalGroupStatus struct {
	OrgnlMsgID   string           `xml:"OrgnlMsgId"`
	OrgnlMsgNmID string           `xml:"OrgnlMsgNmId"`
	GrpSts       string           `xml:"GrpSts"`
	StsRsnInf    *StatusReasonInf `xml:"StsRsnInf,omitempty"`
}

type StatusReasonInf struct {
	Rsn struct {
		Cd string `xml:"Cd"`
	} `xml:"Rsn"`
	AddtlInf string `xml:"AddtlInf,omitempty"`
}

type TransactionStatus struct {
	OrgnlEndToEndID string `xml:"OrgnlEndToEndId"`
	TxSts           string `xml:"TxSts"`
}

// BuildPacs002 marshals a status report for the outbound queue.
func BuildPacs002(r Report) ([]byte, error) {
	if r.OriginalMsgID == "" {
		return nil, fmt.Errorf("%w: original msg id required", ErrSchemaViolation)
	}
	if r.GroupStatus != StatusRejected && r.GroupStatus != StatusPending {
		return nil, fmt.Errorf("%w: group status %q", ErrSchemaViolation, r.GroupStatus)
	}

	doc := Pacs002{Xmlns: NamespacePacs002}
	doc.Body.GrpHdr.MsgID = uuid.NewString()
	doc.Body.GrpHdr.CreDtTm = now().Format("2006-01-02T15:04:05.000Z")
	doc.Body.OrgnlGrpInfAndSts = OriginalGroupStatus{
		OrgnlMsgID:   r.OriginalMsgID,
		OrgnlMsgNmID: "pacs.008.001.10",
		GrpSts:       r.GroupStatus,
	}
	if r.Reason != nil {
		inf := &StatusReasonInf{AddtlInf: r.Reason.Info}
		inf.Rsn.Cd = r.Reason.Code
		doc.Body.OrgnlGrpInfAndSts.StsRsnInf = inf
	}
	if r.EndToEndID != "" {
		doc.Body.TxInfAndSts = &TransactionStatus{
			OrgnlEndToEndID: r.EndToEndID,
			TxSts:           r.GroupStatus,
		}
	}

	out, err := xml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal pacs.002: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}
