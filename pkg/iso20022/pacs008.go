// Package iso20022 implements the wire surface: parsing and validating
// inbound pacs.008 credit transfers and building outbound pacs.002 status
// reports. Only the fields the settlement core consumes are modelled.
package iso20022

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Message namespaces accepted and emitted.
const (
	NamespacePacs008 = "urn:iso:std:iso:20022:tech:xsd:pacs.008.001.10"
	NamespacePacs002 = "urn:iso:std:iso:20022:tech:xsd:pacs.002.001.12"
)

// Validation failures. ErrInvalidXML covers malformed documents,
// ErrSchemaViolation covers well-formed documents that break the message
// contract.
var (
	ErrInvalidXML      = errors.New("invalid xml")
	ErrSchemaViolation = errors.New("schema violation")
)

// Pacs008 is the inbound FI-to-FI customer credit transfer.
type Pacs008 struct {
	XMLName xml.Name       `xml:"Document"`
	Xmlns   string         `xml:"xmlns,attr"`
	Body    CdtTrfDocument `xml:"FIToFICstmrCdtTrf"`
}

type CdtTrfDocument struct {
	GrpHdr GroupHeader         `xml:"GrpHdr"`
	TxInf  []CreditTransferTxn `xml:"CdtTrfTxInf"`
}

type GroupHeader struct {
	MsgID    string `xml:"MsgId"`
	CreDtTm  string `xml:"CreDtTm"`
	NbOfTxs  string `xml:"NbOfTxs"`
	SttlmInf struct {
		SttlmMtd string `xml:"SttlmMtd"`
	} `xml:"SttlmInf"`
}

type CreditTransferTxn struct {
	PmtID struct {
		EndToEndID string `xml:"EndToEndId"`
		TxID       string `xml:"TxId"`
	} `xml:"PmtId"`
	Amount    ActiveAmount `xml:"IntrBkSttlmAmt"`
	Debtor    Party        `xml:"Dbtr"`
	DbtrAcct  CashAccount  `xml:"DbtrAcct"`
	Creditor  Party        `xml:"Cdtr"`
	CdtrAcct  CashAccount  `xml:"CdtrAcct"`
	RmtInfUns string       `xml:"RmtInf>Ustrd"`
}

type ActiveAmount struct {
	Ccy   string `xml:"Ccy,attr"`
	Value string `xml:",chardata"`
}

type Party struct {
	Name string `xml:"Nm"`
}

type CashAccount struct {
	IBAN string `xml:"Id>IBAN"`
}

// Instruction is the validated projection the pipeline hands to the
// settlement core.
type Instruction struct {
	MsgID        string
	EndToEndID   string
	Amount       decimal.Decimal
	Currency     string
	DebtorName   string
	DebtorIBAN   string
	CreditorName string
	CreditorIBAN string
}

// ParsePacs008 unmarshals and validates one inbound message, returning the
// settlement projection.
func ParsePacs008(data []byte) (*Instruction, error) {
	var doc Pacs008
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidXML, err)
	}
	if doc.Xmlns != NamespacePacs008 && doc.XMLName.Space != NamespacePacs008 {
		return nil, fmt.Errorf("%w: namespace %q, want %s", ErrSchemaViolation, doc.XMLName.Space, NamespacePacs008)
	}
	return doc.validate()
}

func (d *Pacs008) validate() (*Instruction, error) {
	hdr := d.Body.GrpHdr
	if hdr.MsgID == "" {
		return nil, fmt.Errorf("%w: missing GrpHdr/MsgId", ErrSchemaViolation)
	}
	if _, err := uuid.Parse(hdr.MsgID); err != nil {
		return nil, fmt.Errorf("%w: MsgId %q is not a UUID", ErrSchemaViolation, hdr.MsgID)
	}
	if len(d.Body.TxInf) != 1 {
		return nil, fmt.Errorf("%w: expected exactly one CdtTrfTxInf, got %d", ErrSchemaViolation, len(d.Body.TxInf))
	}

	tx := d.Body.TxInf[0]
	amount, err := decimal.NewFromString(strings.TrimSpace(tx.Amount.Value))
	if err != nil {
		return nil, fmt.Errorf("%w: amount %q: %v", ErrSchemaViolation, tx.Amount.Value, err)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive, got %s", ErrSchemaViolation, amount)
	}
	if err := validCurrency(tx.Amount.Ccy); err != nil {
		return nil, err
	}
	if err := validIBAN(tx.DbtrAcct.IBAN, "DbtrAcct"); err != nil {
		return nil, err
	}
	if err := validIBAN(tx.CdtrAcct.IBAN, "CdtrAcct"); err != nil {
		return nil, err
	}
	if tx.Debtor.Name == "" || tx.Creditor.Name == "" {
		return nil, fmt.Errorf("%w: debtor and creditor names are required", ErrSchemaViolation)
	}

	return &Instruction{
		MsgID:        hdr.MsgID,
		EndToEndID:   tx.PmtID.EndToEndID,
		Amount:       amount,
		Currency:     tx.Amount.Ccy,
		DebtorName:   tx.Debtor.Name,
		DebtorIBAN:   tx.DbtrAcct.IBAN,
		CreditorName: tx.Creditor.Name,
		CreditorIBAN: tx.CdtrAcct.IBAN,
	}, nil
}

func validCurrency(ccy string) error {
	if len(ccy) != 3 {
		return fmt.Errorf("%w: currency %q must be 3 letters", ErrSchemaViolation, ccy)
	}
	for _, r := range ccy {
		if r < 'A' || r > 'Z' {
			return fmt.Errorf("%w: currency %q must be uppercase letters", ErrSchemaViolation, ccy)
		}
	}
	return nil
}

func validIBAN(iban, field string) error {
	if iban == "" || len(iban) > 34 {
		return fmt.Errorf("%w: %s IBAN length %d, want 1..34", ErrSchemaViolation, field, len(iban))
	}
	for _, r := range iban {
		alnum := (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !alnum {
			return fmt.Errorf("%w: %s IBAN contains %q", ErrSchemaViolation, field, r)
		}
	}
	return nil
}

// now is swapped in tests to pin generated timestamps.
var now = func() time.Time { return time.Now().UTC() }
