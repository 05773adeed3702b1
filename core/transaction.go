package core

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// OperationKind is a wallet operation supported by the binder.
type OperationKind string

const (
	OperationTransfer     OperationKind = "transfer"
	OperationInvoke       OperationKind = "invoke"
	OperationDeviceAdd    OperationKind = "device_add"
	OperationDeviceRemove OperationKind = "device_remove"
)

// Code is the numeric kind understood by the wallet contract.
func (k OperationKind) Code() (uint8, bool) {
	switch k {
	case OperationTransfer:
		return 0, true
	case OperationInvoke:
		return 1, true
	case OperationDeviceAdd:
		return 2, true
	case OperationDeviceRemove:
		return 3, true
	}
	return 0, false
}

// Operation is the unsigned wallet operation the user authorizes.
type Operation struct {
	Kind     OperationKind  `json:"kind"`
	Target   common.Address `json:"target"`
	Value    *big.Int       `json:"value"`
	Data     []byte         `json:"data"`
	Nonce    *big.Int       `json:"nonce"`
	Deadline int64          `json:"deadline"`
}

// PendingTransaction is an operation waiting for its signature or confirmation.
type PendingTransaction struct {
	Hash            common.Hash    `json:"hash"`
	Requester       ChallengeKey   `json:"requester"`
	Wallet          common.Address `json:"wallet"`
	ChainID         *big.Int       `json:"chain_id"`
	Operation       Operation      `json:"operation"`
	UnsignedPayload []byte         `json:"unsigned_payload"`
	CredentialID    []byte         `json:"credential_id,omitempty"` // device_add / device_remove target
	PublicKey       []byte         `json:"public_key,omitempty"`    // device_add key, COSE encoded
	CreatedAt       time.Time      `json:"created_at"`
	Assertion       *Assertion     `json:"assertion,omitempty"` // set once the signature is verified
	SubmittedTx     *common.Hash   `json:"submitted_tx,omitempty"`
	SubmittedAt     *time.Time     `json:"submitted_at,omitempty"`
}

// Submitted reports whether a ledger transaction was already sent.
func (p *PendingTransaction) Submitted() bool {
	return p.SubmittedTx != nil
}

// Assertion is a verified passkey signature over a pending transaction.
type Assertion struct {
	CredentialID      []byte `json:"credential_id"`
	AuthenticatorData []byte `json:"authenticator_data"`
	ClientDataJSON    []byte `json:"client_data_json"`
	Signature         []byte `json:"signature"` // ASN.1 DER
	SignCount         uint32 `json:"sign_count"`
}

// SubmissionStatus is the ledger outcome of a submission.
type SubmissionStatus string

const (
	StatusConfirmed   SubmissionStatus = "confirmed"
	StatusFailed      SubmissionStatus = "failed"
	StatusUnconfirmed SubmissionStatus = "unconfirmed"
	StatusPending     SubmissionStatus = "pending" // prepared, not yet signed
)

// SubmissionResult is returned by the submission pipeline.
type SubmissionResult struct {
	Hash   common.Hash      `json:"hash"`
	TxHash common.Hash      `json:"transaction_hash"`
	Status SubmissionStatus `json:"status"`
}

// ApprovalResult is returned when an account approval is requested.
type ApprovalResult struct {
	TxHash          common.Hash `json:"transaction_hash"`
	AlreadyApproved bool        `json:"already_approved"`
}

// TransactionEvent is published when a submission reaches a terminal state.
type TransactionEvent struct {
	Hash       common.Hash      `json:"hash"`
	TxHash     common.Hash      `json:"transaction_hash"`
	Status     SubmissionStatus `json:"status"`
	Kind       OperationKind    `json:"kind"`
	Wallet     common.Address   `json:"wallet"`
	RPID       string           `json:"rp_id"`
	Identifier string           `json:"identifier"`
	At         time.Time        `json:"at"`
}
