package execution

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ggonzalez94/cover-cli/internal/action"
	clierr "github.com/ggonzalez94/cover-cli/internal/errors"
)

type Phase string

type Leg string

type ErrorKind string

const (
	PhaseIdle       Phase = "idle"
	PhaseSubmitting Phase = "submitting"
	PhasePending    Phase = "pending"
	PhaseSucceeded  Phase = "succeeded"
	PhaseFailed     Phase = "failed"
)

const (
	LegApproval Leg = "approval"
	LegAction   Leg = "action"
)

const (
	// ErrorKindRejected covers every failure before the network accepted
	// the call: policy, simulation, signing and broadcast.
	ErrorKindRejected ErrorKind = "rejected"
	ErrorKindReverted ErrorKind = "reverted"
	// ErrorKindTimeout means inclusion was not observed in time; the
	// transaction may still land.
	ErrorKindTimeout ErrorKind = "timeout"
)

func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed
}

// Call describes one signed mutating invocation.
type Call struct {
	Leg      Leg
	Kind     action.Kind
	ChainID  int64
	From     common.Address
	Target   common.Address
	Data     []byte
	Value    *big.Int
	Messages action.Messages

	// Approval legs carry the spend they cover so the approval bound can be
	// checked before dispatch.
	Requested    *big.Int
	ApprovalMode action.ApprovalMode
}

type Ticket struct {
	ID        string          `json:"ticket_id"`
	Leg       Leg             `json:"leg"`
	Kind      action.Kind     `json:"kind"`
	Phase     Phase           `json:"phase"`
	ChainID   int64           `json:"chain_id"`
	From      string          `json:"from"`
	Target    string          `json:"target"`
	Data      string          `json:"data,omitempty"`
	Value     string          `json:"value"`
	TxHash    string          `json:"tx_hash,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorKind ErrorKind       `json:"error_kind,omitempty"`
	Messages  action.Messages `json:"messages"`
	CreatedAt string          `json:"created_at"`
	UpdatedAt string          `json:"updated_at"`
}

func newTicket(call Call, now time.Time) Ticket {
	stamp := now.UTC().Format(time.RFC3339)
	value := "0"
	if call.Value != nil {
		value = call.Value.String()
	}
	return Ticket{
		ID:        NewTicketID(),
		Leg:       call.Leg,
		Kind:      call.Kind,
		Phase:     PhaseIdle,
		ChainID:   call.ChainID,
		From:      call.From.Hex(),
		Target:    call.Target.Hex(),
		Data:      "0x" + common.Bytes2Hex(call.Data),
		Value:     value,
		Messages:  call.Messages,
		CreatedAt: stamp,
		UpdatedAt: stamp,
	}
}

func (t Ticket) Terminal() bool {
	return t.Phase.Terminal()
}

// Err maps a failed ticket onto the CLI error taxonomy; nil otherwise.
func (t Ticket) Err() error {
	if t.Phase != PhaseFailed {
		return nil
	}
	msg := t.Messages.Failure
	if msg == "" {
		msg = "transaction failed"
	}
	if t.Error != "" {
		msg = msg + ": " + t.Error
	}
	switch t.ErrorKind {
	case ErrorKindReverted:
		return clierr.New(clierr.CodeReverted, msg)
	case ErrorKindTimeout:
		return clierr.New(clierr.CodeActionTimeout, msg)
	default:
		return clierr.New(clierr.CodeSigner, msg)
	}
}
