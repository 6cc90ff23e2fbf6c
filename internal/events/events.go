// Package events holds the message types the txbus commands exchange.
package events

import (
	"fmt"
	"time"

	"github.com/mickamy/txbus"
)

type AccountCreated struct {
	AccountID string    `json:"account_id" msgpack:"account_id"`
	Email     string    `json:"email" msgpack:"email"`
	CreatedAt time.Time `json:"created_at" msgpack:"created_at"`
}

func (AccountCreated) MessageType() string { return "account.created" }

type AccountUpdated struct {
	AccountID string `json:"account_id" msgpack:"account_id"`
	Email     string `json:"email" msgpack:"email"`
}

func (AccountUpdated) MessageType() string { return "account.updated" }

type AccountClosed struct {
	AccountID string `json:"account_id" msgpack:"account_id"`
	Reason    string `json:"reason" msgpack:"reason"`
}

func (AccountClosed) MessageType() string { return "account.closed" }

// Registry returns a registry with every event type.
func Registry() *txbus.Registry {
	reg := txbus.NewRegistry()
	txbus.MustRegister[AccountCreated](reg, AccountCreated{}.MessageType())
	txbus.MustRegister[AccountUpdated](reg, AccountUpdated{}.MessageType())
	txbus.MustRegister[AccountClosed](reg, AccountClosed{}.MessageType())
	return reg
}

// NewCodec returns a codec for the named wire format, "json" or "msgpack".
func NewCodec(format string) (*txbus.Codec, error) {
	switch format {
	case "", "json":
		return txbus.NewCodec(Registry()), nil
	case "msgpack":
		return txbus.NewCodec(Registry(), txbus.WithFormat(txbus.MsgPack{})), nil
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
}
