package services

import (
	"caixa/internal/core"
	"caixa/internal/transactions"
)

// Intent is a state change the coordinator reacts to.
type Intent interface {
	intent()
}

type (
	// TokenChanged carries the session token after a transition. An empty
	// token means there is nobody to fetch for.
	TokenChanged struct{ Token string }

	// RangeChanged carries the newly resolved filter range.
	RangeChanged struct{ Range core.Range }

	// SessionEnded is emitted on logout and on server-side expiry. Cause is
	// the rejected request's error on expiry, nil on logout.
	SessionEnded struct{ Cause error }

	// RemoteChanged reports a change made elsewhere, such as another client
	// creating a transaction. The key is unchanged but the data is not.
	RemoteChanged struct{}
)

func (TokenChanged) intent() {}
func (RangeChanged) intent() {}
func (SessionEnded) intent() {}
func (RemoteChanged) intent() {}

// View is the coordinator's input to the transaction store.
type View struct {
	Token string
	Range core.Range
}

// Key is the store key the view maps to.
func (v View) Key() transactions.Key {
	return transactions.Key{Token: v.Token, Range: v.Range}
}

// Effect is what the coordinator must do after reducing an intent.
type Effect int

const (
	EffectNone Effect = iota
	EffectFetch
	EffectReset
	EffectRefetch
)

func (e Effect) String() string {
	switch e {
	case EffectFetch:
		return "fetch"
	case EffectReset:
		return "reset"
	case EffectRefetch:
		return "refetch"
	}
	return "none"
}

// Reduce is the pure transition function of the coordinator.
func Reduce(v View, in Intent) (View, Effect) {
	switch in := in.(type) {
	case TokenChanged:
		if in.Token == v.Token {
			return v, EffectNone
		}
		v.Token = in.Token
		if v.Token == "" {
			return v, EffectReset
		}
		return v, EffectFetch
	case RangeChanged:
		if in.Range.Equal(v.Range) {
			return v, EffectNone
		}
		v.Range = in.Range
		if v.Token == "" {
			return v, EffectReset
		}
		return v, EffectFetch
	case SessionEnded:
		v.Token = ""
		return v, EffectReset
	case RemoteChanged:
		if v.Token == "" {
			return v, EffectNone
		}
		return v, EffectRefetch
	}
	return v, EffectNone
}
