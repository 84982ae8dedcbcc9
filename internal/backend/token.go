package backend

import "github.com/google/uuid"

// Token is the backend's per-submission identifier. Tokens are born at each
// submission (accept/push/pop) and die at their completion or at socket
// teardown-drain; they are never reused across operations. A uuid gives
// that uniqueness guarantee without a shared counter, which matters because
// Provider implementations may mint tokens from multiple goroutines even
// though the translation engine that consumes them is single-threaded
// cooperative.
type Token struct {
	id uuid.UUID
}

// NewToken mints a fresh, globally unique Token.
func NewToken() Token {
	return Token{id: uuid.New()}
}

// String returns the token's canonical textual form, used in the simulated
// backend's unknown-token error messages.
func (t Token) String() string {
	return t.id.String()
}

// IsZero reports whether t is the zero Token (never minted by NewToken).
func (t Token) IsZero() bool {
	return t.id == uuid.Nil
}
